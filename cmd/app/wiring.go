package main

import (
	"context"
	"log/slog"

	"github.com/cutekitek/rankode-exec/internal/config"
	"github.com/cutekitek/rankode-exec/internal/engine"
	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/container"
	"github.com/cutekitek/rankode-exec/internal/runner/docker"
	"github.com/cutekitek/rankode-exec/internal/runner/host"
	"github.com/cutekitek/rankode-exec/internal/runner/isolate"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/cutekitek/rankode-exec/internal/workspace"
	"github.com/pkg/errors"
)

func newSandbox(ctx context.Context, cfg *config.Config) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.Kind {
	case "container":
		sb, err := container.New(container.Config{
			PoolSize:    cfg.Sandbox.ContainerPoolSize,
			MemoryLimit: cfg.Limits.MemoryLimit,
			MaxFileSize: cfg.Limits.MaxFileSize,
		})
		if err != nil {
			return nil, err
		}
		return sb, nil
	case "isolate":
		sb, err := isolate.New(isolate.Config{
			MaxBoxCount: cfg.Sandbox.IsolateBoxes,
			ExecPath:    cfg.Sandbox.IsolatePath,
			MemoryLimit: cfg.Limits.MemoryLimit,
			MaxFileSize: cfg.Limits.MaxFileSize,
		})
		if err != nil {
			return nil, err
		}
		return sb, nil
	case "docker":
		sb, err := docker.New(ctx, docker.Config{
			Images: map[models.Language]string{
				models.LanguageC:      cfg.Sandbox.DockerImageC,
				models.LanguageCPP:    cfg.Sandbox.DockerImageCPP,
				models.LanguageJava:   cfg.Sandbox.DockerImageJava,
				models.LanguagePython: cfg.Sandbox.DockerImagePython,
			},
			MemoryLimit: cfg.Limits.MemoryLimit,
		})
		if err != nil {
			return nil, err
		}
		return sb, nil
	case "host":
		return host.New(host.Config{MaxFileSize: cfg.Limits.MaxFileSize, MemoryLimit: cfg.Limits.MemoryLimit}), nil
	}
	return nil, errors.Errorf("unknown sandbox %q", cfg.Sandbox.Kind)
}

func newDispatcher(cfg *config.Config) (*toolchain.Dispatcher, error) {
	return toolchain.NewDispatcher(toolchain.Config{
		BuildTimeout:  cfg.Limits.BuildTimeout,
		RunTimeout:    cfg.Limits.RunTimeout,
		OverridesFile: cfg.ToolchainsFile,
	})
}

// newEngine wires the workspace, toolchains and sandbox. Stale files from a previous
// process are swept first.
func newEngine(cfg *config.Config, sb sandbox.Sandbox, opts ...engine.Option) (*engine.Engine, error) {
	tc, err := newDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.New(cfg.WorkspaceDir, tc)
	if err != nil {
		return nil, err
	}
	if cfg.SweepOlderThan > 0 {
		n, err := ws.Sweep(cfg.SweepOlderThan)
		if err != nil {
			slog.Warn("workspace sweep failed", "error", err)
		}
		if n > 0 {
			slog.Info("removed stale job files", "count", n, "dir", ws.Dir())
			metrics.SweptFiles.Add(float64(n))
		}
	}
	return engine.New(ws, tc, sb, engine.Config{
		MaxOutput:    cfg.Limits.MaxOutputSize,
		CleanupGrace: cfg.CleanupGrace,
	}, opts...), nil
}
