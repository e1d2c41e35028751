package main

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cutekitek/rankode-exec/internal/config"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/pkg/shell"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v3"
)

type health int

const (
	healthOK health = iota
	healthWarn
	healthError
)

type feedbackRow struct {
	unit    string
	health  health
	message string
}

func doctorCommand() *cli.Command {
	return &cli.Command{
		Name:   "doctor",
		Usage:  "check toolchains and sandbox prerequisites",
		Action: doctor,
	}
}

func doctor(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	feedback := []feedbackRow{checkWorkspace(cfg.WorkspaceDir), checkSandbox(ctx, cfg)}
	rows, err := checkToolchains(ctx, cfg)
	if err != nil {
		return err
	}
	feedback = append(feedback, rows...)
	outputFeedback(feedback)

	for _, row := range feedback {
		if row.health == healthError {
			return cli.Exit("", 1)
		}
	}
	return nil
}

func checkWorkspace(dir string) feedbackRow {
	row := feedbackRow{unit: "Workspace"}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		row.health, row.message = healthError, err.Error()
		return row
	}
	f, err := os.CreateTemp(dir, ".doctor.*")
	if err != nil {
		row.health, row.message = healthError, err.Error()
		return row
	}
	f.Close()
	os.Remove(f.Name())
	row.message = dir
	return row
}

func checkSandbox(ctx context.Context, cfg *config.Config) feedbackRow {
	row := feedbackRow{unit: "Sandbox " + cfg.Sandbox.Kind}
	switch cfg.Sandbox.Kind {
	case "host":
		row.health, row.message = healthWarn, "programs run as this user without isolation"
	case "container":
		if os.Getuid() != 0 {
			row.health, row.message = healthError, "requires root for namespaces and cgroups"
		} else {
			row.message = "running as root"
		}
	case "isolate":
		out, err := shell.FirstLine(ctx, cfg.Sandbox.IsolatePath, "--version")
		row.health, row.message = verdict(out, err)
	case "docker":
		out, err := shell.FirstLine(ctx, "docker", "version", "--format", "{{.Server.Version}}")
		row.health, row.message = verdict(out, err)
	}
	return row
}

func checkToolchains(ctx context.Context, cfg *config.Config) ([]feedbackRow, error) {
	tc, err := newDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	var rows []feedbackRow
	for _, lang := range models.Languages() {
		toolchain, err := tc.Toolchain(lang)
		if err != nil {
			return nil, err
		}
		for _, bin := range toolchain.Binaries() {
			row := feedbackRow{unit: lang.String() + ": " + bin}
			if _, err := exec.LookPath(bin); err != nil {
				row.health, row.message = healthError, err.Error()
			} else {
				row.health, row.message = verdict(shell.FirstLine(ctx, bin, "--version"))
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func verdict(out string, err error) (health, string) {
	if err != nil {
		return healthError, err.Error()
	}
	return healthOK, strings.TrimSpace(out)
}

func outputFeedback(feedback []feedbackRow) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Unit", "Health", "Message"})
	for _, row := range feedback {
		var healthCode string
		switch row.health {
		case healthOK:
			healthCode = text.FgGreen.Sprint("OKAY")
		case healthWarn:
			healthCode = text.FgYellow.Sprint("WARN")
		case healthError:
			healthCode = text.FgRed.Sprint("ERROR")
		}
		t.AppendRow(table.Row{row.unit, healthCode, row.message})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
