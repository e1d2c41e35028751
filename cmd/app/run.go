package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cutekitek/rankode-exec/internal/config"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/host"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute one program on this machine and print its output",
		ArgsUsage: "SOURCE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "lang",
				Aliases:  []string{"l"},
				Usage:    "c, cpp, java or python",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "file passed to the program as stdin",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "run deadline, RUN_TIMEOUT when unset",
			},
			&cli.BoolFlag{
				Name:  "stages",
				Usage: "print a report for every stage",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("expected exactly one SOURCE file", 2)
	}
	lang, err := models.ParseLanguage(cmd.String("lang"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	code, err := os.ReadFile(cmd.Args().First())
	if err != nil {
		return errors.Wrap(err, "failed to read source")
	}
	var stdin []byte
	if path := cmd.String("input"); path != "" {
		if stdin, err = os.ReadFile(path); err != nil {
			return errors.Wrap(err, "failed to read input")
		}
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if d := cmd.Duration("timeout"); d > 0 {
		cfg.Limits.RunTimeout = d
	}
	cfg.CleanupGrace = 0
	cfg.SweepOlderThan = 0

	eng, err := newEngine(cfg, host.New(host.Config{MaxFileSize: cfg.Limits.MaxFileSize, MemoryLimit: cfg.Limits.MemoryLimit}))
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Run(ctx, &dto.RunRequest{Language: lang, Code: string(code), Stdin: string(stdin)})
	if err != nil {
		return err
	}
	printResult(res, cmd.Bool("stages"))
	if !res.Succeeded() {
		return cli.Exit("", 1)
	}
	return nil
}

func printResult(res *dto.RunResult, stages bool) {
	if res.Succeeded() {
		fmt.Fprintln(os.Stdout, res.Output)
	} else if res.Error != "" {
		fmt.Fprintln(os.Stdout, res.Error)
	}

	status := color.New(color.FgGreen, color.Bold)
	if res.Succeeded() {
		if res.Stream == "stderr" {
			status = color.New(color.FgYellow, color.Bold)
		}
	} else {
		status = color.New(color.FgRed, color.Bold)
	}
	status.Fprintf(os.Stderr, "%s", res.Kind)
	fmt.Fprintf(os.Stderr, " in %s\n", res.Duration.Round(time.Millisecond))

	if !stages {
		return
	}
	faint := color.New(color.Faint)
	for _, st := range res.Stages {
		faint.Fprintf(os.Stderr, "  %-5s %-22s exit=%d time=%s", st.Name, st.Status, st.ExitCode, st.Time.Round(time.Millisecond))
		if st.Signal != "" {
			faint.Fprintf(os.Stderr, " signal=%s", st.Signal)
		}
		if st.Memory > 0 {
			faint.Fprintf(os.Stderr, " memory=%dKiB", st.Memory/1024)
		}
		fmt.Fprintln(os.Stderr)
	}
}
