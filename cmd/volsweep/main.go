package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ideamans/go-l10n"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/spachava753/volsweep/internal/collection"
	"github.com/spachava753/volsweep/internal/config"
	"github.com/spachava753/volsweep/internal/executor"
	"github.com/spachava753/volsweep/internal/models"
	"github.com/spachava753/volsweep/internal/stage"
)

// errIncomplete makes the process exit non-zero after a summary has already been printed.
var errIncomplete = errors.New("sweep incomplete")

func main() {
	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		sig := <-sigChan
		slog.Info(l10n.T("interrupt received, shutting down gracefully..."), "signal", sig)
		cancel()
	}()

	err := newApp().RunContext(ctx, os.Args)
	if err != nil {
		if !errors.Is(err, errIncomplete) {
			slog.Error("command failed", "error", err)
		}
		signal.Stop(sigChan)
		cancel()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "volsweep",
		Usage: l10n.T("Run Slicer command-line modules over numbered MRI volumes"),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: l10n.T("Log level (debug, info, warn, error)"),
			},
		},
		Before: func(c *cli.Context) error {
			return setupLogging(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:      "discover",
				Usage:     l10n.T("List the volumes matching a numbered file pattern"),
				ArgsUsage: "<dir> <pattern>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max", Usage: l10n.T("Highest index to include (0 = no limit)")},
				},
				Action: discoverAction,
			},
			{
				Name:      "run",
				Usage:     l10n.T("Run the sweeps described by a job file"),
				ArgsUsage: "<sweep.yaml>",
				Action:    runAction,
			},
			{
				Name:  "check",
				Usage: l10n.T("Check that every stage tool can be found on this host"),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "stages", Usage: l10n.T("Stage definitions file (stages.toml)")},
				},
				Action: checkAction,
			},
		},
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func setupLogging(levelName string) error {
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func discoverAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: volsweep discover <dir> <pattern> [--max N]")
	}

	col, err := collection.Discover(c.Args().Get(0), c.Args().Get(1), c.Int("max"))
	if err != nil {
		return err
	}

	out := c.App.Writer
	for _, item := range col.Items {
		fmt.Fprintf(out, "%d\t%s\n", item.Index, item.Path)
	}
	fmt.Fprintln(out, l10n.F("%d volumes found", col.Len()))
	return nil
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: volsweep run <sweep.yaml>")
	}
	configPath := c.Args().First()

	if !c.IsSet("log-level") {
		cfg, err := config.LoadSweepConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading sweep config: %w", err)
		}
		if cfg.LogLevel != "" {
			if err := setupLogging(cfg.LogLevel); err != nil {
				return err
			}
		}
	}

	result, err := executor.RunFromConfig(c.Context, configPath)
	if err != nil {
		return err
	}

	printSummary(c.App.Writer, result)

	if result.FailedRuns > 0 || result.Cancelled {
		return errIncomplete
	}
	return nil
}

func printSummary(w io.Writer, result *models.JobResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, l10n.F("Job: %s", result.JobName))
	for _, s := range result.Sweeps {
		fmt.Fprintln(w, l10n.F("  %s: %d succeeded, %d failed, %d skipped (mean %.2fs, stddev %.2fs)",
			s.Stage, s.Succeeded, s.Failed, s.Skipped, s.MeanDurationSec, s.StdDevDurationSec))
	}
	fmt.Fprintln(w, l10n.F("Items: %d", result.Items))
	fmt.Fprintln(w, l10n.F("Total runs: %d", result.TotalRuns))
	fmt.Fprintln(w, l10n.F("Succeeded: %d", result.SucceededRuns))
	fmt.Fprintln(w, l10n.F("Failed: %d", result.FailedRuns))
	if result.SkippedRuns > 0 {
		fmt.Fprintln(w, l10n.F("Skipped: %d", result.SkippedRuns))
	}
	if result.InterruptedRuns > 0 {
		fmt.Fprintln(w, l10n.F("Interrupted: %d", result.InterruptedRuns))
	}
	if result.TotalCost > 0 {
		fmt.Fprintln(w, l10n.F("Cost: $%.4f", result.TotalCost))
	}
	fmt.Fprintln(w, l10n.F("Duration: %.2fs", result.TotalDurationSec))
	if result.Cancelled {
		fmt.Fprintln(w, l10n.T("Cancelled"))
	}
}

func checkAction(c *cli.Context) error {
	loader := stage.NewLoader()
	cfg, err := loader.Load(c.String("stages"))
	if err != nil {
		return err
	}

	out := c.App.Writer
	var missing []string
	for _, st := range loader.Check(c.Context, cfg) {
		if st.Err != nil {
			fmt.Fprintf(out, "%-18s %s (%s)\n", st.Kind, l10n.T("missing"), st.Executable)
			missing = append(missing, string(st.Kind))
			continue
		}
		fmt.Fprintf(out, "%-18s %s\n", st.Kind, st.Executable)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", stage.ErrToolNotFound, strings.Join(missing, ", "))
	}
	return nil
}
