package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/talkmetrics/talkmetrics/internal/config"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
)

// BackfillConfig holds parsed CLI options for the backfill
// command.
type BackfillConfig struct {
	Force bool
	Yes   bool
}

func parseBackfillFlags(args []string) (BackfillConfig, error) {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	force := fs.Bool(
		"force", false,
		"Run even if a full backfill already completed",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)
	if err := fs.Parse(args); err != nil {
		return BackfillConfig{}, err
	}
	if fs.NArg() > 0 {
		return BackfillConfig{}, fmt.Errorf(
			"unexpected arguments: %s", strings.Join(fs.Args(), " "),
		)
	}
	return BackfillConfig{Force: *force, Yes: *yes}, nil
}

// Backfiller executes the backfill workflow against an engine.
type Backfiller struct {
	Engine *materialize.Engine
	Out    io.Writer
	In     io.Reader
}

// Backfill materializes the whole event log. A forced rerun
// asks for confirmation unless cfg.Yes is set.
func (b *Backfiller) Backfill(ctx context.Context, cfg BackfillConfig) error {
	if cfg.Force && !cfg.Yes {
		msg := "\nA forced backfill re-reads the whole event log. Continue?"
		if !confirm(b.In, b.Out, msg) {
			fmt.Fprintln(b.Out, "Aborted.")
			return nil
		}
	}

	st, err := b.Engine.RunFullBackfill(ctx, cfg.Force)
	if errors.Is(err, materialize.ErrBackfillDone) {
		fmt.Fprintf(b.Out,
			"%v.\nUse --force to run it again.\n", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	writeRunStats(b.Out, st)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func runBackfill(args []string) {
	cfg, err := parseBackfillFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	appCfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	database := mustOpenDB(appCfg)
	defer database.Close()

	ctx, stop := signalContext()
	defer stop()

	b := &Backfiller{
		Engine: materialize.NewEngine(database, nil, appCfg.Workers),
		Out:    os.Stdout,
		In:     os.Stdin,
	}
	if err := b.Backfill(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}
