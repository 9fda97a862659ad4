package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/config"
	"github.com/talkmetrics/talkmetrics/internal/ingest"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// ImportConfig holds parsed CLI options for the import command.
type ImportConfig struct {
	Paths       []string
	Materialize bool
}

func parseImportFlags(args []string) (ImportConfig, error) {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	mat := fs.Bool(
		"materialize", false,
		"Materialize imported conversations afterwards",
	)
	if err := fs.Parse(args); err != nil {
		return ImportConfig{}, err
	}
	return ImportConfig{Paths: fs.Args(), Materialize: *mat}, nil
}

// expandPaths replaces each directory with the event files
// directly inside it.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && ingest.IsEventFile(e.Name()) {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}

// Importer executes the import workflow.
type Importer struct {
	Importer *ingest.Importer
	Engine   *materialize.Engine
	Out      io.Writer
}

// Import reads cfg.Paths and optionally materializes the
// conversations it touched.
func (im *Importer) Import(ctx context.Context, cfg ImportConfig) error {
	files, err := expandPaths(cfg.Paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(im.Out, "No event files to import.")
		return nil
	}

	st, err := im.Importer.ImportFiles(ctx, files)
	if err != nil {
		return fmt.Errorf("importing: %w", err)
	}
	fmt.Fprintf(im.Out,
		"Imported %d lines from %d files "+
			"(%d malformed, %d unknown, %d oversized)\n",
		st.Imported, st.Files, st.Malformed, st.Unknown, st.Oversized,
	)

	if !cfg.Materialize || len(st.Conversations) == 0 {
		return nil
	}
	ms, err := im.Engine.RunIncremental(ctx, materialize.Options{
		Conversations: st.Conversations,
	})
	if err != nil {
		return fmt.Errorf("materializing: %w", err)
	}
	writeRunStats(im.Out, ms)
	return nil
}

func writeRunStats(w io.Writer, st materialize.Stats) {
	fmt.Fprintf(w,
		"Materialized %d conversations: %d inserted, %d already stored, "+
			"%d rejected, %d still open (%s)\n",
		st.Candidates, st.Inserted, st.Skipped, st.Rejected, st.Open,
		st.Duration.Round(time.Millisecond),
	)
}

func runImport(args []string) {
	cfg, err := parseImportFlags(args)
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
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{appCfg.ImportDir}
	}

	database := mustOpenDB(appCfg)
	defer database.Close()

	ctx, stop := signalContext()
	defer stop()

	im := &Importer{
		Importer: ingest.NewImporter(database, nil),
		Engine:   materialize.NewEngine(database, nil, appCfg.Workers),
		Out:      os.Stdout,
	}
	if err := im.Import(ctx, cfg); err != nil {
		log.Fatalf("import: %v", err)
	}
}

// MaterializeConfig holds parsed CLI options for the
// materialize command.
type MaterializeConfig struct {
	Options materialize.Options
}

func parseMaterializeFlags(args []string) (MaterializeConfig, error) {
	fs := flag.NewFlagSet("materialize", flag.ContinueOnError)
	account := fs.String("account", "", "Only this account")
	from := fs.String(
		"from", "", "Only conversations opened on or after this date (YYYY-MM-DD)",
	)
	to := fs.String(
		"to", "", "Only conversations opened on or before this date (YYYY-MM-DD)",
	)
	if err := fs.Parse(args); err != nil {
		return MaterializeConfig{}, err
	}

	opts := materialize.Options{AccountID: *account}
	if *from != "" {
		t, err := time.Parse(timeutil.DateLayout, *from)
		if err != nil {
			return MaterializeConfig{}, fmt.Errorf("invalid -from %q: use YYYY-MM-DD", *from)
		}
		opts.From = t
	}
	if *to != "" {
		t, err := time.Parse(timeutil.DateLayout, *to)
		if err != nil {
			return MaterializeConfig{}, fmt.Errorf("invalid -to %q: use YYYY-MM-DD", *to)
		}
		opts.To = t.Add(24*time.Hour - time.Millisecond)
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
		return MaterializeConfig{}, fmt.Errorf("-from must not be after -to")
	}
	return MaterializeConfig{Options: opts}, nil
}

func runMaterialize(args []string) {
	cfg, err := parseMaterializeFlags(args)
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

	engine := materialize.NewEngine(database, nil, appCfg.Workers)
	st, err := engine.RunIncremental(ctx, cfg.Options)
	if err != nil {
		log.Fatalf("materialize: %v", err)
	}
	writeRunStats(os.Stdout, st)
}
