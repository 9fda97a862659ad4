// Package ingest loads JSONL event files into the event log and
// watches an import directory for new data.
//
// Each line is one JSON object with a "kind" field naming what it
// carries: account, department, user, conversation,
// conversation_event, user_event, message_type or review. Files
// are append-only; the import position of each file is stored
// with the data it covers, so re-importing a file only reads the
// lines appended since.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/metrics"
)

const (
	maxLineSize = 16 * 1024 * 1024
	chunkLines  = 1000
)

// Stats counts the outcome of an import.
type Stats struct {
	Files     int `json:"files"`
	Lines     int `json:"lines"`
	Imported  int `json:"imported"`
	Malformed int `json:"malformed"`
	Unknown   int `json:"unknown"`
	Oversized int `json:"oversized"`
	// Conversations that received new events, sorted.
	Conversations []string `json:"-"`
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Lines += o.Lines
	s.Imported += o.Imported
	s.Malformed += o.Malformed
	s.Unknown += o.Unknown
	s.Oversized += o.Oversized
	s.Conversations = mergeSorted(s.Conversations, o.Conversations)
}

// Importer reads event files into the database.
type Importer struct {
	db      *db.DB
	metrics *metrics.Metrics
	maxLine int
}

// NewImporter creates an importer. m may be nil.
func NewImporter(database *db.DB, m *metrics.Metrics) *Importer {
	return &Importer{db: database, metrics: m, maxLine: maxLineSize}
}

// IsEventFile reports whether path names an importable file.
func IsEventFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

// ImportDir imports every event file directly under dir, in name
// order.
func (im *Importer) ImportDir(ctx context.Context, dir string) (Stats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Stats{}, fmt.Errorf("reading import dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsEventFile(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return im.ImportFiles(ctx, paths)
}

// ImportFiles imports each path in order, stopping at the first
// failure.
func (im *Importer) ImportFiles(ctx context.Context, paths []string) (total Stats, err error) {
	started := time.Now()
	defer func() {
		im.metrics.ObserveJob(metrics.JobEventImport, started, err, importErrorType(err))
		im.metrics.AddInserted(metrics.JobEventImport, total.Imported)
	}()

	sort.Strings(paths)
	for _, p := range paths {
		st, err := im.importFile(ctx, p)
		total.add(st)
		if err != nil {
			return total, err
		}
	}
	if total.Imported > 0 || total.Malformed > 0 {
		log.Printf(
			"import: %d line(s) from %d file(s), %d malformed, %d unknown in %s",
			total.Imported, total.Files, total.Malformed, total.Unknown,
			time.Since(started).Round(time.Millisecond),
		)
	}
	return total, nil
}

// ImportFile imports the lines appended to path since its last
// import. A file that shrank is imported again from the start.
func (im *Importer) ImportFile(ctx context.Context, path string) (Stats, error) {
	return im.ImportFiles(ctx, []string{path})
}

func (im *Importer) importFile(ctx context.Context, path string) (Stats, error) {
	var st Stats
	abs, err := filepath.Abs(path)
	if err != nil {
		return st, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return st, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return st, fmt.Errorf("stat %s: %w", path, err)
	}

	prev, found, err := im.db.ImportedFile(ctx, abs)
	if err != nil {
		return st, err
	}
	start := prev.Offset
	if found && info.Size() < prev.Offset {
		log.Printf("import: %s shrank from %d to %d bytes, re-reading",
			path, prev.Offset, info.Size())
		start = 0
	}
	if start == info.Size() {
		return st, nil
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return st, fmt.Errorf("seeking %s: %w", path, err)
	}
	st.Files = 1

	lr := newLineReader(f, start, im.maxLine)
	b := &batch{conversations: make(map[string]bool)}
	committed := start
	commit := func() error {
		if b.Empty() && lr.boundary == committed {
			return nil
		}
		b.File = &db.ImportedFile{
			Path: abs, Offset: lr.boundary, Size: info.Size(),
		}
		if err := im.db.ApplyImport(ctx, b.ImportBatch); err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		st.Imported += b.lines
		committed = lr.boundary
		b.reset()
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		l, ok := lr.next()
		if !ok {
			break
		}
		text := string(l.text)
		if !l.complete {
			// A trailing line without a newline may still be
			// being written. Take it only if it is whole JSON.
			if !gjson.Valid(text) {
				break
			}
			lr.accept(l)
		}
		st.Lines++
		switch err := parseLine(text, b); {
		case err == nil:
		case errors.Is(err, errUnknownKind):
			st.Unknown++
		default:
			st.Malformed++
		}
		if b.lines >= chunkLines {
			if err := commit(); err != nil {
				return st, err
			}
		}
	}
	if err := lr.Err(); err != nil {
		return st, fmt.Errorf("reading %s: %w", path, err)
	}
	st.Oversized = lr.oversized
	if err := commit(); err != nil {
		return st, err
	}

	for id := range b.conversations {
		st.Conversations = append(st.Conversations, id)
	}
	sort.Strings(st.Conversations)
	return st, nil
}

func importErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return "file"
	default:
		return "database"
	}
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
