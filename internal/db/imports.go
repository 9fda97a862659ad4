package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// ImportedFile tracks how far an event file has been imported.
type ImportedFile struct {
	Path   string
	Offset int64 // bytes consumed, always at a line boundary
	Size   int64 // file size when Offset was recorded
}

// ImportBatch is everything parsed from one chunk of an event
// file. It is applied in a single transaction together with the
// file's new offset, so a crash never imports a line twice.
type ImportBatch struct {
	Accounts           []Account
	Departments        []Department
	Users              []User
	Conversations      []Conversation
	ConversationEvents []ConversationEvent
	UserEvents         []UserEvent
	MessageTypes       []MessageType
	Reviews            []report.Review
	File               *ImportedFile
}

// Empty reports whether the batch carries no rows.
func (b ImportBatch) Empty() bool {
	return len(b.Accounts) == 0 && len(b.Departments) == 0 &&
		len(b.Users) == 0 && len(b.Conversations) == 0 &&
		len(b.ConversationEvents) == 0 && len(b.UserEvents) == 0 &&
		len(b.MessageTypes) == 0 && len(b.Reviews) == 0
}

// ApplyImport writes a batch and advances its file offset.
func (db *DB) ApplyImport(ctx context.Context, b ImportBatch) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		for _, a := range b.Accounts {
			if err := upsertAccount(ctx, tx, a); err != nil {
				return err
			}
		}
		for _, d := range b.Departments {
			if err := upsertDepartment(ctx, tx, d); err != nil {
				return err
			}
		}
		for _, u := range b.Users {
			if err := upsertUser(ctx, tx, u); err != nil {
				return err
			}
		}
		for _, c := range b.Conversations {
			if err := upsertConversation(ctx, tx, c); err != nil {
				return err
			}
		}
		if err := insertConversationEvents(ctx, tx, b.ConversationEvents); err != nil {
			return err
		}
		if err := insertUserEvents(ctx, tx, b.UserEvents); err != nil {
			return err
		}
		for _, m := range b.MessageTypes {
			if err := addMessageType(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, r := range b.Reviews {
			if err := upsertReview(ctx, tx, r); err != nil {
				return err
			}
		}
		if b.File != nil {
			return saveImportedFile(ctx, tx, *b.File)
		}
		return nil
	})
}

// ImportedFile returns the recorded import position of path.
func (db *DB) ImportedFile(
	ctx context.Context, path string,
) (ImportedFile, bool, error) {
	f := ImportedFile{Path: path}
	err := db.reader.QueryRowContext(ctx,
		`SELECT file_offset, file_size FROM imported_files
		WHERE file_path = ?`, path,
	).Scan(&f.Offset, &f.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return f, false, nil
	}
	if err != nil {
		return f, false, fmt.Errorf("loading import offset: %w", err)
	}
	return f, true, nil
}

func saveImportedFile(ctx context.Context, tx *sql.Tx, f ImportedFile) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO imported_files
		(file_path, file_offset, file_size, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			file_offset = excluded.file_offset,
			file_size = excluded.file_size,
			imported_at = excluded.imported_at`,
		f.Path, f.Offset, f.Size, timeutil.Store(time.Now()))
	if err != nil {
		return fmt.Errorf("saving import offset for %s: %w", f.Path, err)
	}
	return nil
}
