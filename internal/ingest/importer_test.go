package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/filter"
	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
	"github.com/talkmetrics/talkmetrics/internal/metrics"
	"github.com/talkmetrics/talkmetrics/internal/testjsonl"
)

const (
	tsOpen  = "2024-03-04T09:00:00Z"
	tsJoin  = "2024-03-04T09:00:30Z"
	tsClose = "2024-03-04T09:05:00Z"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testImporter(t *testing.T) (*Importer, *db.DB) {
	t.Helper()
	d := testDB(t)
	m := metrics.New()
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	return NewImporter(d, m), d
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func roster() *testjsonl.EventBuilder {
	return testjsonl.NewEventBuilder().
		AddAccount("a1", "Europe/Berlin").
		AddDepartment("d1", "a1", "Sales").
		AddUser("u1", "a1", "Ann", "d1")
}

func conversationEvents(t *testing.T, d *db.DB, ids ...string) []interval.Event {
	t.Helper()
	evs, err := d.ConversationEvents(context.Background(), db.EventQuery{
		ConversationIDs: ids, IncludeLegacy: true,
	})
	require.NoError(t, err)
	return evs
}

func TestImportFile(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := roster().
		AddConversation("c1", "a1", "d1", "v1", map[string]any{
			"widget_id": "w1",
		}).
		AddOpen("c1", tsOpen).
		AddJoin("c1", "u1", tsJoin).
		AddClose("c1", tsClose).
		AddMessageType("c1", "text").
		AddReview("c1", "a1", 5, tsClose).
		AddUserEvent("u1", "subscribe", tsOpen).
		AddRaw(`{"kind":"conversation_event","conversation_id":"c1"}`).
		AddRaw(`not json`).
		AddRaw(`{"kind":"visitor","id":"v1"}`).
		String()
	writeFile(t, path, content)

	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files)
	assert.Equal(t, 13, st.Lines)
	assert.Equal(t, 10, st.Imported)
	assert.Equal(t, 2, st.Malformed)
	assert.Equal(t, 1, st.Unknown)
	assert.Equal(t, []string{"c1"}, st.Conversations)

	evs := conversationEvents(t, d, "c1")
	require.Len(t, evs, 3)
	assert.Equal(t, "join", evs[1].Type)
	assert.Equal(t, "u1", evs[1].SecondaryKey)

	users, err := d.AccountUsers(ctx, "a1", nil)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, []string{"d1"}, users[0].Departments)

	meta, err := d.ConversationMeta(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, "w1", meta["c1"].WidgetID)
	assert.Equal(t, []string{"text"}, meta["c1"].MessageTypes)

	reviews, err := d.Reviews(ctx, "a1", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 5, reviews["c1"].Score)

	presence, err := d.UserEvents(ctx, db.EventQuery{UserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Len(t, presence, 1)

	f, ok, err := d.ImportedFile(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), f.Offset)
}

func TestImportResumesAtOffset(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path, roster().
		AddConversation("c1", "a1", "d1", "", nil).
		AddOpen("c1", tsOpen).
		String())

	_, err := im.ImportFile(ctx, path)
	require.NoError(t, err)

	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, st.Files, "unchanged file is not read")

	appendFile(t, path, testjsonl.NewEventBuilder().AddClose("c1", tsClose).String())
	st, err = im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Imported)
	assert.Len(t, conversationEvents(t, d, "c1"), 2)
}

func TestImportPartialTrailingLine(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	open := testjsonl.ConversationEventJSON("c1", "open", tsOpen, "")
	closeLine := testjsonl.ConversationEventJSON("c1", "close", tsClose, "")

	writeFile(t, path, open+"\n"+closeLine[:20])
	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Imported)
	assert.Zero(t, st.Malformed, "half-written line is not malformed")

	appendFile(t, path, closeLine[20:])
	st, err = im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Imported, "whole JSON without newline is taken")
	assert.Len(t, conversationEvents(t, d, "c1"), 2)

	st, err = im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, st.Imported)
}

func TestImportShrunkFileRereads(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path, testjsonl.JoinJSONL(
		testjsonl.ConversationEventJSON("c1", "open", tsOpen, ""),
		testjsonl.ConversationEventJSON("c1", "close", tsClose, ""),
	))
	_, err := im.ImportFile(ctx, path)
	require.NoError(t, err)

	writeFile(t, path, testjsonl.JoinJSONL(
		testjsonl.ConversationEventJSON("c2", "open", tsOpen, ""),
	))
	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Imported)
	assert.Len(t, conversationEvents(t, d, "c2"), 1)
}

func TestImportLegacyDatesKept(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path, testjsonl.JoinJSONL(
		testjsonl.ConversationEventJSON("old", "open", "0000-00-00 00:00:00", ""),
		testjsonl.ConversationEventJSON("old", "close", "2024-03-04 09:05:00", ""),
		testjsonl.ConversationEventJSON("old", "close", "yesterday", ""),
	))

	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Imported)
	assert.Equal(t, 1, st.Malformed)

	evs := conversationEvents(t, d, "old")
	require.Len(t, evs, 2)
	assert.True(t, evs[0].At.IsZero())
	assert.Equal(t, time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC), evs[1].At)

	strict, err := d.ConversationEvents(ctx, db.EventQuery{ConversationIDs: []string{"old"}})
	require.NoError(t, err)
	assert.Len(t, strict, 1, "legacy event hidden without IncludeLegacy")
}

func TestImportDir(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jsonl"), testjsonl.JoinJSONL(
		testjsonl.ConversationEventJSON("c2", "open", tsOpen, ""),
	))
	writeFile(t, filepath.Join(dir, "a.jsonl"), testjsonl.JoinJSONL(
		testjsonl.ConversationEventJSON("c1", "open", tsOpen, ""),
	))
	writeFile(t, filepath.Join(dir, "notes.txt"),
		testjsonl.ConversationEventJSON("c3", "open", tsOpen, "")+"\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jsonl"), 0o755))

	st, err := im.ImportDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, []string{"c1", "c2"}, st.Conversations)
	assert.Empty(t, conversationEvents(t, d, "c3"))
}

func TestImportManyLinesCommitsInChunks(t *testing.T) {
	im, d := testImporter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	b := testjsonl.NewEventBuilder()
	for range chunkLines + 5 {
		b.AddUserEvent("u1", "subscribe", tsOpen)
	}
	writeFile(t, path, b.String())

	st, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, chunkLines+5, st.Imported)
	evs, err := d.UserEvents(ctx, db.EventQuery{UserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Len(t, evs, chunkLines+5)
}

func TestImportCanceled(t *testing.T) {
	im, _ := testImporter(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path, roster().String())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := im.ImportFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportMissingFile(t *testing.T) {
	im, _ := testImporter(t)
	_, err := im.ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFollowImportsAndMaterializes(t *testing.T) {
	im, d := testImporter(t)
	engine := materialize.NewEngine(d, nil, 2)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "seed.jsonl"), roster().
		AddConversation("c1", "a1", "d1", "v1", nil).
		AddOpen("c1", tsOpen).
		AddJoin("c1", "u1", tsJoin).
		AddClose("c1", tsClose).
		String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, im, engine, dir, 20*time.Millisecond) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Follow did not return after cancel")
		}
	}()

	count := func() int {
		n, err := d.CountReports(context.Background(), filter.AccountScope{AccountID: "a1"})
		require.NoError(t, err)
		return n
	}
	require.Eventually(t, func() bool { return count() == 1 },
		5*time.Second, 10*time.Millisecond, "initial import materialized")

	writeFile(t, filepath.Join(dir, "live.jsonl"), testjsonl.NewEventBuilder().
		AddConversation("c2", "a1", "d1", "v2", nil).
		AddOpen("c2", "2024-03-04T10:00:00Z").
		AddClose("c2", "2024-03-04T10:01:00Z").
		String())
	require.Eventually(t, func() bool { return count() == 2 },
		5*time.Second, 20*time.Millisecond, "watched file materialized")
}
