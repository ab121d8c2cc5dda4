package eventlog //nolint:testpackage // white-box tests share one database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db), dbPath
}

func TestAppendAndQuery(t *testing.T) {
	log, dbPath := newTestLog(t)
	ctx := context.Background()

	entries := []Entry{
		{Type: TypeSubmitted, Source: "scheduler", TaskID: "t1"},
		{Type: TypeAssigned, Source: "scheduler", TaskID: "t1", AgentID: "a1"},
		{Type: TypeConnected, Source: "scheduler", AgentID: "a2"},
		{Type: TypeCompleted, Source: "scheduler", TaskID: "t2", AgentID: "a2", Payload: `{"result":"ok"}`},
	}
	for _, e := range entries {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.Type, err)
		}
	}

	reader, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	all, err := reader.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != len(entries) {
		t.Fatalf("events = %d, want %d", len(all), len(entries))
	}
	// Newest first.
	if all[0].Type != TypeCompleted {
		t.Errorf("first event = %s, want completed", all[0].Type)
	}
	if all[0].Payload != `{"result":"ok"}` {
		t.Errorf("payload = %q", all[0].Payload)
	}
	if all[0].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestQueryFilters(t *testing.T) {
	log, dbPath := newTestLog(t)
	ctx := context.Background()

	seed := []Entry{
		{Type: TypeSubmitted, Source: "scheduler", TaskID: "t1"},
		{Type: TypeAssigned, Source: "scheduler", TaskID: "t1", AgentID: "a1"},
		{Type: TypeAssigned, Source: "scheduler", TaskID: "t2", AgentID: "a2"},
		{Type: TypeReclaimed, Source: "scheduler", TaskID: "t2", AgentID: "a2"},
	}
	for _, e := range seed {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	reader, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	tests := []struct {
		name string
		opts QueryOpts
		want int
	}{
		{"by task", QueryOpts{TaskID: "t1"}, 2},
		{"by agent", QueryOpts{AgentID: "a2"}, 2},
		{"by type", QueryOpts{EventType: TypeAssigned}, 2},
		{"task and type", QueryOpts{TaskID: "t2", EventType: TypeAssigned}, 1},
		{"limit", QueryOpts{Limit: 3}, 3},
		{"no match", QueryOpts{TaskID: "t9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := reader.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("events = %d, want %d", len(events), tt.want)
			}
		})
	}
}

func TestQueryTimeBoundsAtWholeSeconds(t *testing.T) {
	log, dbPath := newTestLog(t)
	ctx := context.Background()

	if err := log.Append(ctx, Entry{Type: TypeSubmitted, Source: "scheduler", TaskID: "t1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	reader, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	all, err := reader.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 1 || all[0].CreatedAt.IsZero() {
		t.Fatalf("seed event: %+v", all)
	}
	created := all[0].CreatedAt

	// Bounds truncated to the whole second must still include events stored
	// within that second.
	after := created.Truncate(time.Second)
	events, err := reader.Query(ctx, QueryOpts{After: &after})
	if err != nil {
		t.Fatalf("query after: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("after bound at whole second excluded the event (got %d)", len(events))
	}

	before := created.Truncate(time.Second).Add(time.Second)
	events, err = reader.Query(ctx, QueryOpts{After: &after, Before: &before})
	if err != nil {
		t.Fatalf("query window: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("one-second window around the event returned %d", len(events))
	}

	past := created.Add(-time.Hour)
	events, err = reader.Query(ctx, QueryOpts{Before: &past})
	if err != nil {
		t.Fatalf("query before past: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("bound an hour before the event returned %d", len(events))
	}
}

func TestReaderMissingDatabase(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Error("reader opened a missing database")
	}
}
