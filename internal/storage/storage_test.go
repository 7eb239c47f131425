package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go-agent-presence/internal/core"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "presence.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAgent(t *testing.T, db *DB, id string) *core.AgentState {
	t.Helper()
	rec := core.NewAgentRecord(id, "proj", "2026-02-20T15:00:00Z", nil)
	st := core.NewAgentState(id, "proj", "sess", "2026-02-20T15:00:00Z")
	created, err := db.EnsureAgent(context.Background(), rec, st)
	if err != nil {
		t.Fatalf("EnsureAgent: %v", err)
	}
	if !created {
		t.Fatalf("EnsureAgent(%s) created = false", id)
	}
	return st
}

func sampleEvent(id string) *core.Event {
	return &core.Event{
		ID:                id,
		Version:           core.SchemaVersion,
		Timestamp:         "2026-02-20T15:00:00Z",
		Type:              core.EventToolStarted,
		Source:            core.SourceHook,
		WorkspaceID:       "proj",
		TerminalSessionID: "term-1",
		SessionID:         "sess",
		AgentID:           "proj/w1",
		Severity:          core.SeverityInfo,
		Payload:           map[string]interface{}{"tool_name": "Read"},
		Raw:               map[string]interface{}{"hook_type": "PreToolUse"},
	}
}

func TestInsertEventDeduplicatesOnFingerprint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	inserted, err := db.InsertEvent(ctx, sampleEvent("evt_1"), "fp-1")
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported duplicate")
	}
	inserted, err = db.InsertEvent(ctx, sampleEvent("evt_2"), "fp-1")
	if err != nil {
		t.Fatalf("InsertEvent duplicate: %v", err)
	}
	if inserted {
		t.Fatal("second insert with same fingerprint was stored")
	}
	if _, err := db.getEvent(ctx, "evt_2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("getEvent(evt_2) err = %v, want ErrNotFound", err)
	}

	got, err := db.getEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("getEvent: %v", err)
	}
	if got.Type != core.EventToolStarted {
		t.Errorf("Type = %q, want %q", got.Type, core.EventToolStarted)
	}
	if got.PayloadString("tool_name") != "Read" {
		t.Errorf("payload tool_name = %q, want Read", got.PayloadString("tool_name"))
	}
	if got.Raw["hook_type"] != "PreToolUse" {
		t.Errorf("raw hook_type = %v", got.Raw["hook_type"])
	}
}

func TestInsertEventWithoutFingerprintNeverConflicts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, id := range []string{"syn_1", "syn_2"} {
		ev := sampleEvent(id)
		ev.Source = core.SourceSynthetic
		inserted, err := db.InsertEvent(ctx, ev, "")
		if err != nil {
			t.Fatalf("InsertEvent(%s): %v", id, err)
		}
		if !inserted {
			t.Errorf("InsertEvent(%s) inserted = false", id)
		}
	}
}

func TestEnsureAgentPreservesFirstSeen(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedAgent(t, db, "proj/w1")

	rec := core.NewAgentRecord("proj/w1", "proj", "2026-02-20T16:00:00Z", json.RawMessage(`{"hair":2}`))
	created, err := db.EnsureAgent(ctx, rec, core.NewAgentState("proj/w1", "proj", "", rec.FirstSeen))
	if err != nil {
		t.Fatalf("EnsureAgent: %v", err)
	}
	if created {
		t.Fatal("second EnsureAgent reported created")
	}

	got, err := db.GetAgent(ctx, "proj/w1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.FirstSeen != "2026-02-20T15:00:00Z" {
		t.Errorf("FirstSeen = %q, want %q", got.FirstSeen, "2026-02-20T15:00:00Z")
	}
	if got.LastActive != "2026-02-20T16:00:00Z" {
		t.Errorf("LastActive = %q, want %q", got.LastActive, "2026-02-20T16:00:00Z")
	}
	if string(got.Appearance) != `{"hair":2}` {
		t.Errorf("Appearance = %s", got.Appearance)
	}

	st, err := db.GetState(ctx, "proj/w1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != core.StatusOffline {
		t.Errorf("Status = %q, want offline", st.Status)
	}
	if st.Since != "2026-02-20T15:00:00Z" {
		t.Errorf("state was reset: Since = %q", st.Since)
	}
}

func TestSaveStateCompareAndSwap(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	st := seedAgent(t, db, "proj/w1")

	next := st.Clone()
	next.Status = core.StatusAppearing
	next.Since = "2026-02-20T15:00:01Z"
	next.LastEventTS = next.Since
	next.PrevStatus = core.StatusIdle
	next.FailureStreak = 2
	if err := db.SaveState(ctx, next, st.Status, st.Since); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	stale := st.Clone()
	stale.Status = core.StatusResting
	err := db.SaveState(ctx, stale, st.Status, st.Since)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale SaveState err = %v, want ErrConflict", err)
	}

	got, err := db.GetState(ctx, "proj/w1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if *got != *next {
		t.Errorf("GetState = %+v, want %+v", got, next)
	}
}

func TestListAndMissing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedAgent(t, db, "proj/w2")
	seedAgent(t, db, "proj/w1")

	agents, err := db.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 || agents[0].AgentID != "proj/w1" {
		t.Errorf("ListAgents = %+v", agents)
	}
	states, err := db.ListStates(ctx)
	if err != nil {
		t.Fatalf("ListStates: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("len(ListStates) = %d, want 2", len(states))
	}

	if _, err := db.GetAgent(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgent(nobody) err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetState(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetState(nobody) err = %v, want ErrNotFound", err)
	}
}

func TestRecentAndCountEvents(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	types := []core.EventType{core.EventToolStarted, core.EventTaskCompleted, core.EventToolStarted}
	stamps := []string{"2026-02-20T15:00:00Z", "2026-02-20T15:00:01Z", "2026-02-20T15:00:02Z"}
	for i, et := range types {
		ev := sampleEvent("evt_" + stamps[i])
		ev.Type = et
		ev.Timestamp = stamps[i]
		if _, err := db.InsertEvent(ctx, ev, ev.ID); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	recent, err := db.RecentEvents(ctx, "proj/w1", 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 2 || recent[0].Timestamp != stamps[2] {
		t.Errorf("RecentEvents = %+v", recent)
	}

	n, err := db.CountEvents(ctx, "proj/w1", core.EventToolStarted)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("CountEvents(tool_started) = %d, want 2", n)
	}
	n, err = db.CountEvents(ctx, "proj/w1", core.EventTaskCompleted, core.EventToolStarted)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("CountEvents(both) = %d, want 3", n)
	}
}

func TestSessionsTouchAndMarkStale(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	touch := func(term, ts string) {
		t.Helper()
		s := core.Session{WorkspaceID: "proj", TerminalSessionID: term, RunID: "r1", LastHeartbeat: ts}
		if err := db.TouchSession(ctx, s); err != nil {
			t.Fatalf("TouchSession(%s, %s): %v", term, ts, err)
		}
	}
	touch("t1", "2026-02-20T15:00:00Z")
	touch("t2", "2026-02-20T15:10:00Z")

	n, err := db.MarkStaleSessions(ctx, time.Date(2026, 2, 20, 15, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("MarkStaleSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}
	active, err := db.ListSessions(ctx, true)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 1 || active[0].TerminalSessionID != "t2" {
		t.Fatalf("active = %+v, want t2", active)
	}

	// A late event older than the stored heartbeat neither rewinds it nor
	// revives the session.
	touch("t1", "2026-02-20T14:59:00Z")
	all, err := db.ListSessions(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].TerminalSessionID != "t1" {
		t.Fatalf("all = %+v", all)
	}
	if all[1].Status != core.SessionInactive || all[1].LastHeartbeat != "2026-02-20T15:00:00Z" {
		t.Errorf("t1 after late event = %+v", all[1])
	}

	touch("t1", "2026-02-20T15:20:00Z")
	active, err = db.ListSessions(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].TerminalSessionID != "t1" {
		t.Errorf("active after new event = %+v, want t1 first", active)
	}
}
