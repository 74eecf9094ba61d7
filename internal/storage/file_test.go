package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: (%v, %v)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestFileAuditAppend(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)

	entries := []AuditEntry{
		{SessionID: "s1", Event: "delivered", ChatID: 42, MessageID: 7, TookMS: 12},
		{SessionID: "s1", Event: "reply", Action: "continue"},
		{SessionID: "s1", Event: "ack"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "relay.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()

	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 3 {
		t.Fatalf("audit lines = %d, want 3", len(got))
	}
	if got[0].Event != "delivered" || got[0].ChatID != 42 || got[0].At.IsZero() {
		t.Fatalf("first entry: %+v", got[0])
	}
	if got[1].Action != "continue" {
		t.Fatalf("second entry: %+v", got[1])
	}
}

func TestFileDedupRoundTrip(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if _, ok, err := st.GetDedup(ctx, "k1"); err != nil || ok {
		t.Fatalf("get before put: (%v, %v)", ok, err)
	}

	until := time.Now().Add(time.Minute)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get: (%v, %v)", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// Empty keys are ignored, not errors.
	if err := st.PutDedup(ctx, "  ", until); err != nil {
		t.Fatalf("empty key put: %v", err)
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	live := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "live", live); err != nil {
		t.Fatalf("put live: %v", err)
	}
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("put stale: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2 := openTestStore(t, dir)
	if _, ok, _ := st2.GetDedup(ctx, "live"); !ok {
		t.Fatalf("live key lost across reopen")
	}
	// Expired entries are pruned on load.
	if _, ok, _ := st2.GetDedup(ctx, "stale"); ok {
		t.Fatalf("stale key survived reopen")
	}
}
