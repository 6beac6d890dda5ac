package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"camsync/internal/config"
	logx "camsync/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(&config.CatalogConfig{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "catalog.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(nil, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(nil) = %v, %v", st, err)
	}
	st, err = Open(&config.CatalogConfig{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(&config.CatalogConfig{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestRecordSeenMergesSightings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(24 * time.Hour)

	err := st.RecordSeen(ctx, Record{
		Identity: "AA:BB", Name: "cam-a", MAC: "AA:BB",
		FirmwareVersion: "1.0.0", FirstSeen: first, LastSeen: first,
	})
	if err != nil {
		t.Fatal(err)
	}
	// A later sighting with sparse fields keeps first_seen and the old
	// firmware string.
	err = st.RecordSeen(ctx, Record{Identity: "AA:BB", Name: "cam-a-renamed", LastSeen: later})
	if err != nil {
		t.Fatal(err)
	}

	rec, ok, err := st.Get(ctx, "AA:BB")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if rec.Name != "cam-a-renamed" {
		t.Fatalf("name = %q", rec.Name)
	}
	if !rec.FirstSeen.Equal(first) {
		t.Fatalf("first_seen = %v, want %v", rec.FirstSeen, first)
	}
	if !rec.LastSeen.Equal(later) {
		t.Fatalf("last_seen = %v", rec.LastSeen)
	}
	if rec.FirmwareVersion != "1.0.0" {
		t.Fatalf("firmware = %q", rec.FirmwareVersion)
	}
}

func TestParticipationCounter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now()
	if err := st.RecordSeen(ctx, Record{Identity: "AA:BB", Name: "cam-a", LastSeen: at}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.RecordParticipation(ctx, "AA:BB", at.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	rec, ok, err := st.Get(ctx, "AA:BB")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if rec.Sessions != 3 {
		t.Fatalf("sessions = %d, want 3", rec.Sessions)
	}
}

func TestReopenReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.CatalogConfig{Driver: "file", Path: filepath.Join(dir, "catalog.db")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.RecordSeen(ctx, Record{Identity: "AA:BB", Name: "cam-a"}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordSeen(ctx, Record{Identity: "CC:DD", Name: "cam-b"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	all, err := st.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("records = %+v, want 2", all)
	}
	if all[0].Identity != "AA:BB" || all[1].Identity != "CC:DD" {
		t.Fatalf("order = %+v", all)
	}
}
