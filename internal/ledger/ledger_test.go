package ledger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "camsync/pkg/logx"
)

func readAll(t *testing.T, path string) ([]string, [][]string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) == 0 {
		t.Fatal("empty ledger file")
	}
	return recs[0], recs[1:]
}

func cell(t *testing.T, header []string, row []string, col string) string {
	t.Helper()
	for i, h := range header {
		if h == col {
			return row[i]
		}
	}
	t.Fatalf("column %q not in header %v", col, header)
	return ""
}

func baseSession(id string) Session {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return Session{
		ID:          id,
		TriggeredAt: at,
		ScheduledAt: at.Add(2 * time.Second),
		ResolvedAt:  at.Add(3 * time.Second),
		State:       "completed",
		Expected:    1,
		SavedImages: 1,
		Folder:      "output/capture_2026-05-01_12-00-02",
	}
}

func TestAppendCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	w := NewWriter(logx.Nop(), path)

	err := w.AppendSession(baseSession("s1"), []DeviceRecord{
		{
			Identity: "AA:BB", Name: "cam-a", Received: true,
			ImageBytes: 1024, RSSI: -55,
			CaptureRequestReceived: 1746100000.25,
			CaptureStarted:         1746100000.5,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	header, rows := readAll(t, path)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if got := cell(t, header, rows[0], "session_id"); got != "s1" {
		t.Fatalf("session_id = %q", got)
	}
	if got := cell(t, header, rows[0], "sync_delay"); got != "2s" {
		t.Fatalf("sync_delay = %q", got)
	}
	if got := cell(t, header, rows[0], "AA:BB|received"); got != "true" {
		t.Fatalf("received = %q", got)
	}
	if got := cell(t, header, rows[0], "AA:BB|capture_request_received"); got != "1746100000.250000" {
		t.Fatalf("capture_request_received = %q", got)
	}
	if got := cell(t, header, rows[0], "AA:BB|capture_started"); got != "1746100000.500000" {
		t.Fatalf("capture_started = %q", got)
	}
	if got := cell(t, header, rows[0], "AA:BB|rssi"); got != "-55" {
		t.Fatalf("rssi = %q", got)
	}
}

func TestSchemaGrowthBackfillsPriorRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	w := NewWriter(logx.Nop(), path)

	if err := w.AppendSession(baseSession("s1"), []DeviceRecord{
		{Identity: "AA:BB", Name: "cam-a", Received: true, ImageBytes: 10},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendSession(baseSession("s2"), []DeviceRecord{
		{Identity: "AA:BB", Name: "cam-a", Received: true, ImageBytes: 20},
		{Identity: "CC:DD", Name: "cam-b", Received: true, ImageBytes: 30},
	}); err != nil {
		t.Fatal(err)
	}

	header, rows := readAll(t, path)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Every row is projected onto the widened schema.
	for i, row := range rows {
		if len(row) != len(header) {
			t.Fatalf("row %d width = %d, header width = %d", i, len(row), len(header))
		}
	}
	// The old row keeps its values and gets empty cells for the new device.
	if got := cell(t, header, rows[0], "AA:BB|image_bytes"); got != "10" {
		t.Fatalf("old row image_bytes = %q, want 10", got)
	}
	if got := cell(t, header, rows[0], "CC:DD|image_bytes"); got != "" {
		t.Fatalf("old row backfill = %q, want empty", got)
	}
	if got := cell(t, header, rows[1], "CC:DD|image_bytes"); got != "30" {
		t.Fatalf("new row image_bytes = %q, want 30", got)
	}
}

func TestIdentityOrderIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	w := NewWriter(logx.Nop(), path)

	if err := w.AppendSession(baseSession("s1"), []DeviceRecord{
		{Identity: "ZZ:99", Name: "late-alpha", Received: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendSession(baseSession("s2"), []DeviceRecord{
		{Identity: "AA:00", Name: "early-alpha", Received: true},
		{Identity: "ZZ:99", Name: "late-alpha", Received: true},
	}); err != nil {
		t.Fatal(err)
	}

	header, _ := readAll(t, path)
	zz, aa := -1, -1
	for i, col := range header {
		switch col {
		case "ZZ:99|name":
			zz = i
		case "AA:00|name":
			aa = i
		}
	}
	if zz == -1 || aa == -1 {
		t.Fatalf("missing device groups in header %v", header)
	}
	// First-persisted identity keeps its position; new ones append.
	if zz > aa {
		t.Fatalf("persisted identity reordered: ZZ at %d, AA at %d", zz, aa)
	}
}

func TestPartialSessionRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	w := NewWriter(logx.Nop(), path)

	sess := baseSession("s1")
	sess.State = "partial"
	sess.Expected = 2
	sess.SavedImages = 1
	sess.Missing = []string{"cam-b"}
	err := w.AppendSession(sess, []DeviceRecord{
		{Identity: "AA:BB", Name: "cam-a", Received: true, ImageBytes: 10},
		{Identity: "CC:DD", Name: "cam-b", Received: false},
	})
	if err != nil {
		t.Fatal(err)
	}

	header, rows := readAll(t, path)
	if got := cell(t, header, rows[0], "state"); got != "partial" {
		t.Fatalf("state = %q", got)
	}
	if got := cell(t, header, rows[0], "missing"); got != "cam-b" {
		t.Fatalf("missing = %q", got)
	}
	if got := cell(t, header, rows[0], "CC:DD|received"); got != "false" {
		t.Fatalf("missing device received = %q", got)
	}
	if got := cell(t, header, rows[0], "CC:DD|image_bytes"); got != "" {
		t.Fatalf("missing device image_bytes = %q, want empty", got)
	}
}
