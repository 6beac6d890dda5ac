package capture

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"camsync/internal/artifact"
	"camsync/internal/config"
	"camsync/internal/ledger"
	"camsync/internal/protocol"
	"camsync/internal/registry"
	logx "camsync/pkg/logx"
)

type fakePeer struct {
	mu   sync.Mutex
	sent [][]byte
}

func (p *fakePeer) SendText(ctx context.Context, data []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), data...))
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error { return nil }

func (p *fakePeer) lastCapture(t *testing.T) protocol.Capture {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatal("no capture command received")
	}
	var cmd protocol.Capture
	if err := json.Unmarshal(p.sent[len(p.sent)-1], &cmd); err != nil {
		t.Fatal(err)
	}
	return cmd
}

type fixture struct {
	reg  *registry.Registry
	ctrl *Controller
	root string
}

func newFixture(t *testing.T, captureCfg config.CaptureConfig, lw *ledger.Writer, ledgerCfg config.LedgerConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	if captureCfg.OutputDir == "" {
		captureCfg.OutputDir = root
	}
	reg := registry.New(logx.Nop(), nil)
	sink := artifact.NewSink(logx.Nop(), captureCfg.OutputDir)
	ctrl, err := New(logx.Nop(), nil, reg, sink, lw, nil, captureCfg, ledgerCfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{reg: reg, ctrl: ctrl, root: captureCfg.OutputDir}
}

func (f *fixture) connect(t *testing.T, name string) (registry.Handle, *fakePeer) {
	t.Helper()
	p := &fakePeer{}
	h := f.reg.Admit(p)
	if name != "" {
		f.reg.AnnounceIdentity(h, name, "")
	}
	return h, p
}

func (f *fixture) member(t *testing.T, h registry.Handle) registry.Member {
	t.Helper()
	m, ok := f.reg.Lookup(h)
	if !ok {
		t.Fatalf("handle %d not live", h)
	}
	return m
}

func TestTriggerWithNoDevices(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{}, nil, config.LedgerConfig{})

	start := time.Now()
	res, err := f.ctrl.Trigger(context.Background(), 0, 0)
	if !errors.Is(err, ErrNoDevices) {
		t.Fatalf("err = %v, want ErrNoDevices", err)
	}
	if res.Success || res.SavedImages != 0 {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("empty trigger took %v, want immediate return", elapsed)
	}
	// No session directory is created for a failed-immediately trigger.
	entries, err := os.ReadDir(f.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("output root not empty: %v", entries)
	}
}

func TestAllDevicesDeliverEarly(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "50ms",
		WaitTimeout: "5s",
	}, nil, config.LedgerConfig{})

	handles := make([]registry.Handle, 3)
	for i, name := range []string{"cam-a", "cam-b", "cam-c"} {
		handles[i], _ = f.connect(t, name)
	}

	done := make(chan Result, 1)
	start := time.Now()
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()

	// Deliver all three images well before the timeout.
	for _, h := range handles {
		m := f.member(t, h)
		for {
			if st := f.ctrl.CurrentStatus(); st.Active {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if _, err := f.ctrl.OnImage(m, []byte("jpeg")); err != nil {
			t.Fatal(err)
		}
	}

	res := <-done
	if !res.Success || res.SavedImages != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Missing) != 0 {
		t.Fatalf("missing = %v", res.Missing)
	}
	// Early completion: the barrier must not stall for the full 5s timeout.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("session took %v, want early resolution", elapsed)
	}
	for _, name := range []string{"cam-a.jpg", "cam-b.jpg", "cam-c.jpg"} {
		if _, err := os.Stat(filepath.Join(res.Folder, name)); err != nil {
			t.Fatalf("missing image %s: %v", name, err)
		}
	}
}

func TestPartialSessionNamesMissingDevice(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "300ms",
	}, nil, config.LedgerConfig{})

	a, _ := f.connect(t, "cam-a")
	b, _ := f.connect(t, "cam-b")
	f.connect(t, "cam-c")

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))
	f.ctrl.OnImage(f.member(t, b), []byte("jpeg"))

	res := <-done
	if res.Success {
		t.Fatalf("result = %+v, want partial", res)
	}
	if res.SavedImages != 2 {
		t.Fatalf("saved_images = %d, want 2", res.SavedImages)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "cam-c" {
		t.Fatalf("missing = %v, want [cam-c]", res.Missing)
	}
}

func TestBarrierTimeoutCountsFromScheduledInstant(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:    "60ms",
		WaitTimeout:  "120ms",
		PollInterval: "20ms",
	}, nil, config.LedgerConfig{})
	f.connect(t, "cam-a")

	start := time.Now()
	res, err := f.ctrl.Trigger(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("result = %+v, want partial", res)
	}
	// The wait window opens at the scheduled capture instant, so a silent
	// device holds the session for sync_delay+wait_timeout, not for
	// wait_timeout alone.
	if elapsed := time.Since(start); elapsed < 170*time.Millisecond {
		t.Fatalf("resolved after %v, want at least sync_delay+wait_timeout", elapsed)
	}
}

func TestExpectationFrozenAtTrigger(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "400ms",
	}, nil, config.LedgerConfig{})

	a, _ := f.connect(t, "cam-a")

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A device connecting after the trigger must not join the expectation
	// set; delivering cam-a's image alone resolves the session.
	f.connect(t, "late-joiner")
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))

	res := <-done
	if !res.Success || res.SavedImages != 1 {
		t.Fatalf("result = %+v, want success with 1 image", res)
	}
}

func TestReceiptSurvivesDisconnect(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "300ms",
	}, nil, config.LedgerConfig{})

	a, _ := f.connect(t, "cam-a")
	b, _ := f.connect(t, "cam-b")

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// cam-a delivers and then drops; its receipt must survive.
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))
	f.reg.Remove(a)
	f.ctrl.OnImage(f.member(t, b), []byte("jpeg"))

	res := <-done
	if !res.Success || res.SavedImages != 2 {
		t.Fatalf("result = %+v, want success with 2 images", res)
	}
}

func TestDisconnectedMissingDeviceGetsPlaceholderName(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "200ms",
	}, nil, config.LedgerConfig{})

	a, _ := f.connect(t, "cam-a")
	ghost, _ := f.connect(t, "")

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))
	f.reg.Remove(ghost)

	res := <-done
	if res.Success {
		t.Fatalf("result = %+v, want partial", res)
	}
	if len(res.Missing) != 1 || res.Missing[0] != registry.PlaceholderName(ghost) {
		t.Fatalf("missing = %v, want placeholder for handle %d", res.Missing, ghost)
	}
}

func TestImageOutsideSessionGoesToFallback(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{}, nil, config.LedgerConfig{})
	h, _ := f.connect(t, "stray")

	path, err := f.ctrl.OnImage(f.member(t, h), []byte("jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != filepath.Join(f.root, artifact.UncategorizedDir) {
		t.Fatalf("path = %q, want fallback directory", path)
	}

	// The stray image must not pre-mark the device received for a later
	// session.
	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 10*time.Millisecond, 150*time.Millisecond)
		done <- res
	}()
	res := <-done
	if res.Success || res.SavedImages != 0 {
		t.Fatalf("result = %+v, want empty partial", res)
	}
}

func TestCaptureCommandCarriesFutureInstant(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "100ms",
	}, nil, config.LedgerConfig{})
	h, p := f.connect(t, "cam-a")
	_ = h

	before := time.Now()
	f.ctrl.Trigger(context.Background(), 2*time.Second, 50*time.Millisecond)

	cmd := p.lastCapture(t)
	if cmd.Type != "capture" {
		t.Fatalf("type = %q", cmd.Type)
	}
	at := protocol.FromEpochSeconds(cmd.Time)
	if at.Before(before.Add(time.Second)) {
		t.Fatalf("scheduled instant %v not in the future", at)
	}
}

func TestRetriggerReplacesOutstandingSession(t *testing.T) {
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "400ms",
	}, nil, config.LedgerConfig{})

	a, _ := f.connect(t, "cam-a")

	first := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		first <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	firstFolder := f.ctrl.CurrentStatus().Folder

	second := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 1500*time.Millisecond, 400*time.Millisecond)
		second <- res
	}()
	// Wait until the second session owns the controller.
	for {
		if st := f.ctrl.CurrentStatus(); st.Active && st.Folder != firstFolder {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The image now belongs to the second session; the first wait must
	// observe its own frozen sets and time out as partial.
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))

	res1 := <-first
	if res1.Success {
		t.Fatalf("superseded session = %+v, want partial", res1)
	}
	res2 := <-second
	if !res2.Success || res2.SavedImages != 1 {
		t.Fatalf("replacement session = %+v, want success", res2)
	}
	if res2.Folder == res1.Folder {
		t.Fatal("sessions share an output folder")
	}
}

func TestResolvedSessionAppendsLedgerRow(t *testing.T) {
	root := t.TempDir()
	lw := ledger.NewWriter(logx.Nop(), filepath.Join(root, "sessions.csv"))
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "200ms",
		OutputDir:   root,
	}, lw, config.LedgerConfig{Enabled: true})

	a, _ := f.connect(t, "cam-a")
	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Trigger(context.Background(), 0, 0)
		done <- res
	}()
	for {
		if st := f.ctrl.CurrentStatus(); st.Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.ctrl.OnMetadata(f.member(t, a), protocol.CaptureMetadata{
		Type: "capture_metadata", DeviceID: "cam-a", RSSI: -48,
		Times: protocol.DeviceTimes{
			CaptureRequestReceived: 1746100000.125,
			CaptureStarted:         1746100000.25,
			CaptureCompleted:       1746100000.5,
			ImageSent:              1746100000.75,
		},
	})
	f.ctrl.OnImage(f.member(t, a), []byte("jpeg"))
	<-done

	fh, err := os.Open(lw.Path())
	if err != nil {
		t.Fatalf("ledger not written: %v", err)
	}
	defer fh.Close()
	recs, err := csv.NewReader(fh).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("ledger rows = %d, want header plus one row", len(recs))
	}
	row := make(map[string]string, len(recs[0]))
	for i, col := range recs[0] {
		row[col] = recs[1][i]
	}
	// All four device-local timestamps must survive through to the row.
	want := map[string]string{
		"cam-a|capture_request_received": "1746100000.125000",
		"cam-a|capture_started":          "1746100000.250000",
		"cam-a|capture_completed":        "1746100000.500000",
		"cam-a|image_sent":               "1746100000.750000",
	}
	for col, v := range want {
		if row[col] != v {
			t.Fatalf("%s = %q, want %q", col, row[col], v)
		}
	}
}

func TestPartialNotAppendedWhenPolicyDisabled(t *testing.T) {
	root := t.TempDir()
	lw := ledger.NewWriter(logx.Nop(), filepath.Join(root, "sessions.csv"))
	off := false
	f := newFixture(t, config.CaptureConfig{
		SyncDelay:   "10ms",
		WaitTimeout: "100ms",
		OutputDir:   root,
	}, lw, config.LedgerConfig{Enabled: true, AppendPartial: &off})

	f.connect(t, "cam-a")
	res, err := f.ctrl.Trigger(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("result = %+v, want partial", res)
	}
	if _, err := os.Stat(lw.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial session persisted despite policy: %v", err)
	}
}
