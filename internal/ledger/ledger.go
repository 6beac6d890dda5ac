// Package ledger persists one row per resolved capture session into a single
// flat CSV file. The device population is not known in advance, so the column
// schema grows over time: each distinct device identity contributes its own
// column group, and when a new identity first appears every previously
// persisted row is re-projected onto the widened schema with empty cells.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "camsync/pkg/logx"
)

// Fixed per-session columns, always first in the header.
var fixedColumns = []string{
	"session_id",
	"triggered_at",
	"scheduled_at",
	"resolved_at",
	"sync_delay",
	"state",
	"expected",
	"saved_images",
	"missing",
	"folder",
}

// Per-device column group, one group per distinct device identity.
// Header cells are "<identity>|<field>"; identities never contain '|'.
var deviceColumns = []string{
	"name",
	"received",
	"image_bytes",
	"rssi",
	"resolution",
	"jpeg_quality",
	"firmware_version",
	"board_type",
	"capture_request_received",
	"capture_started",
	"capture_completed",
	"image_sent",
	"received_at",
}

const groupSep = "|"

// Session is the fixed part of one ledger row.
type Session struct {
	ID          string
	TriggeredAt time.Time
	ScheduledAt time.Time
	ResolvedAt  time.Time
	State       string // "completed" | "partial"
	Expected    int
	SavedImages int
	Missing     []string
	Folder      string
}

// DeviceRecord is one device's column group for a session row. Zero-valued
// numeric fields are written as empty cells when the device reported nothing.
type DeviceRecord struct {
	Identity        string
	Name            string
	Received        bool
	ImageBytes      int64
	RSSI            int
	Resolution      int
	JPEGQuality     int
	FirmwareVersion string
	BoardType       string
	// Device-local timestamps in seconds since epoch; zero means unreported.
	CaptureRequestReceived float64
	CaptureStarted         float64
	CaptureCompleted       float64
	ImageSent              float64
	// Coordinator-side receive time; zero means no image arrived.
	ReceivedAt time.Time
}

// Writer appends session rows with single-writer discipline: one append
// fully completes, including the file replace, before the next begins.
type Writer struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func NewWriter(log logx.Logger, path string) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Writer{log: log, path: path}
}

// Path returns the ledger file location.
func (w *Writer) Path() string { return w.path }

// AppendSession merges the session's device identities into the persisted
// schema, backfills prior rows where the schema grew, and atomically
// replaces the ledger file with header + old rows + the new row.
func (w *Writer) AppendSession(sess Session, devices []DeviceRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prior, err := readFile(w.path)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	identities := mergeIdentities(prior.identities, devices)
	header := buildHeader(identities)

	rows := make([][]string, 0, len(prior.rows)+1)
	for _, old := range prior.rows {
		rows = append(rows, project(prior.header, old, header))
	}
	rows = append(rows, buildRow(header, sess, devices))

	if err := w.replace(header, rows); err != nil {
		return err
	}
	w.log.Info("session appended to ledger",
		logx.String("session_id", sess.ID),
		logx.String("state", sess.State),
		logx.Int("devices", len(identities)),
		logx.Int("rows", len(rows)))
	return nil
}

type priorFile struct {
	header     []string
	rows       [][]string
	identities []string
}

func readFile(path string) (priorFile, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return priorFile{}, nil
	}
	if err != nil {
		return priorFile{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return priorFile{}, nil
	}
	if err != nil {
		return priorFile{}, err
	}
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return priorFile{}, err
		}
		rows = append(rows, rec)
	}
	return priorFile{header: header, rows: rows, identities: headerIdentities(header)}, nil
}

// headerIdentities extracts device identities from a header, preserving
// first-appearance order.
func headerIdentities(header []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, col := range header {
		i := strings.LastIndex(col, groupSep)
		if i <= 0 {
			continue
		}
		id := col[:i]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// mergeIdentities keeps the persisted identity order and appends identities
// new to this session in sorted order, so the header stays deterministic.
func mergeIdentities(existing []string, devices []DeviceRecord) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(existing)+len(devices))
	for _, id := range existing {
		seen[id] = true
		out = append(out, id)
	}
	var added []string
	for _, d := range devices {
		if d.Identity != "" && !seen[d.Identity] {
			seen[d.Identity] = true
			added = append(added, d.Identity)
		}
	}
	sort.Strings(added)
	return append(out, added...)
}

func buildHeader(identities []string) []string {
	header := make([]string, 0, len(fixedColumns)+len(identities)*len(deviceColumns))
	header = append(header, fixedColumns...)
	for _, id := range identities {
		for _, col := range deviceColumns {
			header = append(header, id+groupSep+col)
		}
	}
	return header
}

// project re-maps an old row onto the new header, filling introduced columns
// with empty cells. Existing values keep their column, never their position.
func project(oldHeader, oldRow, newHeader []string) []string {
	byName := make(map[string]string, len(oldHeader))
	for i, col := range oldHeader {
		if i < len(oldRow) {
			byName[col] = oldRow[i]
		}
	}
	out := make([]string, len(newHeader))
	for i, col := range newHeader {
		out[i] = byName[col]
	}
	return out
}

func buildRow(header []string, sess Session, devices []DeviceRecord) []string {
	cells := map[string]string{
		"session_id":   sess.ID,
		"triggered_at": formatTime(sess.TriggeredAt),
		"scheduled_at": formatTime(sess.ScheduledAt),
		"resolved_at":  formatTime(sess.ResolvedAt),
		"sync_delay":   formatDelay(sess.TriggeredAt, sess.ScheduledAt),
		"state":        sess.State,
		"expected":     strconv.Itoa(sess.Expected),
		"saved_images": strconv.Itoa(sess.SavedImages),
		"missing":      strings.Join(sess.Missing, ";"),
		"folder":       sess.Folder,
	}
	for _, d := range devices {
		if d.Identity == "" {
			continue
		}
		g := func(col string) string { return d.Identity + groupSep + col }
		cells[g("name")] = d.Name
		cells[g("received")] = strconv.FormatBool(d.Received)
		if d.ImageBytes > 0 {
			cells[g("image_bytes")] = strconv.FormatInt(d.ImageBytes, 10)
		}
		if d.RSSI != 0 {
			cells[g("rssi")] = strconv.Itoa(d.RSSI)
		}
		if d.Resolution != 0 {
			cells[g("resolution")] = strconv.Itoa(d.Resolution)
		}
		if d.JPEGQuality != 0 {
			cells[g("jpeg_quality")] = strconv.Itoa(d.JPEGQuality)
		}
		cells[g("firmware_version")] = d.FirmwareVersion
		cells[g("board_type")] = d.BoardType
		if d.CaptureRequestReceived != 0 {
			cells[g("capture_request_received")] = formatEpoch(d.CaptureRequestReceived)
		}
		if d.CaptureStarted != 0 {
			cells[g("capture_started")] = formatEpoch(d.CaptureStarted)
		}
		if d.CaptureCompleted != 0 {
			cells[g("capture_completed")] = formatEpoch(d.CaptureCompleted)
		}
		if d.ImageSent != 0 {
			cells[g("image_sent")] = formatEpoch(d.ImageSent)
		}
		if !d.ReceivedAt.IsZero() {
			cells[g("received_at")] = formatTime(d.ReceivedAt)
		}
	}
	out := make([]string, len(header))
	for i, col := range header {
		out[i] = cells[col]
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func formatEpoch(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 6, 64)
}

func formatDelay(triggered, scheduled time.Time) string {
	if triggered.IsZero() || scheduled.IsZero() {
		return ""
	}
	return scheduled.Sub(triggered).String()
}

// replace writes header+rows to a temp file in the ledger's directory and
// renames it over the old file.
func (w *Writer) replace(header []string, rows [][]string) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	cw := csv.NewWriter(tmp)
	if err := cw.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		tmp.Close()
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
