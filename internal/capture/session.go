package capture

import (
	"sync"
	"time"

	"camsync/internal/ledger"
	"camsync/internal/protocol"
	"camsync/internal/registry"
)

// receipt records one delivered image.
type receipt struct {
	identity string
	bytes    int64
	at       time.Time
}

// session is the self-contained state of one capture attempt. Every barrier
// wait holds its own session, so a re-trigger replacing the controller's
// current session never corrupts a superseded wait: the superseded session
// keeps its frozen expectation set and its own received set.
type session struct {
	id          string
	dir         string
	triggeredAt time.Time
	scheduledAt time.Time

	// expected is frozen at trigger time and never re-read from the live
	// registry.
	expected map[registry.Handle]registry.Member

	mu sync.Mutex
	// received only grows during a session, even if a device disconnects
	// after delivering.
	received map[registry.Handle]receipt
	metadata map[string]protocol.CaptureMetadata // keyed by stable identity
	resolved bool
}

func newSession(id, dir string, triggeredAt, scheduledAt time.Time, expected []registry.Member) *session {
	exp := make(map[registry.Handle]registry.Member, len(expected))
	for _, m := range expected {
		exp[m.Handle] = m
	}
	return &session{
		id:          id,
		dir:         dir,
		triggeredAt: triggeredAt,
		scheduledAt: scheduledAt,
		expected:    exp,
		received:    map[registry.Handle]receipt{},
		metadata:    map[string]protocol.CaptureMetadata{},
	}
}

func (s *session) markReceived(h registry.Handle, identity string, bytes int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.received[h]; ok {
		// Latest image wins on disk, first receipt wins for timing.
		return
	}
	s.received[h] = receipt{identity: identity, bytes: bytes, at: at}
}

// setMetadata overwrites any prior metadata for the identity. Metadata with
// no matching image is retained; the two arrivals may race.
func (s *session) setMetadata(identity string, meta protocol.CaptureMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[identity] = meta
}

func (s *session) allReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.expected {
		if _, ok := s.received[h]; !ok {
			return false
		}
	}
	return true
}

func (s *session) markResolved() {
	s.mu.Lock()
	s.resolved = true
	s.mu.Unlock()
}

func (s *session) isResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// summarize builds the caller-facing result and the ledger's device records.
// Missing devices are named through the registry's current mapping, falling
// back to the generated placeholder for devices that already disconnected.
func (s *session) summarize(reg *registry.Registry, resolvedAt time.Time) (Result, ledger.Session, []ledger.DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	records := make([]ledger.DeviceRecord, 0, len(s.expected))
	seen := map[string]bool{}
	for h, m := range s.expected {
		name := reg.ResolveName(h)
		rcpt, got := s.received[h]
		identity := m.Identity()
		if got && rcpt.identity != "" {
			identity = rcpt.identity
		}
		if !got {
			missing = append(missing, name)
		}
		rec := ledger.DeviceRecord{
			Identity: identity,
			Name:     name,
			Received: got,
		}
		if got {
			rec.ImageBytes = rcpt.bytes
			rec.ReceivedAt = rcpt.at
		}
		if meta, ok := s.metadata[identity]; ok {
			rec.RSSI = meta.RSSI
			rec.Resolution = meta.Resolution
			rec.JPEGQuality = meta.JPEGQuality
			rec.FirmwareVersion = meta.FirmwareVersion
			rec.BoardType = meta.BoardType
			rec.CaptureRequestReceived = meta.Times.CaptureRequestReceived
			rec.CaptureStarted = meta.Times.CaptureStarted
			rec.CaptureCompleted = meta.Times.CaptureCompleted
			rec.ImageSent = meta.Times.ImageSent
		}
		seen[identity] = true
		records = append(records, rec)
	}
	// Metadata from devices outside the expectation set is still telemetry
	// worth keeping.
	for identity, meta := range s.metadata {
		if seen[identity] {
			continue
		}
		records = append(records, ledger.DeviceRecord{
			Identity:               identity,
			Name:                   meta.DeviceID,
			Received:               false,
			RSSI:                   meta.RSSI,
			Resolution:             meta.Resolution,
			JPEGQuality:            meta.JPEGQuality,
			FirmwareVersion:        meta.FirmwareVersion,
			BoardType:              meta.BoardType,
			CaptureRequestReceived: meta.Times.CaptureRequestReceived,
			CaptureStarted:         meta.Times.CaptureStarted,
			CaptureCompleted:       meta.Times.CaptureCompleted,
			ImageSent:              meta.Times.ImageSent,
		})
	}

	saved := len(s.received)
	success := len(missing) == 0
	res := Result{
		Success:     success,
		SavedImages: saved,
		Folder:      s.dir,
		Missing:     missing,
	}
	state := StateCompleted
	if !success {
		state = StatePartial
	}
	ls := ledger.Session{
		ID:          s.id,
		TriggeredAt: s.triggeredAt,
		ScheduledAt: s.scheduledAt,
		ResolvedAt:  resolvedAt,
		State:       state,
		Expected:    len(s.expected),
		SavedImages: saved,
		Missing:     missing,
		Folder:      s.dir,
	}
	return res, ls, records
}
