package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camsync/internal/eventbus"
	logx "camsync/pkg/logx"
)

// Handle identifies one live device connection. It is process-local and
// never persisted; a device's durable identity across reconnects is its
// hardware address, when it announces one.
type Handle uint64

// Peer is the transport side of a device connection. Implementations must be
// safe for concurrent sends (the broadcaster and the capture controller fan
// out from different goroutines).
type Peer interface {
	SendText(ctx context.Context, data []byte) error
	Close() error
}

// Member is a point-in-time view of one registered device.
type Member struct {
	Handle      Handle
	Name        string
	MAC         string
	Peer        Peer
	ConnectedAt time.Time
}

// Identity returns the stable identity used to key artifacts and ledger
// columns: hardware address when known, display name otherwise.
func (m Member) Identity() string {
	if m.MAC != "" {
		return m.MAC
	}
	return m.Name
}

// Telemetry is the latest self-reported device state, cached for read-only
// snapshots. Replaced wholesale on every report.
type Telemetry struct {
	Name            string    `json:"name"`
	MAC             string    `json:"mac,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	BoardType       string    `json:"board_type,omitempty"`
	RSSI            int       `json:"rssi,omitempty"`
	Resolution      int       `json:"resolution,omitempty"`
	JPEGQuality     int       `json:"jpeg_quality,omitempty"`
	ImageSize       int64     `json:"image_size,omitempty"`
	Source          string    `json:"source"` // "capture_metadata" | "status"
	UpdatedAt       time.Time `json:"updated_at"`
}

type entry struct {
	peer        Peer
	name        string
	mac         string
	connectedAt time.Time
}

// Registry tracks every connected device: transport handle, declared
// identity, and liveness. All maps are guarded by one mutex; entries are
// removed atomically with connection teardown.
type Registry struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	next   Handle
	live   map[Handle]*entry
	byMAC  map[string]Handle
	latest map[string]Telemetry // keyed by stable identity
}

func New(log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:    log,
		bus:    bus,
		live:   map[Handle]*entry{},
		byMAC:  map[string]Handle{},
		latest: map[string]Telemetry{},
	}
}

// PlaceholderName is the generated name a device keeps until (unless) it
// announces an identity.
func PlaceholderName(h Handle) string {
	return fmt.Sprintf("client_%d", h)
}

// Admit registers a new connection under a generated placeholder name.
// It always succeeds.
func (r *Registry) Admit(peer Peer) Handle {
	r.mu.Lock()
	r.next++
	h := r.next
	r.live[h] = &entry{
		peer:        peer,
		name:        PlaceholderName(h),
		connectedAt: time.Now(),
	}
	total := len(r.live)
	r.mu.Unlock()

	r.log.Info("device connected", logx.Uint64("handle", uint64(h)), logx.Int("total", total))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeviceConnected, Data: map[string]any{
			"handle": uint64(h), "total": total,
		}})
	}
	return h
}

// AnnounceIdentity records a device's self-declared name and hardware
// address. Best-effort: called at most once per connection, and only when a
// well-formed hello arrived within the grace window. A newer connection
// silently supersedes an older handle for the same hardware address.
func (r *Registry) AnnounceIdentity(h Handle, name, mac string) {
	r.mu.Lock()
	e, ok := r.live[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	if name != "" {
		e.name = name
	}
	var superseded Handle
	if mac != "" {
		if old, ok := r.byMAC[mac]; ok && old != h {
			if oldE := r.live[old]; oldE != nil {
				oldE.mac = ""
			}
			superseded = old
		}
		e.mac = mac
		r.byMAC[mac] = h
	}
	finalName := e.name
	r.mu.Unlock()

	if superseded != 0 {
		r.log.Warn("hardware address reassigned to newer connection",
			logx.String("mac", mac),
			logx.Uint64("old_handle", uint64(superseded)),
			logx.Uint64("handle", uint64(h)))
	}
	r.log.Info("device identified",
		logx.Uint64("handle", uint64(h)),
		logx.String("name", finalName),
		logx.String("mac", mac))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeviceIdentified, Data: map[string]any{
			"handle": uint64(h), "name": finalName, "mac": mac,
		}})
	}
}

// Remove deregisters a connection and cleans all derived mappings.
// Idempotent.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	e, ok := r.live[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.live, h)
	if e.mac != "" && r.byMAC[e.mac] == h {
		delete(r.byMAC, e.mac)
	}
	total := len(r.live)
	name := e.name
	r.mu.Unlock()

	r.log.Info("device disconnected",
		logx.Uint64("handle", uint64(h)),
		logx.String("name", name),
		logx.Int("total", total))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeviceDisconnected, Data: map[string]any{
			"handle": uint64(h), "name": name, "total": total,
		}})
	}
}

// Snapshot returns a consistent point-in-time copy of the live device set.
// Later connects/disconnects never mutate a returned snapshot; capture
// sessions freeze their expectation set from it.
func (r *Registry) Snapshot() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.live))
	for h, e := range r.live {
		out = append(out, Member{
			Handle:      h,
			Name:        e.name,
			MAC:         e.mac,
			Peer:        e.peer,
			ConnectedAt: e.connectedAt,
		})
	}
	return out
}

// Lookup returns the member for a handle, if still live.
func (r *Registry) Lookup(h Handle) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[h]
	if !ok {
		return Member{}, false
	}
	return Member{Handle: h, Name: e.name, MAC: e.mac, Peer: e.peer, ConnectedAt: e.connectedAt}, true
}

// ResolveName returns the current display name for a handle, falling back to
// the generated placeholder for devices that already disconnected.
func (r *Registry) ResolveName(h Handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[h]; ok {
		return e.name
	}
	return PlaceholderName(h)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// UpdateTelemetry replaces the cached telemetry for a stable identity.
func (r *Registry) UpdateTelemetry(identity string, tel Telemetry) {
	if identity == "" {
		return
	}
	if tel.UpdatedAt.IsZero() {
		tel.UpdatedAt = time.Now()
	}
	r.mu.Lock()
	r.latest[identity] = tel
	r.mu.Unlock()
}

// LatestTelemetry returns the cached telemetry for a stable identity.
func (r *Registry) LatestTelemetry(identity string) (Telemetry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tel, ok := r.latest[identity]
	return tel, ok
}
