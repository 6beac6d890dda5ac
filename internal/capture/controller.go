// Package capture runs synchronized capture sessions: it fans a capture
// command out to the registered fleet, waits behind a time-bounded barrier
// for every expected image, and resolves each session as completed or
// partial.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"camsync/internal/artifact"
	"camsync/internal/catalog"
	"camsync/internal/config"
	"camsync/internal/eventbus"
	"camsync/internal/ledger"
	"camsync/internal/protocol"
	"camsync/internal/registry"
	logx "camsync/pkg/logx"
)

// ErrNoDevices is returned by Trigger when the expectation snapshot is
// empty; the session fails immediately without creating a wait.
var ErrNoDevices = errors.New("no devices connected")

// Session states as recorded in the ledger.
const (
	StateCompleted = "completed"
	StatePartial   = "partial"
)

// Result is the caller-facing outcome of one trigger.
type Result struct {
	Success     bool     `json:"success"`
	SavedImages int      `json:"saved_images"`
	Folder      string   `json:"folder"`
	Missing     []string `json:"missing,omitempty"`
}

// Status is a read-only snapshot of the controller for the API surface.
type Status struct {
	Active     bool    `json:"active"`
	Folder     string  `json:"folder,omitempty"`
	LastResult *Result `json:"last_result,omitempty"`
}

// Controller owns the "current session" reference. Triggers may replace an
// outstanding session; each barrier wait operates on its own session value.
type Controller struct {
	log  logx.Logger
	bus  eventbus.Bus
	reg  *registry.Registry
	sink *artifact.Sink

	ledger        *ledger.Writer // nil when disabled
	appendPartial bool
	catalog       catalog.Store // nil when disabled

	defSyncDelay   time.Duration
	defWaitTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	current *session
	last    *Result
}

func New(
	log logx.Logger,
	bus eventbus.Bus,
	reg *registry.Registry,
	sink *artifact.Sink,
	lw *ledger.Writer,
	cat catalog.Store,
	cfg config.CaptureConfig,
	ledgerCfg config.LedgerConfig,
) (*Controller, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	syncDelay, err := config.ParseDurationOrDefault("capture.sync_delay", cfg.SyncDelay, 2*time.Second)
	if err != nil {
		return nil, err
	}
	waitTimeout, err := config.ParseDurationOrDefault("capture.wait_timeout", cfg.WaitTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	pollInterval, err := config.ParseDurationOrDefault("capture.poll_interval", cfg.PollInterval, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	appendPartial := true
	if ledgerCfg.AppendPartial != nil {
		appendPartial = *ledgerCfg.AppendPartial
	}
	return &Controller{
		log:            log,
		bus:            bus,
		reg:            reg,
		sink:           sink,
		ledger:         lw,
		appendPartial:  appendPartial,
		catalog:        cat,
		defSyncDelay:   syncDelay,
		defWaitTimeout: waitTimeout,
		pollInterval:   pollInterval,
	}, nil
}

// Trigger schedules a synchronized capture at now+delay, fans the command
// out to every registered device, and blocks until all expected images
// arrived or the wait timeout elapsed. Zero delay/timeout select the
// configured defaults.
func (c *Controller) Trigger(ctx context.Context, delay, timeout time.Duration) (Result, error) {
	if delay <= 0 {
		delay = c.defSyncDelay
	}
	if timeout <= 0 {
		timeout = c.defWaitTimeout
	}

	expected := c.reg.Snapshot()
	if len(expected) == 0 {
		c.log.Warn("capture trigger with no devices connected")
		res := Result{Success: false, SavedImages: 0}
		c.setLast(res)
		return res, ErrNoDevices
	}

	triggeredAt := time.Now()
	scheduledAt := triggeredAt.Add(delay)
	dir := c.sink.SessionDir(scheduledAt)
	// The directory must exist before the command goes out: an image may
	// arrive before the fan-out even returns.
	if err := c.sink.EnsureDir(dir); err != nil {
		return Result{}, err
	}

	sess := newSession(uuid.NewString(), dir, triggeredAt, scheduledAt, expected)
	c.mu.Lock()
	replaced := c.current != nil && !c.current.isResolved()
	c.current = sess
	c.mu.Unlock()
	if replaced {
		c.log.Warn("outstanding session replaced by new trigger", logx.String("session_id", sess.id))
	}

	c.log.Info("capture session started",
		logx.String("session_id", sess.id),
		logx.Int("expected", len(expected)),
		logx.Time("scheduled_at", scheduledAt),
		logx.String("folder", dir))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventSessionStarted, Data: map[string]any{
			"session_id": sess.id, "expected": len(expected), "folder": dir,
		}})
	}

	c.fanOut(ctx, expected, scheduledAt)
	c.waitBarrier(ctx, sess, scheduledAt.Add(timeout))
	return c.resolve(sess), nil
}

func (c *Controller) fanOut(ctx context.Context, members []registry.Member, at time.Time) {
	payload, err := protocol.EncodeCapture(at)
	if err != nil {
		c.log.Error("encode capture command", logx.Err(err))
		return
	}
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m registry.Member) {
			defer wg.Done()
			if err := m.Peer.SendText(ctx, payload); err != nil {
				c.log.Warn("capture command send failed",
					logx.String("device", m.Name),
					logx.Err(err))
			}
		}(m)
	}
	wg.Wait()
}

// waitBarrier polls the received set so the session resolves as soon as the
// fleet answers, never waiting out the full timeout on a fast day. Hard
// upper bound: the deadline.
func (c *Controller) waitBarrier(ctx context.Context, sess *session, deadline time.Time) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		if sess.allReceived() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) resolve(sess *session) Result {
	sess.markResolved()
	res, ls, records := sess.summarize(c.reg, time.Now())
	c.setLast(res)

	if res.Success {
		c.log.Info("capture session completed",
			logx.String("session_id", sess.id),
			logx.Int("saved_images", res.SavedImages),
			logx.String("folder", res.Folder))
	} else {
		c.log.Warn("capture session partial",
			logx.String("session_id", sess.id),
			logx.Int("saved_images", res.SavedImages),
			logx.Strings("missing", res.Missing))
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventSessionResolved, Data: map[string]any{
			"session_id": sess.id, "state": ls.State,
			"saved_images": res.SavedImages, "missing": res.Missing,
		}})
	}

	if c.catalog != nil {
		now := time.Now()
		for _, rec := range records {
			if !rec.Received {
				continue
			}
			if err := c.catalog.RecordParticipation(context.Background(), rec.Identity, now); err != nil {
				c.log.Debug("catalog participation update failed", logx.Err(err))
			}
		}
	}

	// Ledger failure degrades telemetry persistence only; the session
	// result still reaches the caller.
	if c.ledger != nil && (res.Success || c.appendPartial) {
		if err := c.ledger.AppendSession(ls, records); err != nil {
			c.log.Error("ledger append failed",
				logx.String("session_id", sess.id),
				logx.Err(err))
		}
	}
	return res
}

func (c *Controller) setLast(res Result) {
	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
}

// OnImage files an inbound binary frame. Inside an active session the image
// lands in the session directory and the sender joins the received set;
// outside any session it is kept in the catch-all directory and attributed
// to no session.
func (c *Controller) OnImage(m registry.Member, data []byte) (string, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()

	dir := ""
	if sess != nil && !sess.isResolved() {
		dir = sess.dir
	} else {
		sess = nil
	}

	path, err := c.sink.SaveImage(dir, m.Name, data)
	if err != nil {
		return "", err
	}
	if sess != nil {
		sess.markReceived(m.Handle, m.Identity(), int64(len(data)), time.Now())
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventImageReceived, Data: map[string]any{
			"device": m.Name, "path": path, "bytes": len(data),
		}})
	}
	return path, nil
}

// OnMetadata stores a device's capture report against the current session,
// keyed by stable identity and overwriting any prior report. A report with
// no matching image is retained; the two arrivals may race.
func (c *Controller) OnMetadata(m registry.Member, meta protocol.CaptureMetadata) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil || sess.isResolved() {
		c.log.Debug("capture metadata outside any session", logx.String("device", m.Name))
		return
	}
	identity := m.Identity()
	if identity == "" {
		identity = meta.DeviceID
	}
	sess.setMetadata(identity, meta)
}

// CurrentStatus reports whether a session is outstanding, the most recent
// session folder, and the last resolved result.
func (c *Controller) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{LastResult: c.last}
	if c.current != nil {
		st.Active = !c.current.isResolved()
		st.Folder = c.current.dir
	}
	return st
}
