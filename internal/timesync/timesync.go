// Package timesync keeps every connected device aware of the coordinator's
// wall clock. Devices compute their own offset from the announced time; no
// acknowledgment is awaited, and a slow or dead peer never delays delivery
// to the others.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"camsync/internal/config"
	"camsync/internal/protocol"
	"camsync/internal/registry"
	logx "camsync/pkg/logx"
)

// Broadcaster fans out periodic time announcements, and optionally periodic
// status probes, to every live device connection.
type Broadcaster struct {
	log logx.Logger
	reg *registry.Registry

	syncSched   cron.Schedule
	statusSched cron.Schedule // nil when probing is disabled
	sendTimeout time.Duration
}

func New(log logx.Logger, reg *registry.Registry, cfg config.TimeSyncConfig) (*Broadcaster, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 5s"
	}
	syncSched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	var statusSched cron.Schedule
	if cfg.StatusSchedule != "" {
		statusSched, err = ParseSchedule(cfg.StatusSchedule)
		if err != nil {
			return nil, err
		}
	}
	sendTimeout, err := config.ParseDurationOrDefault("timesync.send_timeout", cfg.SendTimeout, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		log:         log,
		reg:         reg,
		syncSched:   syncSched,
		statusSched: statusSched,
		sendTimeout: sendTimeout,
	}, nil
}

// Run drives both schedules until ctx is canceled. Always returns nil after
// a clean shutdown.
func (b *Broadcaster) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.loop(ctx, b.syncSched, b.BroadcastSync)
	}()
	if b.statusSched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.loop(ctx, b.statusSched, b.BroadcastStatusRequest)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broadcaster) loop(ctx context.Context, sched cron.Schedule, tick func(context.Context)) {
	timer := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tick(ctx)
			timer.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}

// BroadcastSync sends one time announcement to every registered device.
// The registry is never blocked: sends run concurrently against a snapshot,
// each bounded by the configured send timeout.
func (b *Broadcaster) BroadcastSync(ctx context.Context) {
	members := b.reg.Snapshot()
	if len(members) == 0 {
		return
	}
	payload, err := protocol.EncodeSync(time.Now())
	if err != nil {
		b.log.Error("encode sync", logx.Err(err))
		return
	}
	b.fanOut(ctx, members, payload, "sync")
}

// BroadcastStatusRequest asks every registered device for a status report.
func (b *Broadcaster) BroadcastStatusRequest(ctx context.Context) {
	members := b.reg.Snapshot()
	if len(members) == 0 {
		return
	}
	payload, err := protocol.EncodeStatusRequest()
	if err != nil {
		b.log.Error("encode status request", logx.Err(err))
		return
	}
	b.fanOut(ctx, members, payload, "status_request")
}

// SendSync delivers a single time announcement to one peer, used right after
// a device connects so it does not wait a full tick for its first offset.
func (b *Broadcaster) SendSync(ctx context.Context, peer registry.Peer) error {
	payload, err := protocol.EncodeSync(time.Now())
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return peer.SendText(sctx, payload)
}

func (b *Broadcaster) fanOut(ctx context.Context, members []registry.Member, payload []byte, kind string) {
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m registry.Member) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()
			if err := m.Peer.SendText(sctx, payload); err != nil {
				b.log.Debug("broadcast send failed",
					logx.String("kind", kind),
					logx.String("device", m.Name),
					logx.Err(err))
			}
		}(m)
	}
	wg.Wait()
}
