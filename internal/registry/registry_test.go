package registry

import (
	"context"
	"testing"

	"camsync/internal/eventbus"
	logx "camsync/pkg/logx"
)

type fakePeer struct{ id int }

func (p *fakePeer) SendText(context.Context, []byte) error { return nil }
func (p *fakePeer) Close() error                           { return nil }

func TestAdmitAssignsPlaceholderName(t *testing.T) {
	r := New(logx.Nop(), nil)
	h := r.Admit(&fakePeer{})
	if got := r.ResolveName(h); got != PlaceholderName(h) {
		t.Fatalf("ResolveName = %q, want %q", got, PlaceholderName(h))
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestAnnounceIdentity(t *testing.T) {
	r := New(logx.Nop(), nil)
	h := r.Admit(&fakePeer{})
	r.AnnounceIdentity(h, "cam-door", "AA:BB:CC:DD:EE:FF")

	m, ok := r.Lookup(h)
	if !ok {
		t.Fatal("Lookup: handle not live")
	}
	if m.Name != "cam-door" || m.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("member = %+v", m)
	}
	if m.Identity() != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("Identity = %q, want hardware address", m.Identity())
	}
}

func TestIdentityFallsBackToName(t *testing.T) {
	r := New(logx.Nop(), nil)
	h := r.Admit(&fakePeer{})
	r.AnnounceIdentity(h, "cam-door", "")
	m, _ := r.Lookup(h)
	if m.Identity() != "cam-door" {
		t.Fatalf("Identity = %q, want display name", m.Identity())
	}
}

func TestNewerConnectionSupersedesAddress(t *testing.T) {
	r := New(logx.Nop(), nil)
	const mac = "AA:BB:CC:DD:EE:FF"

	old := r.Admit(&fakePeer{id: 1})
	r.AnnounceIdentity(old, "cam", mac)
	newer := r.Admit(&fakePeer{id: 2})
	r.AnnounceIdentity(newer, "cam", mac)

	oldM, ok := r.Lookup(old)
	if !ok {
		t.Fatal("old handle should stay live until its connection drops")
	}
	if oldM.MAC != "" {
		t.Fatalf("old member still holds address %q", oldM.MAC)
	}
	newM, _ := r.Lookup(newer)
	if newM.MAC != mac {
		t.Fatalf("new member address = %q, want %q", newM.MAC, mac)
	}

	// Removing the stale connection must not strip the address from the
	// newer one.
	r.Remove(old)
	newM, _ = r.Lookup(newer)
	if newM.MAC != mac {
		t.Fatalf("address lost after stale removal: %q", newM.MAC)
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	r := New(logx.Nop(), nil)
	a := r.Admit(&fakePeer{id: 1})
	b := r.Admit(&fakePeer{id: 2})
	r.AnnounceIdentity(a, "cam-a", "")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}

	// Mutations after the snapshot must not show up in it.
	r.Remove(b)
	r.AnnounceIdentity(a, "renamed", "")
	c := r.Admit(&fakePeer{id: 3})
	_ = c
	for _, m := range snap {
		if m.Handle == a && m.Name != "cam-a" {
			t.Fatalf("snapshot mutated: %+v", m)
		}
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot resized to %d", len(snap))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(logx.Nop(), nil)
	h := r.Admit(&fakePeer{})
	r.Remove(h)
	r.Remove(h)
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
	// Name resolution after removal falls back to the placeholder.
	if got := r.ResolveName(h); got != PlaceholderName(h) {
		t.Fatalf("ResolveName = %q", got)
	}
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(logx.Nop(), bus)
	h := r.Admit(&fakePeer{})
	r.AnnounceIdentity(h, "cam", "AA:BB:CC:DD:EE:FF")
	r.Remove(h)

	want := []string{
		eventbus.EventDeviceConnected,
		eventbus.EventDeviceIdentified,
		eventbus.EventDeviceDisconnected,
	}
	for _, typ := range want {
		ev := <-ch
		if ev.Type != typ {
			t.Fatalf("event = %q, want %q", ev.Type, typ)
		}
	}
}

func TestTelemetryCache(t *testing.T) {
	r := New(logx.Nop(), nil)
	r.UpdateTelemetry("AA:BB", Telemetry{Name: "cam", RSSI: -61, Source: "status"})
	tel, ok := r.LatestTelemetry("AA:BB")
	if !ok || tel.RSSI != -61 {
		t.Fatalf("LatestTelemetry = %+v, %v", tel, ok)
	}
	if tel.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}
	if _, ok := r.LatestTelemetry("unknown"); ok {
		t.Fatal("unexpected telemetry for unknown identity")
	}
}
