// Package catalog persists the set of devices ever seen by the coordinator,
// across restarts. The live registry answers "who is connected now"; the
// catalog answers "who has this fleet ever contained".
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"camsync/internal/config"
	logx "camsync/pkg/logx"
)

var ErrDisabled = errors.New("catalog disabled")

// Record is one device's durable entry, keyed by stable identity
// (hardware address when known, display name otherwise).
type Record struct {
	Identity        string    `json:"identity"`
	Name            string    `json:"name"`
	MAC             string    `json:"mac,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	BoardType       string    `json:"board_type,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	// Sessions counts capture sessions this device delivered an image for.
	Sessions int `json:"sessions"`
}

// Store is the persistence API for device history.
type Store interface {
	// RecordSeen upserts a sighting: first_seen is kept from the oldest
	// record, everything else reflects the latest report.
	RecordSeen(ctx context.Context, rec Record) error
	// RecordParticipation bumps the session counter for an identity.
	RecordParticipation(ctx context.Context, identity string, at time.Time) error
	Get(ctx context.Context, identity string) (Record, bool, error)
	All(ctx context.Context) ([]Record, error)
	Close() error
}

// Open initializes the configured store. A nil cfg or empty driver returns
// (nil, nil): the catalog is optional.
func Open(cfg *config.CatalogConfig, log logx.Logger) (Store, error) {
	if cfg == nil {
		return nil, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "file":
		return openFile(cfg.Path, log)
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("catalog.busy_timeout", cfg.BusyTimeout, 0)
		if err != nil {
			return nil, err
		}
		return openSQLite(cfg.Path, busy, log)
	default:
		return nil, errors.New("unknown catalog driver: " + driver)
	}
}

// merge folds a new sighting into an existing record.
func merge(old Record, rec Record) Record {
	out := rec
	if !old.FirstSeen.IsZero() {
		out.FirstSeen = old.FirstSeen
	}
	if out.FirstSeen.IsZero() {
		out.FirstSeen = out.LastSeen
	}
	out.Sessions = old.Sessions
	if out.Name == "" {
		out.Name = old.Name
	}
	if out.MAC == "" {
		out.MAC = old.MAC
	}
	if out.FirmwareVersion == "" {
		out.FirmwareVersion = old.FirmwareVersion
	}
	if out.BoardType == "" {
		out.BoardType = old.BoardType
	}
	return out
}
