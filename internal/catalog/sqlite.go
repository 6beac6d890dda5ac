//go:build sqlite
// +build sqlite

package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "camsync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, busyTimeout time.Duration, log logx.Logger) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("catalog.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordSeen(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Identity == "" {
		return nil
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = rec.LastSeen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(identity, name, mac, firmware_version, board_type, first_seen, last_seen, sessions)
		 VALUES(?,?,?,?,?,?,?,0)
		 ON CONFLICT(identity) DO UPDATE SET
		   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
		   mac = CASE WHEN excluded.mac != '' THEN excluded.mac ELSE devices.mac END,
		   firmware_version = CASE WHEN excluded.firmware_version != '' THEN excluded.firmware_version ELSE devices.firmware_version END,
		   board_type = CASE WHEN excluded.board_type != '' THEN excluded.board_type ELSE devices.board_type END,
		   last_seen = excluded.last_seen`,
		rec.Identity, rec.Name, rec.MAC, rec.FirmwareVersion, rec.BoardType,
		rec.FirstSeen.Format(time.RFC3339Nano), rec.LastSeen.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecordParticipation(ctx context.Context, identity string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if identity == "" {
		return nil
	}
	ts := at.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(identity, name, mac, firmware_version, board_type, first_seen, last_seen, sessions)
		 VALUES(?,?,'','','',?,?,1)
		 ON CONFLICT(identity) DO UPDATE SET
		   sessions = devices.sessions + 1,
		   last_seen = MAX(devices.last_seen, excluded.last_seen)`,
		identity, identity, ts, ts,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, identity string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, name, mac, firmware_version, board_type, first_seen, last_seen, sessions
		 FROM devices WHERE identity = ?`, identity)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) All(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, name, mac, firmware_version, board_type, first_seen, last_seen, sessions
		 FROM devices ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var firstSeen, lastSeen string
	err := row.Scan(&rec.Identity, &rec.Name, &rec.MAC, &rec.FirmwareVersion,
		&rec.BoardType, &firstSeen, &lastSeen, &rec.Sessions)
	if err != nil {
		return Record{}, err
	}
	rec.FirstSeen, _ = time.Parse(time.RFC3339Nano, firstSeen)
	rec.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return rec, nil
}
