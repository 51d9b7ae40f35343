// Package sqlite stores endpoints in an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store"
)

const columns = `device_id, endpoint, hostname, ip, port, method, confirmed_at, last_seen, setup_complete, relay_url`

// EndpointStore implements store.EndpointStore on SQLite.
type EndpointStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*EndpointStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &EndpointStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("endpoint store opened", "backend", "sqlite", "path", path)
	return s, nil
}

func (s *EndpointStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			device_id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			method TEXT NOT NULL DEFAULT '',
			confirmed_at INTEGER,
			last_seen INTEGER NOT NULL DEFAULT 0,
			setup_complete INTEGER NOT NULL DEFAULT 0,
			relay_url TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_seq ON endpoints(seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *EndpointStore) Load(ctx context.Context, deviceID string) (*device.EndpointInfo, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM endpoints WHERE device_id = ?", device.NormalizeID(deviceID))
	return scanEndpoint(row)
}

func (s *EndpointStore) LoadLatest(ctx context.Context) (*device.EndpointInfo, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM endpoints ORDER BY seq DESC LIMIT 1")
	return scanEndpoint(row)
}

func (s *EndpointStore) List(ctx context.Context) ([]device.EndpointInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+columns+" FROM endpoints ORDER BY seq DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.EndpointInfo
	for rows.Next() {
		info, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

func (s *EndpointStore) Save(ctx context.Context, info device.EndpointInfo) error {
	info.DeviceID = device.NormalizeID(info.DeviceID)
	if err := store.ValidateEndpoint(info); err != nil {
		return err
	}
	var confirmed sql.NullInt64
	if info.ConfirmedAt != nil {
		confirmed = sql.NullInt64{Int64: info.ConfirmedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (`+columns+`, seq, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM endpoints), ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			endpoint = excluded.endpoint, hostname = excluded.hostname, ip = excluded.ip,
			port = excluded.port, method = excluded.method, confirmed_at = excluded.confirmed_at,
			last_seen = excluded.last_seen, setup_complete = excluded.setup_complete,
			relay_url = excluded.relay_url, seq = excluded.seq, updated_at = excluded.updated_at`,
		info.DeviceID, info.Endpoint, info.Hostname, info.IP, info.Port, info.Method,
		confirmed, info.LastSeen, info.SetupComplete, info.RelayURL, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save endpoint %s: %w", info.DeviceID, err)
	}
	return nil
}

func (s *EndpointStore) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM endpoints WHERE device_id = ?", device.NormalizeID(deviceID))
	return err
}

func (s *EndpointStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*device.EndpointInfo, error) {
	var (
		info      device.EndpointInfo
		confirmed sql.NullInt64
	)
	err := row.Scan(&info.DeviceID, &info.Endpoint, &info.Hostname, &info.IP, &info.Port, &info.Method,
		&confirmed, &info.LastSeen, &info.SetupComplete, &info.RelayURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		t := time.UnixMilli(confirmed.Int64).UTC()
		info.ConfirmedAt = &t
	}
	return &info, nil
}
