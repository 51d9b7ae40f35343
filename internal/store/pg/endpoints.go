package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS endpoints (
	device_id      VARCHAR(255) PRIMARY KEY,
	endpoint       VARCHAR(255) NOT NULL,
	hostname       VARCHAR(255) NOT NULL DEFAULT '',
	ip             VARCHAR(64)  NOT NULL DEFAULT '',
	port           INTEGER      NOT NULL DEFAULT 0,
	method         VARCHAR(32)  NOT NULL DEFAULT '',
	confirmed_at   TIMESTAMPTZ,
	last_seen      BIGINT       NOT NULL DEFAULT 0,
	setup_complete BOOLEAN      NOT NULL DEFAULT FALSE,
	relay_url      VARCHAR(255) NOT NULL DEFAULT '',
	seq            BIGINT       NOT NULL,
	updated_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW()
)`

const columns = `device_id, endpoint, hostname, ip, port, method, confirmed_at, last_seen, setup_complete, relay_url`

// PGEndpointStore implements store.EndpointStore backed by Postgres.
type PGEndpointStore struct {
	db *sql.DB
}

// NewPGEndpointStore creates the endpoints table if needed.
func NewPGEndpointStore(ctx context.Context, db *sql.DB) (*PGEndpointStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate endpoints: %w", err)
	}
	return &PGEndpointStore{db: db}, nil
}

func (s *PGEndpointStore) Load(ctx context.Context, deviceID string) (*device.EndpointInfo, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM endpoints WHERE device_id = $1", device.NormalizeID(deviceID))
	return scanEndpoint(row)
}

func (s *PGEndpointStore) LoadLatest(ctx context.Context) (*device.EndpointInfo, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM endpoints ORDER BY seq DESC LIMIT 1")
	return scanEndpoint(row)
}

func (s *PGEndpointStore) List(ctx context.Context) ([]device.EndpointInfo, error) {
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

func (s *PGEndpointStore) Save(ctx context.Context, info device.EndpointInfo) error {
	info.DeviceID = device.NormalizeID(info.DeviceID)
	if err := store.ValidateEndpoint(info); err != nil {
		return err
	}
	var confirmed sql.NullTime
	if info.ConfirmedAt != nil {
		confirmed = sql.NullTime{Time: *info.ConfirmedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (`+columns+`, seq, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, (SELECT COALESCE(MAX(seq), 0) + 1 FROM endpoints), $11)
		 ON CONFLICT (device_id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint, hostname = EXCLUDED.hostname, ip = EXCLUDED.ip,
			port = EXCLUDED.port, method = EXCLUDED.method, confirmed_at = EXCLUDED.confirmed_at,
			last_seen = EXCLUDED.last_seen, setup_complete = EXCLUDED.setup_complete,
			relay_url = EXCLUDED.relay_url, seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
		info.DeviceID, info.Endpoint, info.Hostname, info.IP, info.Port, info.Method,
		confirmed, info.LastSeen, info.SetupComplete, info.RelayURL, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save endpoint %s: %w", info.DeviceID, err)
	}
	return nil
}

func (s *PGEndpointStore) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM endpoints WHERE device_id = $1", device.NormalizeID(deviceID))
	return err
}

func (s *PGEndpointStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*device.EndpointInfo, error) {
	var (
		info      device.EndpointInfo
		confirmed sql.NullTime
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
		t := confirmed.Time.UTC()
		info.ConfirmedAt = &t
	}
	return &info, nil
}
