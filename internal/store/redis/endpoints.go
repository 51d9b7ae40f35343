// Package redis stores endpoints as Redis hashes, with a sorted set ordering
// devices by save sequence.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store"
)

const (
	keyPrefix = "potatolink:endpoint:"
	indexKey  = "potatolink:endpoints"
	seqKey    = "potatolink:endpoints:seq"
)

type record struct {
	DeviceID      string `redis:"device_id"`
	Endpoint      string `redis:"endpoint"`
	Hostname      string `redis:"hostname"`
	IP            string `redis:"ip"`
	Port          int    `redis:"port"`
	Method        string `redis:"method"`
	ConfirmedAt   int64  `redis:"confirmed_at"` // unix millis, 0 when unconfirmed
	LastSeen      int64  `redis:"last_seen"`
	SetupComplete bool   `redis:"setup_complete"`
	RelayURL      string `redis:"relay_url"`
}

// EndpointStore implements store.EndpointStore on Redis.
type EndpointStore struct {
	rdb *goredis.Client
}

// Open connects to the redis:// URL and pings it.
func Open(ctx context.Context, url string) (*EndpointStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb), nil
}

// New wraps an existing client.
func New(rdb *goredis.Client) *EndpointStore {
	return &EndpointStore{rdb: rdb}
}

func (s *EndpointStore) Load(ctx context.Context, deviceID string) (*device.EndpointInfo, error) {
	cmd := s.rdb.HGetAll(ctx, keyPrefix+device.NormalizeID(deviceID))
	fields, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, device.NormalizeID(deviceID))
	}
	var rec record
	if err := cmd.Scan(&rec); err != nil {
		return nil, fmt.Errorf("decode endpoint: %w", err)
	}
	return rec.info(), nil
}

func (s *EndpointStore) LoadLatest(ctx context.Context) (*device.EndpointInfo, error) {
	ids, err := s.rdb.ZRevRange(ctx, indexKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	return s.Load(ctx, ids[0])
}

func (s *EndpointStore) List(ctx context.Context) ([]device.EndpointInfo, error) {
	ids, err := s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]device.EndpointInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (s *EndpointStore) Save(ctx context.Context, info device.EndpointInfo) error {
	info.DeviceID = device.NormalizeID(info.DeviceID)
	if err := store.ValidateEndpoint(info); err != nil {
		return err
	}
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("save endpoint %s: %w", info.DeviceID, err)
	}
	key := keyPrefix + info.DeviceID
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fromInfo(info))
		p.ZAdd(ctx, indexKey, goredis.Z{Score: float64(seq), Member: info.DeviceID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save endpoint %s: %w", info.DeviceID, err)
	}
	return nil
}

func (s *EndpointStore) Delete(ctx context.Context, deviceID string) error {
	id := device.NormalizeID(deviceID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, keyPrefix+id)
		p.ZRem(ctx, indexKey, id)
		return nil
	})
	return err
}

func (s *EndpointStore) Close() error { return s.rdb.Close() }

func fromInfo(info device.EndpointInfo) record {
	rec := record{
		DeviceID:      info.DeviceID,
		Endpoint:      info.Endpoint,
		Hostname:      info.Hostname,
		IP:            info.IP,
		Port:          info.Port,
		Method:        info.Method,
		LastSeen:      info.LastSeen,
		SetupComplete: info.SetupComplete,
		RelayURL:      info.RelayURL,
	}
	if info.ConfirmedAt != nil {
		rec.ConfirmedAt = info.ConfirmedAt.UnixMilli()
	}
	return rec
}

func (r record) info() *device.EndpointInfo {
	info := &device.EndpointInfo{
		DeviceID:      r.DeviceID,
		Endpoint:      r.Endpoint,
		Hostname:      r.Hostname,
		IP:            r.IP,
		Port:          r.Port,
		Method:        r.Method,
		LastSeen:      r.LastSeen,
		SetupComplete: r.SetupComplete,
		RelayURL:      r.RelayURL,
	}
	if r.ConfirmedAt != 0 {
		t := time.UnixMilli(r.ConfirmedAt).UTC()
		info.ConfirmedAt = &t
	}
	return info
}
