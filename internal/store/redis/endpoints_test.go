package redis

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store/storetest"
)

func openTestStore(t *testing.T) *EndpointStore {
	t.Helper()
	url := os.Getenv("POTATOLINK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("POTATOLINK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return s
}

func TestEndpointStore(t *testing.T) {
	storetest.Run(t, openTestStore(t))
}

func TestListSkipsIndexWithoutHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := device.EndpointInfo{DeviceID: "ABCD1234", Endpoint: "http://192.168.1.42:8080", Hostname: "potato.local", Port: 8080}
	if err := s.Save(ctx, info); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.rdb.ZAdd(ctx, indexKey, goredis.Z{Score: 99, Member: "GONE0000"}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].DeviceID != "ABCD1234" {
		t.Errorf("List = %+v, want only ABCD1234", list)
	}
}
