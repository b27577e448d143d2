package locks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisTryAcquire(t *testing.T) {
	addr := os.Getenv("APP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("APP_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedis(client, "calsync:test:"+uuid.NewString()+":")
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "source:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if _, ok, err := locker.TryAcquire(ctx, "source:1", time.Minute); err != nil || ok {
		t.Fatalf("second acquire = %v, %v; want held", ok, err)
	}
	release()
	release2, ok, err := locker.TryAcquire(ctx, "source:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
	release2()
}
