package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisDeduper(rc, ttl), mr
}

func TestDeduperAdd(t *testing.T) {
	d, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	added, err := d.Add(ctx, "user", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("first add should succeed")
	}
	added, err = d.Add(ctx, "user", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("duplicate add should be rejected")
	}
}

func TestDeduperScopedByUser(t *testing.T) {
	d, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "alice", "key-1"); !added {
		t.Fatal("first user add should succeed")
	}
	if added, _ := d.Add(ctx, "bob", "key-1"); !added {
		t.Fatal("same key under another user should still succeed")
	}
}

func TestDeduperRemoveAllowsRetry(t *testing.T) {
	d, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "user", "key-1"); !added {
		t.Fatal("first add should succeed")
	}
	if err := d.Remove(ctx, "user", "key-1"); err != nil {
		t.Fatal(err)
	}
	if added, _ := d.Add(ctx, "user", "key-1"); !added {
		t.Fatal("add after remove should succeed")
	}
}

func TestDeduperKeyExpires(t *testing.T) {
	d, mr := newTestDeduper(t, time.Second)
	ctx := context.Background()

	if added, _ := d.Add(ctx, "user", "key-1"); !added {
		t.Fatal("first add should succeed")
	}
	mr.FastForward(2 * time.Second)
	if added, _ := d.Add(ctx, "user", "key-1"); !added {
		t.Fatal("expired key should be addable again")
	}
}
