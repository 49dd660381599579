package resources

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBackend(t *testing.T, node string) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBackend(rdb, nil, node), mr
}

func TestRedisBackend_ReserveReleaseInvalidate(t *testing.T) {
	b, mr := newRedisBackend(t, "n1")
	ctx := context.Background()

	r1 := Spec{Type: 1, ID: 10, Limit: 2, Takes: 1}
	r2 := Spec{Type: 2, ID: 20, Limit: 0, Takes: 5}

	res, err := b.Exec(ctx, []Op{
		{Kind: OpReserve, Items: List{r1, r2}},
		{Kind: OpReserve, Items: List{r1}},
		{Kind: OpReserve, Items: List{r1, r2}},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res[0].Failed != -1 || res[1].Failed != -1 {
		t.Fatalf("expected first two reserves granted, got %+v", res)
	}
	if res[2].Failed != 0 {
		t.Fatalf("expected third reserve to fail on first resource, got %+v", res[2])
	}
	if got := mr.HGet("r:1:10", "n1"); got != "2" {
		t.Fatalf("expected r:1:10 n1=2, got %q", got)
	}
	if got := mr.HGet("r:2:20", "n1"); got != "5" {
		t.Fatalf("expected r:2:20 n1=5, got %q", got)
	}

	if _, err := b.Exec(ctx, []Op{{Kind: OpRelease, Items: List{r1, r2}}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if used, _ := b.Used(ctx, r1); used != 1 {
		t.Fatalf("expected 1 used, got %d", used)
	}
	if mr.Exists("r:2:20") {
		t.Fatalf("expected r:2:20 removed once it dropped to zero")
	}

	mr.HSet("r:1:10", "n2", "3")
	if _, err := b.Exec(ctx, []Op{{Kind: OpInvalidate}}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if used, _ := b.Used(ctx, r1); used != 3 {
		t.Fatalf("expected only n2's reservation left, got %d", used)
	}
	if mr.Exists("n:n1:keys") {
		t.Fatalf("expected touched-keys set removed")
	}
}

func TestRedisBackend_RollsBackPartialGrant(t *testing.T) {
	b, mr := newRedisBackend(t, "n1")
	ctx := context.Background()

	mr.HSet("r:1:2", "n2", "1")
	res, err := b.Exec(ctx, []Op{{Kind: OpReserve, Items: List{
		{Type: 1, ID: 1, Limit: 5, Takes: 1},
		{Type: 1, ID: 2, Limit: 1, Takes: 1},
	}}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res[0].Failed != 1 {
		t.Fatalf("expected failure on second resource, got %+v", res[0])
	}
	if mr.Exists("r:1:1") {
		t.Fatalf("expected first resource rolled back, got %q", mr.HGet("r:1:1", "n1"))
	}
}

func TestRedisBackend_TransportError(t *testing.T) {
	b, mr := newRedisBackend(t, "n1")
	mr.Close()

	if _, err := b.Exec(context.Background(), []Op{{Kind: OpReserve, Items: List{{Type: 1, ID: 1, Takes: 1}}}}); err == nil {
		t.Fatalf("expected transport error")
	}
	if err := b.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestStore_WithRedisBackend(t *testing.T) {
	b, _ := newRedisBackend(t, "n1")
	s := startStore(t, b, fastConfig())
	ctx := context.Background()

	r := Spec{Type: 3, ID: 1, Limit: 1, Takes: 1}
	failed, epoch, err := s.Reserve(ctx, List{r})
	if err != nil || failed != -1 {
		t.Fatalf("expected grant, got failed=%d err=%v", failed, err)
	}
	if failed, _, _ = s.Reserve(ctx, List{r}); failed != 0 {
		t.Fatalf("expected exhausted, got %d", failed)
	}
	if err := s.Release(ctx, List{r}, epoch); err != nil {
		t.Fatalf("release: %v", err)
	}
	if used, _ := s.Used(ctx, r); used != 0 {
		t.Fatalf("expected 0 used, got %d", used)
	}
}
