package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var quietLogger = log.New(io.Discard, "", 0)

func newRedisTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTierFromClient(client, time.Hour), mr
}

func newDiskTier(t *testing.T) *DiskTier {
	t.Helper()
	d, err := NewDiskTier(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("new disk tier: %v", err)
	}
	return d
}

type countingTier struct {
	Tier
	sets int
}

func (c *countingTier) Set(ctx context.Context, key string, value []byte) error {
	c.sets++
	return c.Tier.Set(ctx, key, value)
}

type brokenTier struct{}

func (brokenTier) Name() string { return "broken" }
func (brokenTier) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenTier) Set(context.Context, string, []byte) error { return errors.New("connection refused") }
func (brokenTier) Delete(context.Context, string) error      { return errors.New("connection refused") }
func (brokenTier) Clear(context.Context) error               { return errors.New("connection refused") }

func TestKeyIsContentHash(t *testing.T) {
	a := Key([]byte("same bytes"))
	b := Key([]byte("same bytes"))
	c := Key([]byte("other bytes"))
	if a != b {
		t.Fatalf("identical content produced different keys: %s %s", a, b)
	}
	if a == c {
		t.Fatal("different content produced the same key")
	}
	if len(a) != 64 {
		t.Fatalf("key length=%d want 64", len(a))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	fast, _ := newRedisTier(t)
	m := NewManager(fast, newDiskTier(t), WithLogger(quietLogger))
	ctx := context.Background()
	payloads := [][]byte{
		[]byte(`{"tests":[{"name":"Hemoglobin","value":14.5}]}`),
		{},
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}
	for i, p := range payloads {
		key := Key(append([]byte{byte(i)}, p...))
		if err := m.Put(ctx, key, p); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		got, ok := m.Get(ctx, key)
		if !ok {
			t.Fatalf("get %d: miss after put", i)
		}
		if !bytes.Equal(got.Payload, p) {
			t.Fatalf("payload %d mismatch", i)
		}
		if got.Key != key {
			t.Fatalf("entry key=%s want %s", got.Key, key)
		}
	}
}

func TestIdenticalUploadsWriteOnceThenHit(t *testing.T) {
	fast, _ := newRedisTier(t)
	disk := &countingTier{Tier: newDiskTier(t)}
	m := NewManager(fast, disk, WithLogger(quietLogger))
	ctx := context.Background()
	image := []byte("\x89PNG fake image bytes")

	lookup := func() bool {
		key := Key(append([]byte(nil), image...))
		if _, ok := m.Get(ctx, key); ok {
			return true
		}
		if err := m.Put(ctx, key, []byte("record")); err != nil {
			t.Fatalf("put: %v", err)
		}
		return false
	}

	if lookup() {
		t.Fatal("first upload should miss")
	}
	if !lookup() {
		t.Fatal("second upload should hit")
	}
	st := m.Stats()
	if st.Writes != 1 || disk.sets != 1 {
		t.Fatalf("writes=%d disk sets=%d want 1", st.Writes, disk.sets)
	}
	if st.FastHits != 1 {
		t.Fatalf("fast hits=%d want 1", st.FastHits)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("hit rate=%v want 0.5", st.HitRate)
	}
}

func TestDiskHitPromotesToRedis(t *testing.T) {
	fast, mr := newRedisTier(t)
	disk := newDiskTier(t)
	ctx := context.Background()
	key := Key([]byte("scan"))

	if err := NewManager(nil, disk, WithLogger(quietLogger)).Put(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("disk-only put: %v", err)
	}
	m := NewManager(fast, disk, WithLogger(quietLogger))
	got, ok := m.Get(ctx, key)
	if !ok || got.Tier != TierDurable {
		t.Fatalf("expected durable hit, got ok=%v tier=%s", ok, got.Tier)
	}
	if !mr.Exists(DefaultKeyPrefix + key) {
		t.Fatal("expected durable hit to be promoted into redis")
	}
	got, ok = m.Get(ctx, key)
	if !ok || got.Tier != TierFast {
		t.Fatalf("expected fast hit after promotion, got ok=%v tier=%s", ok, got.Tier)
	}
}

func TestRedisEntryExpires(t *testing.T) {
	fast, mr := newRedisTier(t)
	m := NewManager(fast, nil, WithLogger(quietLogger))
	ctx := context.Background()
	key := Key([]byte("ttl"))
	if err := m.Put(ctx, key, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok := m.Get(ctx, key); ok {
		t.Fatal("expected miss after ttl")
	}
}

func TestFastTierFailureDegradesToDisk(t *testing.T) {
	m := NewManager(brokenTier{}, newDiskTier(t), WithLogger(quietLogger))
	ctx := context.Background()
	key := Key([]byte("degraded"))
	if err := m.Put(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("put should succeed on disk alone: %v", err)
	}
	got, ok := m.Get(ctx, key)
	if !ok || string(got.Payload) != "payload" {
		t.Fatalf("expected disk hit, got ok=%v payload=%q", ok, got.Payload)
	}
	if m.Stats().Errors == 0 {
		t.Fatal("expected tier errors to be counted")
	}
}

func TestHitRateCountsDiskHitsWhenRedisDown(t *testing.T) {
	m := NewManager(brokenTier{}, newDiskTier(t), WithLogger(quietLogger))
	ctx := context.Background()
	key := Key([]byte("redis down"))
	if err := m.Put(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := m.Get(ctx, key); !ok {
			t.Fatalf("get %d: expected disk hit", i)
		}
	}
	if _, ok := m.Get(ctx, Key([]byte("absent"))); ok {
		t.Fatal("expected miss for absent key")
	}
	s := m.Stats()
	if s.DurableHits != 3 || s.FastMisses != 4 || s.DurableMisses != 1 {
		t.Fatalf("stats=%+v", s)
	}
	if s.HitRate != 0.75 {
		t.Fatalf("hit rate=%.2f want 0.75", s.HitRate)
	}
}

func TestAllTiersDownReturnsError(t *testing.T) {
	m := NewManager(brokenTier{}, nil, WithLogger(quietLogger))
	err := m.Put(context.Background(), Key([]byte("x")), []byte("y"))
	if !errors.Is(err, ErrNoTiers) {
		t.Fatalf("err=%v want ErrNoTiers", err)
	}
	if _, ok := m.Get(context.Background(), Key([]byte("x"))); ok {
		t.Fatal("expected miss with no working tier")
	}
}

func TestDiskTierShardsByPrefix(t *testing.T) {
	disk := newDiskTier(t)
	key := Key([]byte("shard me"))
	if err := disk.Set(context.Background(), key, []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(filepath.Join(disk.dir, key[:2], key+".cache")); err != nil {
		t.Fatalf("expected sharded file: %v", err)
	}
	if _, _, err := disk.Get(context.Background(), "../etc"); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	fast, mr := newRedisTier(t)
	m := NewManager(fast, newDiskTier(t), WithLogger(quietLogger))
	ctx := context.Background()
	if err := mr.Set("unrelated", "keep"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	k1, k2 := Key([]byte("one")), Key([]byte("two"))
	for _, k := range []string{k1, k2} {
		if err := m.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	m.Invalidate(ctx, k1)
	if _, ok := m.Get(ctx, k1); ok {
		t.Fatal("expected invalidated key to miss")
	}
	m.Clear(ctx)
	if _, ok := m.Get(ctx, k2); ok {
		t.Fatal("expected cleared key to miss")
	}
	if !mr.Exists("unrelated") {
		t.Fatal("clear removed a key outside the cache prefix")
	}
}
