package infra

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := Open(filepath.Join(t.TempDir(), "infra.db"), WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func TestCheckAndRecordDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	hash := HashBody("telegram", "m1", "hello")
	dup, err := store.CheckAndRecord(ctx, "msg:telegram:m1", hash, []byte("hello"), time.Hour)
	if err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if dup {
		t.Error("first delivery flagged as duplicate")
	}

	dup, err = store.CheckAndRecord(ctx, "msg:telegram:m1", hash, []byte("hello"), time.Hour)
	if err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if !dup {
		t.Error("redelivery not flagged as duplicate")
	}
}

func TestCheckAndRecordExpiredKeyReusable(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	hash := HashBody("telegram", "m1", "hello")
	if _, err := store.CheckAndRecord(ctx, "msg:telegram:m1", hash, nil, time.Minute); err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	dup, err := store.CheckAndRecord(ctx, "msg:telegram:m1", hash, nil, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if dup {
		t.Error("expired record still treated as duplicate")
	}
}

func TestCheckAndRecordDifferentHashNotDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CheckAndRecord(ctx, "msg:telegram:m1", HashBody("telegram", "m1", "hello"), nil, time.Hour); err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	// Same key, different content: an edited redelivery is a new message.
	dup, err := store.CheckAndRecord(ctx, "msg:telegram:m1", HashBody("telegram", "m1", "edited"), nil, time.Hour)
	if err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if dup {
		t.Error("different hash flagged as duplicate")
	}
}

func TestHashBodyDistinguishesFields(t *testing.T) {
	// Concatenation without separators would collide here.
	a := HashBody("telegram", "m1", "x")
	b := HashBody("telegram", "m1x", "")
	if a == b {
		t.Error("hash collides across field boundaries")
	}
	if a != HashBody("telegram", "m1", "x") {
		t.Error("hash not deterministic")
	}
}

func TestAllowWithinLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 3)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed || retryAfter != 0 {
			t.Errorf("request %d: allowed=%v retryAfter=%v", i, allowed, retryAfter)
		}
	}
}

func TestAllowOverLimit(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 3); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
	clock.Advance(20 * time.Second)

	allowed, retryAfter, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 3)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("fourth request in window allowed")
	}
	if retryAfter != 40*time.Second {
		t.Errorf("retryAfter = %v, want 40s until window end", retryAfter)
	}
}

func TestAllowWindowReset(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 3); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
	clock.Advance(time.Minute)

	allowed, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 3)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("request after window elapsed denied")
	}
	count, err := store.RateCount(ctx, "user:telegram:u1", time.Minute)
	if err != nil {
		t.Fatalf("RateCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("RateCount() after reset = %d, want 1", count)
	}
}

func TestAllowBucketsIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 1); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	allowed, _, err := store.Allow(ctx, "user:telegram:u2", time.Minute, 1)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("u2's first request denied by u1's bucket")
	}
}

func TestAllowZeroMaxDisabled(t *testing.T) {
	store, _ := newTestStore(t)

	allowed, _, err := store.Allow(context.Background(), "user:telegram:u1", time.Minute, 0)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("max=0 should disable limiting")
	}
}

func TestRateCountExpiredWindow(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, 5); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	count, err := store.RateCount(ctx, "user:telegram:u1", time.Minute)
	if err != nil {
		t.Fatalf("RateCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("RateCount() after window = %d, want 0", count)
	}
}

func TestRecordAndCountEvents(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	ev := Event{
		Type:     "confirmation.timeout",
		Status:   "error",
		Source:   "gate",
		Message:  "no reply within 120s",
		Metadata: map[string]any{"sender": "u1"},
	}
	if err := store.RecordEvent(ctx, ev, time.Hour); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := store.RecordEvent(ctx, ev, time.Hour); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	n, err := store.CountEvents(ctx, "confirmation.timeout")
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountEvents() = %d, want 2", n)
	}
	if n, _ := store.CountEvents(ctx, "other.type"); n != 0 {
		t.Errorf("CountEvents(other.type) = %d, want 0", n)
	}

	clock.Advance(2 * time.Hour)
	if n, _ := store.CountEvents(ctx, "confirmation.timeout"); n != 0 {
		t.Errorf("CountEvents() after expiry = %d, want 0", n)
	}
}

func TestPruneExpired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CheckAndRecord(ctx, "msg:telegram:m1", "h", nil, time.Minute); err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if err := store.RecordEvent(ctx, Event{Type: "t", Status: "ok", Source: "test"}, time.Minute); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	if err := store.PruneExpired(ctx); err != nil {
		t.Fatalf("PruneExpired() error = %v", err)
	}

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM idempotency`).Scan(&n); err != nil {
		t.Fatalf("count idempotency: %v", err)
	}
	if n != 0 {
		t.Errorf("idempotency rows after prune = %d, want 0", n)
	}
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 0 {
		t.Errorf("event rows after prune = %d, want 0", n)
	}
}

func TestConcurrentAllow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Allow(ctx, "user:telegram:u1", time.Minute, n); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Allow() error = %v", err)
	}
}
