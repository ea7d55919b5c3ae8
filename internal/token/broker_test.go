package token

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingFetcher struct {
	mu      sync.Mutex
	count   int64
	token   SessionToken
	err     error
	delay   time.Duration
	fetchFn func() (SessionToken, error)
}

func (f *countingFetcher) Fetch(_ context.Context) (SessionToken, error) {
	atomic.AddInt64(&f.count, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchFn != nil {
		return f.fetchFn()
	}
	if f.err != nil {
		return SessionToken{}, f.err
	}
	return f.token, nil
}

func (f *countingFetcher) fetchCount() int64 {
	return atomic.LoadInt64(&f.count)
}

func newTestBroker(f Fetcher, skew time.Duration, now func() time.Time) *Broker {
	b := NewBroker(f, skew)
	if now != nil {
		b.now = now
	}
	return b
}

func TestGetToken_SingleFlightUnderConcurrency(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fetcher := &countingFetcher{
		token: SessionToken{Value: "tok-1", IssuedAt: base, TTL: 30 * time.Second},
		delay: 20 * time.Millisecond,
	}
	broker := newTestBroker(fetcher, 2*time.Second, func() time.Time { return base })

	const callers = 50
	var wg sync.WaitGroup
	results := make([]SessionToken, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = broker.GetToken(context.Background())
		}(i)
	}
	wg.Wait()

	if got := fetcher.fetchCount(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i].Value != "tok-1" {
			t.Fatalf("caller %d got unexpected token: %+v", i, results[i])
		}
	}
}

func TestGetToken_NeverReturnsExpiredToken(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	var issued int64
	fetcher := &countingFetcher{}
	fetcher.fetchFn = func() (SessionToken, error) {
		issued++
		return SessionToken{Value: "tok", IssuedAt: now, TTL: 30 * time.Second}, nil
	}
	broker := newTestBroker(fetcher, 2*time.Second, func() time.Time { return now })

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		tok, err := broker.GetToken(context.Background())
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if !now.Before(tok.IssuedAt.Add(tok.TTL)) {
			t.Fatalf("iteration %d: got token expired at %v, now %v", i, tok.ExpiresAt(), now)
		}
		now = now.Add(time.Duration(rng.Intn(20000)) * time.Millisecond)
	}
}

func TestGetToken_ServesCachedTokenWithinSkewMargin(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	fetcher := &countingFetcher{
		token: SessionToken{Value: "tok-1", IssuedAt: base, TTL: 30 * time.Second},
	}
	broker := newTestBroker(fetcher, 2*time.Second, func() time.Time { return now })

	if _, err := broker.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	now = base.Add(27 * time.Second)
	if _, err := broker.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fetcher.fetchCount(); got != 1 {
		t.Fatalf("expected cached token within skew margin, got %d fetches", got)
	}

	// 2s before real expiry the token is no longer fresh.
	now = base.Add(28*time.Second + time.Millisecond)
	fetcher.mu.Lock()
	fetcher.token = SessionToken{Value: "tok-2", IssuedAt: now, TTL: 30 * time.Second}
	fetcher.mu.Unlock()
	tok, err := broker.GetToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "tok-2" {
		t.Fatalf("expected refreshed token, got %+v", tok)
	}
	if got := fetcher.fetchCount(); got != 2 {
		t.Fatalf("expected second fetch at skew boundary, got %d", got)
	}
}

func TestGetToken_FailedRefreshLeavesCacheUnmodified(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	fetcher := &countingFetcher{
		token: SessionToken{Value: "tok-1", IssuedAt: base, TTL: 30 * time.Second},
	}
	broker := newTestBroker(fetcher, 2*time.Second, func() time.Time { return now })

	if _, err := broker.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}

	now = base.Add(29 * time.Second)
	fetcher.mu.Lock()
	fetcher.err = errors.New("upstream 503")
	fetcher.mu.Unlock()

	_, err := broker.GetToken(context.Background())
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}

	// The stale-but-valid token remains cached for an already-open session.
	broker.mu.Lock()
	cached, has := broker.cached, broker.has
	broker.mu.Unlock()
	if !has || cached.Value != "tok-1" {
		t.Fatalf("expected cache to survive failed refresh, got has=%v cached=%+v", has, cached)
	}
}

func TestClearToken_ForcesRefetch(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fetcher := &countingFetcher{
		token: SessionToken{Value: "tok-1", IssuedAt: base, TTL: 30 * time.Second},
	}
	broker := newTestBroker(fetcher, 2*time.Second, func() time.Time { return base })

	if _, err := broker.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	broker.ClearToken()
	if _, err := broker.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fetcher.fetchCount(); got != 2 {
		t.Fatalf("expected refetch after ClearToken, got %d fetches", got)
	}
}
