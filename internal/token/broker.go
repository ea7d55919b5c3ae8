package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voicelab/speakerd/internal/metrics"
)

// Broker caches the current session token and refreshes it on demand.
// Concurrent callers during a refresh share one underlying fetch.
type Broker struct {
	fetcher Fetcher
	skew    time.Duration
	now     func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached SessionToken
	has    bool
}

func NewBroker(fetcher Fetcher, skew time.Duration) *Broker {
	return &Broker{
		fetcher: fetcher,
		skew:    skew,
		now:     time.Now,
	}
}

// GetToken returns the cached token while it is fresh, otherwise performs
// exactly one fetch regardless of concurrent caller count. A failed refresh
// leaves the cache unmodified so an already-open connection keeps working.
func (b *Broker) GetToken(ctx context.Context) (SessionToken, error) {
	if t, ok := b.cachedFresh(); ok {
		return t, nil
	}

	v, err, shared := b.group.Do("session-token", func() (any, error) {
		// A waiter released just before us may have refreshed already.
		if t, ok := b.cachedFresh(); ok {
			return t, nil
		}
		// The fetch is shared with other sessions; one caller going away
		// must not cancel it for everyone.
		t, err := b.fetcher.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			metrics.TokenFetchFailures.Inc()
			return SessionToken{}, &FetchError{Err: err}
		}
		b.mu.Lock()
		b.cached = t
		b.has = true
		b.mu.Unlock()
		slog.Debug("session token refreshed", "expires_at", t.ExpiresAt())
		return t, nil
	})
	if err != nil {
		slog.Warn("session token refresh failed", "error", err, "shared", shared)
		return SessionToken{}, err
	}
	return v.(SessionToken), nil
}

// ClearToken forces the next GetToken to refetch regardless of cache state.
func (b *Broker) ClearToken() {
	b.mu.Lock()
	b.has = false
	b.cached = SessionToken{}
	b.mu.Unlock()
}

func (b *Broker) cachedFresh() (SessionToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.has && b.cached.Fresh(b.now(), b.skew) {
		return b.cached, true
	}
	return SessionToken{}, false
}
