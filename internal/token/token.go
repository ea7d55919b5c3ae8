package token

import (
	"context"
	"fmt"
	"time"
)

// SessionToken is a short-lived credential for the streaming service.
// Tokens are immutable; a refresh replaces the whole value.
type SessionToken struct {
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
}

func (t SessionToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

func (t SessionToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt())
}

// Fresh reports whether the token is still usable with a safety margin
// before its real expiry.
func (t SessionToken) Fresh(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt().Add(-skew))
}

// Fetcher obtains a new session token from the token-issuing endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) (SessionToken, error)
}

type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("token fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
