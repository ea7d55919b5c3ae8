package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicelab/speakerd/internal/token"
)

const fetchTimeout = 10 * time.Second

type HTTPFetcher struct {
	endpointURL string
	apiKey      string
	client      *http.Client
	now         func() time.Time
}

func NewHTTPFetcher(endpointURL, apiKey string) token.Fetcher {
	return &HTTPFetcher{
		endpointURL: endpointURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: fetchTimeout},
		now:         time.Now,
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (token.SessionToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpointURL, nil)
	if err != nil {
		return token.SessionToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return token.SessionToken{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return token.SessionToken{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return token.SessionToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.Token == "" {
		return token.SessionToken{}, fmt.Errorf("token endpoint returned empty token")
	}
	if parsed.ExpiresIn <= 0 {
		return token.SessionToken{}, fmt.Errorf("token endpoint returned non-positive expires_in: %d", parsed.ExpiresIn)
	}
	return token.SessionToken{
		Value:    parsed.Token,
		IssuedAt: f.now(),
		TTL:      time.Duration(parsed.ExpiresIn) * time.Second,
	}, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
