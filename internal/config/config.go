package config

import (
	"fmt"
	"time"
)

type Config struct {
	Env        string
	ListenAddr string

	TokenEndpointURL    string
	TokenAPIKey         string
	TokenRefreshSkewSec int

	StreamURL                string
	StreamModel              string
	StreamLanguage           string
	StreamConnectTimeoutSec  int
	StreamReconnectWindowSec int

	VoiceprintEndpointURL string

	SegmentMaxDurationSec int
	SegmentSilenceGapMs   int
	SegmentMinDurationMs  int

	AcceptThreshold float64
	ReviewThreshold float64

	RequestRetentionHours int

	DatabaseURL string

	SampleBucket          string
	SampleBucketRegion    string
	SampleBucketEndpoint  string
	SampleKeyPrefix       string
	SampleAccessKeyID     string
	SampleSecretAccessKey string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.TokenRefreshSkewSec < 0 {
		return fmt.Errorf("TOKEN_REFRESH_SKEW_SEC must not be negative, got %d", c.TokenRefreshSkewSec)
	}
	if c.StreamConnectTimeoutSec <= 0 {
		return fmt.Errorf("STREAM_CONNECT_TIMEOUT_SEC must be positive, got %d", c.StreamConnectTimeoutSec)
	}
	if c.StreamReconnectWindowSec <= 0 {
		return fmt.Errorf("STREAM_RECONNECT_WINDOW_SEC must be positive, got %d", c.StreamReconnectWindowSec)
	}
	if c.SegmentMaxDurationSec <= 0 {
		return fmt.Errorf("SEGMENT_MAX_DURATION_SEC must be positive, got %d", c.SegmentMaxDurationSec)
	}
	if c.SegmentSilenceGapMs <= 0 {
		return fmt.Errorf("SEGMENT_SILENCE_GAP_MS must be positive, got %d", c.SegmentSilenceGapMs)
	}
	if c.SegmentMinDurationMs <= 0 {
		return fmt.Errorf("SEGMENT_MIN_DURATION_MS must be positive, got %d", c.SegmentMinDurationMs)
	}
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("ACCEPT_THRESHOLD must be in (0,1], got %v", c.AcceptThreshold)
	}
	if c.ReviewThreshold <= 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("REVIEW_THRESHOLD must be in (0,1], got %v", c.ReviewThreshold)
	}
	if c.ReviewThreshold >= c.AcceptThreshold {
		return fmt.Errorf("REVIEW_THRESHOLD (%v) must be below ACCEPT_THRESHOLD (%v)", c.ReviewThreshold, c.AcceptThreshold)
	}
	if c.RequestRetentionHours <= 0 {
		return fmt.Errorf("REQUEST_RETENTION_HOURS must be positive, got %d", c.RequestRetentionHours)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "TOKEN_ENDPOINT_URL", value: c.TokenEndpointURL},
		{name: "TOKEN_API_KEY", value: c.TokenAPIKey},
		{name: "STREAM_URL", value: c.StreamURL},
		{name: "VOICEPRINT_ENDPOINT_URL", value: c.VoiceprintEndpointURL},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "SAMPLE_BUCKET", value: c.SampleBucket},
		{name: "SAMPLE_BUCKET_REGION", value: c.SampleBucketRegion},
	}
}

func (c *Config) TokenRefreshSkew() time.Duration {
	return time.Duration(c.TokenRefreshSkewSec) * time.Second
}

func (c *Config) StreamConnectTimeout() time.Duration {
	return time.Duration(c.StreamConnectTimeoutSec) * time.Second
}

func (c *Config) StreamReconnectWindow() time.Duration {
	return time.Duration(c.StreamReconnectWindowSec) * time.Second
}

func (c *Config) SegmentMaxDuration() time.Duration {
	return time.Duration(c.SegmentMaxDurationSec) * time.Second
}

func (c *Config) SegmentSilenceGap() time.Duration {
	return time.Duration(c.SegmentSilenceGapMs) * time.Millisecond
}

func (c *Config) SegmentMinDuration() time.Duration {
	return time.Duration(c.SegmentMinDurationMs) * time.Millisecond
}

func (c *Config) RequestRetention() time.Duration {
	return time.Duration(c.RequestRetentionHours) * time.Hour
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
