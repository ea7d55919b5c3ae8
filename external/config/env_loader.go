package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/voicelab/speakerd/internal/config"
)

type envConfig struct {
	Env        string `env:"ENV" envDefault:"production"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	TokenEndpointURL    string `env:"TOKEN_ENDPOINT_URL,required"`
	TokenAPIKey         string `env:"TOKEN_API_KEY,required"`
	TokenRefreshSkewSec int    `env:"TOKEN_REFRESH_SKEW_SEC" envDefault:"2"`

	StreamURL                string `env:"STREAM_URL,required"`
	StreamModel              string `env:"STREAM_MODEL" envDefault:"general"`
	StreamLanguage           string `env:"STREAM_LANGUAGE" envDefault:"en-US"`
	StreamConnectTimeoutSec  int    `env:"STREAM_CONNECT_TIMEOUT_SEC" envDefault:"10"`
	StreamReconnectWindowSec int    `env:"STREAM_RECONNECT_WINDOW_SEC" envDefault:"30"`

	VoiceprintEndpointURL string `env:"VOICEPRINT_ENDPOINT_URL,required"`

	SegmentMaxDurationSec int `env:"SEGMENT_MAX_DURATION_SEC" envDefault:"15"`
	SegmentSilenceGapMs   int `env:"SEGMENT_SILENCE_GAP_MS" envDefault:"1500"`
	SegmentMinDurationMs  int `env:"SEGMENT_MIN_DURATION_MS" envDefault:"500"`

	AcceptThreshold float64 `env:"ACCEPT_THRESHOLD" envDefault:"0.75"`
	ReviewThreshold float64 `env:"REVIEW_THRESHOLD" envDefault:"0.55"`

	RequestRetentionHours int `env:"REQUEST_RETENTION_HOURS" envDefault:"72"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	SampleBucket          string `env:"SAMPLE_BUCKET,required"`
	SampleBucketRegion    string `env:"SAMPLE_BUCKET_REGION,required"`
	SampleBucketEndpoint  string `env:"SAMPLE_BUCKET_ENDPOINT"`
	SampleKeyPrefix       string `env:"SAMPLE_KEY_PREFIX" envDefault:"voice-samples"`
	SampleAccessKeyID     string `env:"SAMPLE_ACCESS_KEY_ID"`
	SampleSecretAccessKey string `env:"SAMPLE_SECRET_ACCESS_KEY"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                      raw.Env,
		ListenAddr:               raw.ListenAddr,
		TokenEndpointURL:         raw.TokenEndpointURL,
		TokenAPIKey:              raw.TokenAPIKey,
		TokenRefreshSkewSec:      raw.TokenRefreshSkewSec,
		StreamURL:                raw.StreamURL,
		StreamModel:              raw.StreamModel,
		StreamLanguage:           raw.StreamLanguage,
		StreamConnectTimeoutSec:  raw.StreamConnectTimeoutSec,
		StreamReconnectWindowSec: raw.StreamReconnectWindowSec,
		VoiceprintEndpointURL:    raw.VoiceprintEndpointURL,
		SegmentMaxDurationSec:    raw.SegmentMaxDurationSec,
		SegmentSilenceGapMs:      raw.SegmentSilenceGapMs,
		SegmentMinDurationMs:     raw.SegmentMinDurationMs,
		AcceptThreshold:          raw.AcceptThreshold,
		ReviewThreshold:          raw.ReviewThreshold,
		RequestRetentionHours:    raw.RequestRetentionHours,
		DatabaseURL:              raw.DatabaseURL,
		SampleBucket:             raw.SampleBucket,
		SampleBucketRegion:       raw.SampleBucketRegion,
		SampleBucketEndpoint:     raw.SampleBucketEndpoint,
		SampleKeyPrefix:          raw.SampleKeyPrefix,
		SampleAccessKeyID:        raw.SampleAccessKeyID,
		SampleSecretAccessKey:    raw.SampleSecretAccessKey,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
