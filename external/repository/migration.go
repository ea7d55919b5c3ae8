package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE meeting_status AS ENUM ('running', 'completed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE request_status AS ENUM ('pending', 'suggested', 'confirmed', 'rejected', 'expired'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS meetings (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status meeting_status NOT NULL DEFAULT 'running'
	)`,
	`CREATE TABLE IF NOT EXISTS voice_profiles (
		voice_id UUID PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		voiceprint JSONB NOT NULL DEFAULT '[]',
		rhythm_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		pitch_hz DOUBLE PRECISION NOT NULL DEFAULT 0,
		aggregate_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality_weight_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count INTEGER NOT NULL DEFAULT 0,
		total_duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_voice_profiles_last_seen ON voice_profiles (last_seen_at DESC)`,
	`CREATE TABLE IF NOT EXISTS voice_samples (
		id UUID PRIMARY KEY,
		voice_id UUID NOT NULL REFERENCES voice_profiles(voice_id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		captured_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_voice_samples_voice ON voice_samples (voice_id, captured_at DESC)`,
	`CREATE TABLE IF NOT EXISTS identification_requests (
		id UUID PRIMARY KEY,
		voice_id UUID NOT NULL,
		meeting_id TEXT NOT NULL,
		status request_status NOT NULL DEFAULT 'pending',
		sample_transcripts JSONB NOT NULL DEFAULT '[]',
		suggested_matches JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_identification_requests_open_voice
		ON identification_requests (voice_id) WHERE status IN ('pending', 'suggested')`,
	`CREATE INDEX IF NOT EXISTS idx_identification_requests_meeting ON identification_requests (meeting_id)`,
	`CREATE INDEX IF NOT EXISTS idx_identification_requests_status ON identification_requests (status, created_at)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
