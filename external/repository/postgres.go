package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voicelab/speakerd/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateMeeting(ctx context.Context, input repository.CreateMeetingInput) (*repository.Meeting, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO meetings (id, started_at, status)
		 VALUES ($1, $2, 'running')
		 RETURNING id, started_at, ended_at, status`,
		input.MeetingID, input.StartedAt)
	var m repository.Meeting
	var endedAt *time.Time
	if err := row.Scan(&m.ID, &m.StartedAt, &endedAt, &m.Status); err != nil {
		return nil, err
	}
	m.EndedAt = endedAt
	return &m, nil
}

func (r *PostgresRepository) UpdateMeetingCompleted(ctx context.Context, input repository.CompleteMeetingInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE meetings SET status = 'completed', ended_at = $2 WHERE id = $1`,
		input.MeetingID, input.EndedAt)
	return err
}

func (r *PostgresRepository) GetRunningMeeting(ctx context.Context, meetingID string) (*repository.Meeting, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, status
		 FROM meetings WHERE id = $1 AND status = 'running' LIMIT 1`,
		meetingID)
	var m repository.Meeting
	var endedAt *time.Time
	if err := row.Scan(&m.ID, &m.StartedAt, &endedAt, &m.Status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.EndedAt = endedAt
	return &m, nil
}

const profileColumns = `voice_id, display_name, user_id, confirmed, voiceprint, rhythm_rate, pitch_hz,
	aggregate_confidence, quality_weight_sum, sample_count, total_duration_secs,
	last_seen_at, created_at, updated_at`

func scanProfile(row pgx.Row) (*repository.VoiceProfile, error) {
	var p repository.VoiceProfile
	var voiceprintJSON []byte
	err := row.Scan(&p.VoiceID, &p.DisplayName, &p.UserID, &p.Confirmed, &voiceprintJSON,
		&p.RhythmRate, &p.PitchHz, &p.AggregateConfidence, &p.QualityWeightSum,
		&p.SampleCount, &p.TotalDurationSecs, &p.LastSeenAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(voiceprintJSON, &p.Voiceprint); err != nil {
		return nil, fmt.Errorf("decode voiceprint for %s: %w", p.VoiceID, err)
	}
	return &p, nil
}

func (r *PostgresRepository) GetProfile(ctx context.Context, voiceID string) (*repository.VoiceProfile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM voice_profiles WHERE voice_id = $1`, voiceID)
	p, err := scanProfile(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) ListProfiles(ctx context.Context) ([]repository.VoiceProfile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM voice_profiles ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.VoiceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) CreateProfile(ctx context.Context, p repository.VoiceProfile) error {
	voiceprintJSON, err := json.Marshal(p.Voiceprint)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO voice_profiles (voice_id, display_name, user_id, confirmed, voiceprint,
			rhythm_rate, pitch_hz, aggregate_confidence, quality_weight_sum, sample_count,
			total_duration_secs, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.VoiceID, p.DisplayName, p.UserID, p.Confirmed, voiceprintJSON,
		p.RhythmRate, p.PitchHz, p.AggregateConfidence, p.QualityWeightSum, p.SampleCount,
		p.TotalDurationSecs, p.LastSeenAt)
	return err
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, p repository.VoiceProfile) error {
	voiceprintJSON, err := json.Marshal(p.Voiceprint)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE voice_profiles SET display_name = $2, user_id = $3, confirmed = $4, voiceprint = $5,
			rhythm_rate = $6, pitch_hz = $7, aggregate_confidence = $8, quality_weight_sum = $9,
			sample_count = $10, total_duration_secs = $11, last_seen_at = $12, updated_at = NOW()
		 WHERE voice_id = $1`,
		p.VoiceID, p.DisplayName, p.UserID, p.Confirmed, voiceprintJSON,
		p.RhythmRate, p.PitchHz, p.AggregateConfidence, p.QualityWeightSum,
		p.SampleCount, p.TotalDurationSecs, p.LastSeenAt)
	return err
}

func (r *PostgresRepository) DeleteProfile(ctx context.Context, voiceID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM voice_profiles WHERE voice_id = $1`, voiceID)
	return err
}

func (r *PostgresRepository) InsertSample(ctx context.Context, s repository.SampleRef) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO voice_samples (id, voice_id, url, transcript, quality, duration_seconds, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.VoiceID, s.URL, s.Transcript, s.Quality, s.DurationSeconds, s.CapturedAt)
	return err
}

func (r *PostgresRepository) ListSamplesByVoiceID(ctx context.Context, voiceID string, limit int) ([]repository.SampleRef, error) {
	// limit <= 0 means no limit.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, voice_id, url, transcript, quality, duration_seconds, captured_at, created_at
		 FROM voice_samples WHERE voice_id = $1 ORDER BY captured_at DESC LIMIT $2`,
		voiceID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.SampleRef
	for rows.Next() {
		var s repository.SampleRef
		if err := rows.Scan(&s.ID, &s.VoiceID, &s.URL, &s.Transcript, &s.Quality, &s.DurationSeconds, &s.CapturedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) ReassignSamples(ctx context.Context, fromVoiceID, toVoiceID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE voice_samples SET voice_id = $2 WHERE voice_id = $1`, fromVoiceID, toVoiceID)
	return err
}

const requestColumns = `id, voice_id, meeting_id, status, sample_transcripts, suggested_matches,
	created_at, updated_at, resolved_at`

func scanRequest(row pgx.Row) (*repository.IdentificationRequest, error) {
	var req repository.IdentificationRequest
	var snippetsJSON, suggestionsJSON []byte
	var resolvedAt *time.Time
	err := row.Scan(&req.ID, &req.VoiceID, &req.MeetingID, &req.Status,
		&snippetsJSON, &suggestionsJSON, &req.CreatedAt, &req.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snippetsJSON, &req.SampleTranscripts); err != nil {
		return nil, fmt.Errorf("decode sample transcripts for %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(suggestionsJSON, &req.SuggestedMatches); err != nil {
		return nil, fmt.Errorf("decode suggested matches for %s: %w", req.ID, err)
	}
	req.ResolvedAt = resolvedAt
	return &req, nil
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, req repository.IdentificationRequest) error {
	snippetsJSON, suggestionsJSON, err := marshalRequestJSON(req)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO identification_requests (id, voice_id, meeting_id, status, sample_transcripts, suggested_matches, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.VoiceID, req.MeetingID, req.Status, snippetsJSON, suggestionsJSON, req.CreatedAt)
	return err
}

func (r *PostgresRepository) GetRequest(ctx context.Context, requestID string) (*repository.IdentificationRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM identification_requests WHERE id = $1`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) GetOpenRequestByVoiceID(ctx context.Context, voiceID string) (*repository.IdentificationRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM identification_requests
		 WHERE voice_id = $1 AND status IN ('pending', 'suggested') LIMIT 1`, voiceID)
	req, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) UpdateRequest(ctx context.Context, req repository.IdentificationRequest) error {
	snippetsJSON, suggestionsJSON, err := marshalRequestJSON(req)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE identification_requests SET status = $2, sample_transcripts = $3,
			suggested_matches = $4, resolved_at = $5, updated_at = NOW()
		 WHERE id = $1`,
		req.ID, req.Status, snippetsJSON, suggestionsJSON, req.ResolvedAt)
	return err
}

func (r *PostgresRepository) ListRequestsByMeetingID(ctx context.Context, meetingID string) ([]repository.IdentificationRequest, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM identification_requests WHERE meeting_id = $1 ORDER BY created_at`, meetingID)
}

func (r *PostgresRepository) ListRequestsByStatus(ctx context.Context, status repository.RequestStatus) ([]repository.IdentificationRequest, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM identification_requests WHERE status = $1 ORDER BY created_at`, status)
}

func (r *PostgresRepository) ListRequestsByVoiceID(ctx context.Context, voiceID string, status repository.RequestStatus) ([]repository.IdentificationRequest, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM identification_requests WHERE voice_id = $1 AND status = $2 ORDER BY created_at`, voiceID, status)
}

func (r *PostgresRepository) ListOpenRequestsBefore(ctx context.Context, cutoff time.Time) ([]repository.IdentificationRequest, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM identification_requests
		 WHERE status IN ('pending', 'suggested') AND created_at < $1 ORDER BY created_at`, cutoff)
}

func (r *PostgresRepository) listRequests(ctx context.Context, query string, args ...any) ([]repository.IdentificationRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.IdentificationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *req)
	}
	return list, rows.Err()
}

func marshalRequestJSON(req repository.IdentificationRequest) (snippets, suggestions []byte, err error) {
	snippets, err = json.Marshal(emptyIfNilSnippets(req.SampleTranscripts))
	if err != nil {
		return nil, nil, err
	}
	suggestions, err = json.Marshal(emptyIfNilSuggestions(req.SuggestedMatches))
	if err != nil {
		return nil, nil, err
	}
	return snippets, suggestions, nil
}

func emptyIfNilSnippets(s []repository.TranscriptSnippet) []repository.TranscriptSnippet {
	if s == nil {
		return []repository.TranscriptSnippet{}
	}
	return s
}

func emptyIfNilSuggestions(s []repository.MatchSuggestion) []repository.MatchSuggestion {
	if s == nil {
		return []repository.MatchSuggestion{}
	}
	return s
}
