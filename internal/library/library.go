package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/metrics"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/storage"
)

var (
	// ErrMatchingUnavailable reports that candidate search could not run
	// because the profile catalog could not be read.
	ErrMatchingUnavailable = errors.New("matching unavailable")

	// ErrProfileNotFound reports an operation against a missing profile.
	ErrProfileNotFound = errors.New("voice profile not found")

	// ErrMergeNotConfirmed reports a merge attempted without explicit
	// operator confirmation.
	ErrMergeNotConfirmed = errors.New("profile merge requires confirmation")
)

const (
	persistenceAttempts = 3
	persistenceBackoff  = 100 * time.Millisecond

	// minSampleWeight keeps a zero-quality sample from vanishing out of
	// the weighted aggregates entirely.
	minSampleWeight = 0.05
)

// Sample is one captured speech segment ready to be folded into a profile.
type Sample struct {
	SegmentID  string
	Audio      []byte
	Transcript string

	Acoustic matching.Sample

	// MatchConfidence is the comparison score that routed this sample to
	// its profile. Zero for samples stored on an unresolved profile.
	MatchConfidence float64

	CapturedAt time.Time
}

// Candidate is one ranked match produced by FindCandidates.
type Candidate struct {
	VoiceID    string
	UserName   string
	Confidence float64
	Evidence   []string
	LastSeenAt time.Time
}

// Library maintains the catalog of voice profiles and their stored samples.
// All writes to a given profile are serialized on a per-voice lock.
type Library struct {
	repo   repository.ProfileRepository
	store  storage.SampleStore
	engine *matching.Engine
	locks  *KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

func NewLibrary(repo repository.ProfileRepository, store storage.SampleStore, engine *matching.Engine, logger *slog.Logger) *Library {
	return &Library{
		repo:   repo,
		store:  store,
		engine: engine,
		locks:  NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// FindCandidates compares sample against every stored profile and returns
// the ones scoring at or above minConfidence, ranked by confidence with the
// most recently seen profile winning ties.
func (l *Library) FindCandidates(ctx context.Context, sample matching.Sample, minConfidence float64) ([]Candidate, error) {
	profiles, err := l.repo.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatchingUnavailable, err)
	}

	var candidates []Candidate
	for _, p := range profiles {
		if len(p.Voiceprint) == 0 {
			continue
		}
		result := l.engine.Compare(sample, profileSample(p))
		if result.OverallScore < minConfidence {
			continue
		}
		candidates = append(candidates, Candidate{
			VoiceID:    p.VoiceID,
			UserName:   p.DisplayName,
			Confidence: result.OverallScore,
			Evidence:   result.Factors,
			LastSeenAt: p.LastSeenAt,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].LastSeenAt.After(candidates[j].LastSeenAt)
	})
	return candidates, nil
}

// UpsertProfile stores the sample's audio, records the sample, and folds its
// descriptors into the profile aggregates, creating the profile on first use.
func (l *Library) UpsertProfile(ctx context.Context, voiceID string, sample Sample) error {
	unlock := l.locks.Lock(voiceID)
	defer unlock()

	profile, err := l.repo.GetProfile(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	created := false
	if profile == nil {
		profile = &repository.VoiceProfile{
			VoiceID:    voiceID,
			LastSeenAt: l.now(),
		}
		if err := l.withRetry(ctx, "create profile", func() error {
			return l.repo.CreateProfile(ctx, *profile)
		}); err != nil {
			return err
		}
		created = true
	}

	var storedURL string
	if err := l.withRetry(ctx, "store sample audio", func() error {
		url, storeErr := l.store.Store(ctx, sample.Audio, storage.SampleMetadata{
			VoiceID:         voiceID,
			SegmentID:       sample.SegmentID,
			Transcript:      sample.Transcript,
			Quality:         sample.Acoustic.Quality,
			DurationSeconds: sample.Acoustic.DurationSeconds,
			CapturedAt:      sample.CapturedAt,
		})
		if storeErr != nil {
			return storeErr
		}
		storedURL = url
		return nil
	}); err != nil {
		return err
	}

	ref := repository.SampleRef{
		ID:              sample.SegmentID,
		VoiceID:         voiceID,
		URL:             storedURL,
		Transcript:      sample.Transcript,
		Quality:         sample.Acoustic.Quality,
		DurationSeconds: sample.Acoustic.DurationSeconds,
		CapturedAt:      sample.CapturedAt,
	}
	if err := l.withRetry(ctx, "insert sample", func() error {
		return l.repo.InsertSample(ctx, ref)
	}); err != nil {
		return err
	}

	foldSample(profile, sample, l.now())
	if err := l.withRetry(ctx, "update profile", func() error {
		return l.repo.UpdateProfile(ctx, *profile)
	}); err != nil {
		return err
	}

	l.logger.Info("sample folded into profile",
		"voiceId", voiceID,
		"segmentId", sample.SegmentID,
		"created", created,
		"sampleCount", profile.SampleCount)
	return nil
}

// ConfirmProfile binds a profile to a known person. Confirmation is
// monotonic: a confirmed profile stays confirmed.
func (l *Library) ConfirmProfile(ctx context.Context, voiceID, userID, userName string) error {
	unlock := l.locks.Lock(voiceID)
	defer unlock()

	profile, err := l.repo.GetProfile(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return ErrProfileNotFound
	}

	profile.Confirmed = true
	profile.UserID = userID
	if userName != "" {
		profile.DisplayName = userName
	}
	if err := l.withRetry(ctx, "confirm profile", func() error {
		return l.repo.UpdateProfile(ctx, *profile)
	}); err != nil {
		return err
	}
	l.logger.Info("profile confirmed", "voiceId", voiceID, "userId", userID)
	return nil
}

// OverrideConfirmation flips a profile's confirmed flag outside the normal
// monotonic path. Reserved for administrative correction.
func (l *Library) OverrideConfirmation(ctx context.Context, voiceID string, confirmed bool) error {
	unlock := l.locks.Lock(voiceID)
	defer unlock()

	profile, err := l.repo.GetProfile(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return ErrProfileNotFound
	}
	profile.Confirmed = confirmed
	return l.withRetry(ctx, "override confirmation", func() error {
		return l.repo.UpdateProfile(ctx, *profile)
	})
}

// MergeProfiles folds srcID into dstID: samples are reassigned, aggregates
// are combined by quality weight, and the source profile is deleted. The
// caller must pass confirmed=true; merges never happen implicitly.
func (l *Library) MergeProfiles(ctx context.Context, srcID, dstID string, confirmed bool) error {
	if !confirmed {
		return ErrMergeNotConfirmed
	}
	if srcID == dstID {
		return fmt.Errorf("cannot merge profile %s into itself", srcID)
	}

	// Lock in lexical order so concurrent merges cannot deadlock.
	first, second := srcID, dstID
	if second < first {
		first, second = second, first
	}
	unlockFirst := l.locks.Lock(first)
	defer unlockFirst()
	unlockSecond := l.locks.Lock(second)
	defer unlockSecond()

	src, err := l.repo.GetProfile(ctx, srcID)
	if err != nil {
		return fmt.Errorf("load source profile: %w", err)
	}
	if src == nil {
		return fmt.Errorf("source %s: %w", srcID, ErrProfileNotFound)
	}
	dst, err := l.repo.GetProfile(ctx, dstID)
	if err != nil {
		return fmt.Errorf("load destination profile: %w", err)
	}
	if dst == nil {
		return fmt.Errorf("destination %s: %w", dstID, ErrProfileNotFound)
	}

	if err := l.withRetry(ctx, "reassign samples", func() error {
		return l.repo.ReassignSamples(ctx, srcID, dstID)
	}); err != nil {
		return err
	}

	foldProfile(dst, src)
	if err := l.withRetry(ctx, "update merged profile", func() error {
		return l.repo.UpdateProfile(ctx, *dst)
	}); err != nil {
		return err
	}
	if err := l.withRetry(ctx, "delete source profile", func() error {
		return l.repo.DeleteProfile(ctx, srcID)
	}); err != nil {
		return err
	}

	l.logger.Info("profiles merged", "sourceVoiceId", srcID, "destinationVoiceId", dstID)
	return nil
}

// ListSamples returns stored sample references for a profile, newest first.
func (l *Library) ListSamples(ctx context.Context, voiceID string, limit int) ([]repository.SampleRef, error) {
	return l.repo.ListSamplesByVoiceID(ctx, voiceID, limit)
}

// GetProfile returns the profile for voiceID, or nil when absent.
func (l *Library) GetProfile(ctx context.Context, voiceID string) (*repository.VoiceProfile, error) {
	return l.repo.GetProfile(ctx, voiceID)
}

func (l *Library) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := persistenceBackoff
	for attempt := 1; attempt <= persistenceAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < persistenceAttempts {
			metrics.PersistenceRetries.Inc()
			l.logger.Warn("persistence operation failed, retrying",
				"operation", op,
				"attempt", attempt,
				"error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// profileSample projects a profile's aggregates into a comparable sample.
func profileSample(p repository.VoiceProfile) matching.Sample {
	quality := 0.0
	if p.SampleCount > 0 {
		quality = p.QualityWeightSum / float64(p.SampleCount)
	}
	return matching.Sample{
		Voiceprint:      p.Voiceprint,
		RhythmRate:      p.RhythmRate,
		PitchHz:         p.PitchHz,
		Quality:         quality,
		DurationSeconds: p.TotalDurationSecs,
	}
}

// foldSample blends one sample's descriptors into the profile using the
// sample quality as its weight.
func foldSample(p *repository.VoiceProfile, s Sample, now time.Time) {
	weight := s.Acoustic.Quality
	if weight < minSampleWeight {
		weight = minSampleWeight
	}
	oldWeight := p.QualityWeightSum
	newWeight := oldWeight + weight

	switch {
	case len(p.Voiceprint) == 0:
		p.Voiceprint = append([]float32(nil), s.Acoustic.Voiceprint...)
	case len(p.Voiceprint) == len(s.Acoustic.Voiceprint):
		for i := range p.Voiceprint {
			blended := (float64(p.Voiceprint[i])*oldWeight + float64(s.Acoustic.Voiceprint[i])*weight) / newWeight
			p.Voiceprint[i] = float32(blended)
		}
	}

	p.RhythmRate = blend(p.RhythmRate, s.Acoustic.RhythmRate, oldWeight, weight)
	p.PitchHz = blend(p.PitchHz, s.Acoustic.PitchHz, oldWeight, weight)

	confidence := s.MatchConfidence
	if confidence <= 0 {
		confidence = s.Acoustic.Quality
	}
	p.AggregateConfidence = blend(p.AggregateConfidence, confidence, oldWeight, weight)

	p.QualityWeightSum = newWeight
	p.SampleCount++
	p.TotalDurationSecs += s.Acoustic.DurationSeconds
	p.LastSeenAt = now
}

// foldProfile combines src's aggregates into dst by their accumulated
// quality weights.
func foldProfile(dst, src *repository.VoiceProfile) {
	dstWeight := dst.QualityWeightSum
	srcWeight := src.QualityWeightSum
	total := dstWeight + srcWeight
	if total <= 0 {
		total = 1
	}

	switch {
	case len(dst.Voiceprint) == 0:
		dst.Voiceprint = append([]float32(nil), src.Voiceprint...)
	case len(dst.Voiceprint) == len(src.Voiceprint):
		for i := range dst.Voiceprint {
			blended := (float64(dst.Voiceprint[i])*dstWeight + float64(src.Voiceprint[i])*srcWeight) / total
			dst.Voiceprint[i] = float32(blended)
		}
	}

	dst.RhythmRate = blend(dst.RhythmRate, src.RhythmRate, dstWeight, srcWeight)
	dst.PitchHz = blend(dst.PitchHz, src.PitchHz, dstWeight, srcWeight)
	dst.AggregateConfidence = blend(dst.AggregateConfidence, src.AggregateConfidence, dstWeight, srcWeight)

	dst.QualityWeightSum = total
	dst.SampleCount += src.SampleCount
	dst.TotalDurationSecs += src.TotalDurationSecs
	dst.Confirmed = dst.Confirmed || src.Confirmed
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}
}

func blend(a, b, weightA, weightB float64) float64 {
	total := weightA + weightB
	if total <= 0 {
		return b
	}
	return (a*weightA + b*weightB) / total
}
