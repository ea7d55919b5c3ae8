package matching

import "math"

// Sample is the voice evidence fed to the engine: an acoustic embedding plus
// scalar prosody descriptors. How the embedding is produced is outside this
// package; the engine only measures similarity.
type Sample struct {
	Voiceprint      []float32
	RhythmRate      float64 // spoken-unit rate, units per second
	PitchHz         float64 // median fundamental frequency
	Quality         float64 // [0,1] segment quality
	DurationSeconds float64
}

type Recommendation string

const (
	RecommendAccept    Recommendation = "accept"
	RecommendUncertain Recommendation = "uncertain"
	RecommendReject    Recommendation = "reject"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

type ComparisonResult struct {
	OverallScore       float64
	AcousticSimilarity float64
	RhythmSimilarity   float64
	PitchSimilarity    float64
	ConfidenceLevel    ConfidenceLevel
	Recommendation     Recommendation
	Factors            []string
}

// Sub-score weights; they sum to 1.
const (
	acousticWeight = 0.5
	rhythmWeight   = 0.25
	pitchWeight    = 0.25

	// Combined sample duration below which the overall score is scaled
	// down for insufficient evidence. Never scales up.
	minEvidenceSeconds = 6.0

	strongFactorThreshold = 0.8
	weakFactorThreshold   = 0.4
	lowQualityThreshold   = 0.5
)

// Engine scores the similarity of two voice samples. Pure: identical inputs
// always produce identical results.
type Engine struct {
	acceptThreshold float64
	reviewThreshold float64
}

func NewEngine(acceptThreshold, reviewThreshold float64) *Engine {
	return &Engine{
		acceptThreshold: acceptThreshold,
		reviewThreshold: reviewThreshold,
	}
}

func (e *Engine) AcceptThreshold() float64 { return e.acceptThreshold }
func (e *Engine) ReviewThreshold() float64 { return e.reviewThreshold }

func (e *Engine) Compare(a, b Sample) ComparisonResult {
	acoustic := cosineSimilarity(a.Voiceprint, b.Voiceprint)
	rhythm := ratioSimilarity(a.RhythmRate, b.RhythmRate)
	pitch := ratioSimilarity(a.PitchHz, b.PitchHz)

	overall := acousticWeight*acoustic + rhythmWeight*rhythm + pitchWeight*pitch

	totalDuration := a.DurationSeconds + b.DurationSeconds
	scaledDown := false
	if totalDuration < minEvidenceSeconds && totalDuration >= 0 {
		overall *= totalDuration / minEvidenceSeconds
		scaledDown = true
	}

	result := ComparisonResult{
		OverallScore:       overall,
		AcousticSimilarity: acoustic,
		RhythmSimilarity:   rhythm,
		PitchSimilarity:    pitch,
	}
	switch {
	case overall >= e.acceptThreshold:
		result.Recommendation = RecommendAccept
		result.ConfidenceLevel = ConfidenceHigh
	case overall >= e.reviewThreshold:
		result.Recommendation = RecommendUncertain
		result.ConfidenceLevel = ConfidenceMedium
	default:
		result.Recommendation = RecommendReject
		result.ConfidenceLevel = ConfidenceLow
	}
	result.Factors = buildFactors(result, a, b, scaledDown)
	return result
}

// buildFactors explains which sub-scores and quality inputs crossed which
// thresholds. For auditability only; never feeds back into the score.
func buildFactors(r ComparisonResult, a, b Sample, scaledDown bool) []string {
	var factors []string
	switch {
	case r.AcousticSimilarity >= strongFactorThreshold:
		factors = append(factors, "strong acoustic similarity")
	case r.AcousticSimilarity < weakFactorThreshold:
		factors = append(factors, "weak acoustic similarity")
	}
	switch {
	case r.RhythmSimilarity >= strongFactorThreshold:
		factors = append(factors, "closely matched speech rhythm")
	case r.RhythmSimilarity < weakFactorThreshold:
		factors = append(factors, "divergent speech rhythm")
	}
	switch {
	case r.PitchSimilarity >= strongFactorThreshold:
		factors = append(factors, "closely matched pitch range")
	case r.PitchSimilarity < weakFactorThreshold:
		factors = append(factors, "divergent pitch range")
	}
	if math.Min(a.Quality, b.Quality) < lowQualityThreshold {
		factors = append(factors, "low audio quality may affect accuracy")
	}
	if scaledDown {
		factors = append(factors, "limited audio evidence")
	}
	return factors
}

// cosineSimilarity maps the embeddings' cosine to [0,1]; negative cosines
// clamp to zero since anti-correlated voiceprints carry no match signal.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

// ratioSimilarity compares two positive scalar descriptors as min/max,
// yielding 1 for identical values and decaying toward 0.
func ratioSimilarity(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return a / b
}
