package segment

import "time"

// Quality weights. The three components always sum to 1 so the score stays
// in [0,1].
const (
	transcriptWeight = 0.4
	durationWeight   = 0.3
	confidenceWeight = 0.3

	// Transcript length at which the content-richness component saturates.
	transcriptSaturationRunes = 200

	// Duration band: below the floor the component bottoms out, full credit
	// from the upper bound onward.
	durationFloor = 1 * time.Second
	durationFull  = 3 * time.Second
	durationMin   = 0.3
)

// scoreQuality combines transcript richness, duration band, and diarization
// confidence into a deterministic [0,1] score.
func scoreQuality(transcript string, duration time.Duration, diarizationConfidence float64) float64 {
	score := transcriptWeight*transcriptComponent(transcript) +
		durationWeight*durationComponent(duration) +
		confidenceWeight*clamp01(diarizationConfidence)
	return clamp01(score)
}

func transcriptComponent(transcript string) float64 {
	if transcript == "" {
		return 0
	}
	runes := len([]rune(transcript))
	if runes >= transcriptSaturationRunes {
		return 1
	}
	return float64(runes) / float64(transcriptSaturationRunes)
}

func durationComponent(duration time.Duration) float64 {
	if duration <= durationFloor {
		return durationMin
	}
	if duration >= durationFull {
		return 1
	}
	span := float64(durationFull - durationFloor)
	return durationMin + (1-durationMin)*float64(duration-durationFloor)/span
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
