package voiceprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/voiceprint"
)

const extractTimeout = 30 * time.Second

type HTTPExtractor struct {
	endpointURL string
	client      *http.Client
}

func NewHTTPExtractor(endpointURL string) voiceprint.Extractor {
	return &HTTPExtractor{
		endpointURL: endpointURL,
		client:      &http.Client{Timeout: extractTimeout},
	}
}

type embedResponse struct {
	Embedding  []float32 `json:"embedding"`
	RhythmRate float64   `json:"rhythm_rate"`
	PitchHz    float64   `json:"pitch_hz"`
}

func (e *HTTPExtractor) Extract(ctx context.Context, audio []byte) (matching.Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpointURL, bytes.NewReader(audio))
	if err != nil {
		return matching.Sample{}, err
	}
	req.Header.Set("Content-Type", "audio/L16")

	resp, err := e.client.Do(req)
	if err != nil {
		return matching.Sample{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return matching.Sample{}, fmt.Errorf("voiceprint endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return matching.Sample{}, fmt.Errorf("decode voiceprint response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return matching.Sample{}, fmt.Errorf("voiceprint endpoint returned empty embedding")
	}
	return matching.Sample{
		Voiceprint: parsed.Embedding,
		RhythmRate: parsed.RhythmRate,
		PitchHz:    parsed.PitchHz,
	}, nil
}
