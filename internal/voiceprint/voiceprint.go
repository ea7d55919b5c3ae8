package voiceprint

import (
	"context"

	"github.com/voicelab/speakerd/internal/matching"
)

// Extractor turns raw audio bytes into a comparable voice sample. The
// acoustic model behind it is a black box to this system.
type Extractor interface {
	Extract(ctx context.Context, audio []byte) (matching.Sample, error)
}
