package pipeline

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/segment"
	"github.com/voicelab/speakerd/internal/stream"
	"github.com/voicelab/speakerd/internal/voiceprint"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Coordinator, error) {
		streams := do.MustInvoke[stream.ManagerFactory](i)
		extractors := do.MustInvoke[segment.ExtractorFactory](i)
		prints := do.MustInvoke[voiceprint.Extractor](i)
		identities := do.MustInvoke[*identify.Manager](i)
		repo := do.MustInvoke[repository.Repository](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return NewCoordinator(streams, extractors, prints, identities, repo, logger), nil
	})
}
