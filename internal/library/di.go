package library

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/storage"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Library, error) {
		repo := do.MustInvoke[repository.Repository](i)
		store := do.MustInvoke[storage.SampleStore](i)
		engine := do.MustInvoke[*matching.Engine](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return NewLibrary(repo, store, engine, logger), nil
	})
}
