package identify

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/library"
	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		repo := do.MustInvoke[repository.Repository](i)
		lib := do.MustInvoke[*library.Library](i)
		engine := do.MustInvoke[*matching.Engine](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return NewManager(repo, lib, engine, logger), nil
	})
}
