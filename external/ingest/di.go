package ingest

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/identify"
	internalingest "github.com/voicelab/speakerd/internal/ingest"
	"github.com/voicelab/speakerd/internal/pipeline"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		coordinator := do.MustInvoke[*pipeline.Coordinator](i)
		resolver := do.MustInvoke[*identify.Manager](i)
		logger := do.MustInvoke[*slog.Logger](i)

		var meetings internalingest.MeetingController = coordinator
		var requests internalingest.RequestResolver = resolver
		return NewServer(cfg.ListenAddr, meetings, requests, logger), nil
	})
}
