package stream

import (
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/token"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (ManagerFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		broker := do.MustInvoke[*token.Broker](i)
		dialer := do.MustInvoke[Dialer](i)
		opts := Options{
			Model:    cfg.StreamModel,
			Language: cfg.StreamLanguage,
			Diarize:  true,
		}
		return func(sessionID string) *Manager {
			return NewManager(sessionID, broker, dialer, opts, cfg.StreamConnectTimeout(), cfg.StreamReconnectWindow())
		}, nil
	})
}
