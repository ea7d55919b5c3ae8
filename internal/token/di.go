package token

import (
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Broker, error) {
		cfg := do.MustInvoke[*config.Config](i)
		fetcher := do.MustInvoke[Fetcher](i)
		return NewBroker(fetcher, cfg.TokenRefreshSkew()), nil
	})
}
