package matching

import (
	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewEngine(cfg.AcceptThreshold, cfg.ReviewThreshold), nil
	})
}
