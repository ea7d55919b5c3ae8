package segment

import (
	"github.com/samber/do/v2"

	"github.com/voicelab/speakerd/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (ExtractorFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		extractorCfg := Config{
			MaxDuration: cfg.SegmentMaxDuration(),
			SilenceGap:  cfg.SegmentSilenceGap(),
			MinDuration: cfg.SegmentMinDuration(),
		}
		return func() *Extractor {
			return NewExtractor(extractorCfg)
		}, nil
	})
}
