package voiceprint

import (
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/voiceprint"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (voiceprint.Extractor, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPExtractor(c.VoiceprintEndpointURL), nil
	})
}
