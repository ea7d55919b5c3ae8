package stream

import (
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/stream"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (stream.Dialer, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewWebsocketDialer(c.StreamURL), nil
	})
}
