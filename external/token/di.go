package token

import (
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/token"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (token.Fetcher, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPFetcher(c.TokenEndpointURL, c.TokenAPIKey), nil
	})
}
