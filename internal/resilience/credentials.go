package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandworks/sitevox/pkg/live"
)

// GuardedCredentials wraps a [live.CredentialSource] with a circuit
// breaker. When the credential helper keeps refusing or timing out, session
// starts (and readiness probes) fail fast with [ErrCircuitOpen] instead of
// each waiting out a full HTTP timeout.
type GuardedCredentials struct {
	source  live.CredentialSource
	breaker *CircuitBreaker
}

var _ live.CredentialSource = (*GuardedCredentials)(nil)

// GuardCredentials wraps source. The breaker trips after 3 consecutive
// failures and probes again after 15 seconds; the helper is local, so a
// short reset keeps recovery snappy.
func GuardCredentials(source live.CredentialSource, log *slog.Logger) *GuardedCredentials {
	return &GuardedCredentials{
		source: source,
		breaker: NewCircuitBreaker(BreakerConfig{
			Name:         "credentials",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
			Logger:       log,
		}),
	}
}

// Token implements [live.CredentialSource].
func (g *GuardedCredentials) Token(ctx context.Context) (string, error) {
	var token string
	err := g.breaker.Execute(func() error {
		var err error
		token, err = g.source.Token(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resilience: credential fetch: %w", err)
	}
	return token, nil
}

// State exposes the breaker state for diagnostics.
func (g *GuardedCredentials) State() State {
	return g.breaker.State()
}
