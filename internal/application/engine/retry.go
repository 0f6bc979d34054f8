package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

const maxBackoff = 2 * time.Second

// Retry corre fn hasta attempts veces mientras falle con un error
// transitorio, con backoff exponencial y jitter. Los rechazos y cualquier
// otro error se devuelven en el primer intento.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxBackoff
	eb.MaxElapsedTime = 0

	op := func() error {
		err := fn()
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	err := backoff.Retry(op, policy)
	if err == nil || !domain.IsTransient(err) {
		return err
	}
	return fmt.Errorf("engine.Retry: gave up after %d attempts: %w", attempts, err)
}
