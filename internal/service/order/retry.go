package order

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// withLockRetry повторяет попытку мутации после таймаута блокировки с
// экспоненциальным backoff. Любая другая ошибка возвращается сразу: вся
// транзакция уже откатилась, и повтор имеет смысл только для конкуренции
// за строку. После исчерпания повторов наружу уходит ErrLockTimeout.
func (c *Coordinator) withLockRetry(ctx context.Context, operation string, attempt func(context.Context) ([]string, error)) ([]string, error) {
	delay := c.retryBaseDelay

	for try := 0; ; try++ {
		productIDs, err := attempt(ctx)
		if err == nil || !domain.IsLockTimeout(err) || try >= c.maxLockRetries {
			return productIDs, err
		}

		if c.metrics != nil {
			c.metrics.RecordLockRetry()
		}
		c.logger.WithError(err).WithField("operation", operation).WithField("attempt", try+1).
			Warn("lock timeout, retrying mutation")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		delay *= 2
	}
}
