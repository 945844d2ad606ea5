package pactmock

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

var errRetry = errors.New("retry")

// retryFor calls do until it reports success or duration elapses. do receives
// the time left. It returns whether do succeeded.
func retryFor(ctx context.Context, do func(time.Duration) bool, delay, duration time.Duration) bool {
	start := time.Now()
	err := retry.Do(func() error {
		timeLeft := duration - time.Since(start)
		if !do(timeLeft) {
			return errRetry
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRetry) && time.Since(start) <= duration
		}),
	)
	return err == nil
}
