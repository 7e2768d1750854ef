package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryableFunc - функция, которую можно повторить
type RetryableFunc func(ctx context.Context) error

// Retryer выполняет вызовы с повторами и backoff
type Retryer struct {
	config Config
}

// NewRetryer создает новый Retryer
func NewRetryer(config Config) (*Retryer, error) {
	if config.Enabled {
		config.SetDefaults()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &Retryer{config: config}, nil
}

// Do выполняет fn. Неповторяемые ошибки возвращаются без изменений.
func (r *Retryer) Do(ctx context.Context, fn RetryableFunc) error {
	if !r.config.Enabled {
		return fn(ctx)
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if r.config.IsRetryable != nil && !r.config.IsRetryable(err) {
			return err
		}
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, err)
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

func (r *Retryer) delay(attempt int) time.Duration {
	var d time.Duration
	switch r.config.Backoff {
	case BackoffLinear:
		d = r.config.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		d = time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1)))
	default:
		d = r.config.InitialDelay
	}
	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter > 0 {
		d += time.Duration(float64(d) * r.config.Jitter * (rand.Float64()*2 - 1))
		if d < 0 {
			d = r.config.InitialDelay
		}
	}
	return d
}
