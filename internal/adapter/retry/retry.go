// Package retry wraps an adapter so that transport failures are retried with
// exponential backoff before they reach the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/openai"
)

// Ensure RetryAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*RetryAdapter)(nil)

// RetryAdapter retries completion calls and stream opens that fail with a
// transport error. Provider errors and cancellations are returned at once.
// Once a stream is open its events are passed through untouched.
type RetryAdapter struct {
	inner   adapter.StreamingChatAdapter
	cfg     Config
	onRetry func(attempt int, delay time.Duration, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// Config holds retry settings.
type Config struct {
	Adapter adapter.StreamingChatAdapter
	// Retries is the number of retries after the first attempt. Negative
	// values disable retrying.
	Retries int
	// InitialDelay is the wait before the first retry (default 250ms).
	InitialDelay time.Duration
	// MaxDelay caps the wait between retries (default 5s).
	MaxDelay time.Duration
	// Multiplier grows the delay after every retry (default 2).
	Multiplier float64
	// Jitter spreads the delay by up to this fraction either way.
	Jitter float64
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when every attempt failed with a transport error.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// New creates a RetryAdapter.
func New(cfg Config) (*RetryAdapter, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("retry: adapter required")
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0
	}
	return &RetryAdapter{
		inner:   cfg.Adapter,
		cfg:     cfg,
		onRetry: cfg.OnRetry,
		sleep:   sleepContext,
	}, nil
}

// CreateCompletion retries the blocking call on transport errors.
func (r *RetryAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = r.inner.CreateCompletion(ctx, req)
		return err
	})
	return resp, err
}

// CreateCompletionStream retries opening the stream on transport errors.
func (r *RetryAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	var events <-chan adapter.StreamEvent
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		events, err = r.inner.CreateCompletionStream(ctx, req)
		return err
	})
	return events, err
}

func (r *RetryAdapter) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !adapter.IsTransport(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := Backoff(r.cfg, attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	if attempts == 1 {
		return lastErr
	}
	return &ExhaustedError{Attempts: attempts, LastError: lastErr}
}

// Backoff returns the wait before retry number attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter only
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
