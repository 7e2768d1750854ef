package retry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetryer_SuccessAfterRetries(t *testing.T) {
	r, err := NewRetryer(EnableRetry(5, time.Millisecond))
	require.NoError(t, err)

	attempts := 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	r, err := NewRetryer(EnableRetry(3, time.Millisecond))
	require.NoError(t, err)

	attempts := 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_NonRetryableReturnedAsIs(t *testing.T) {
	config := EnableRetry(5, time.Millisecond)
	config.IsRetryable = func(err error) bool { return errors.Is(err, errTransient) }
	r, err := NewRetryer(config)
	require.NoError(t, err)

	permanent := errors.New("bad request")
	attempts := 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_Disabled(t *testing.T) {
	r, err := NewRetryer(DefaultConfig())
	require.NoError(t, err)

	attempts := 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_ContextCancelled(t *testing.T) {
	r, err := NewRetryer(EnableRetry(3, time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = r.Do(ctx, func(ctx context.Context) error {
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryer_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		backoff BackoffStrategy
		attempt int
		want    time.Duration
	}{
		{"constant", BackoffConstant, 3, 10 * time.Millisecond},
		{"linear", BackoffLinear, 3, 30 * time.Millisecond},
		{"exponential", BackoffExponential, 3, 40 * time.Millisecond},
		{"capped", BackoffExponential, 10, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := EnableRetry(3, 10*time.Millisecond)
			config.Backoff = tt.backoff
			config.MaxDelay = 100 * time.Millisecond
			config.Jitter = 0
			r, err := NewRetryer(config)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.delay(tt.attempt))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	config := EnableRetry(3, time.Second)
	config.MaxDelay = time.Millisecond
	assert.Error(t, config.Validate())

	config = EnableRetry(3, time.Second)
	config.Backoff = "random"
	assert.Error(t, config.Validate())

	config = EnableRetry(3, time.Second)
	config.Jitter = 2
	assert.Error(t, config.Validate())
}

func TestDLQ_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.json")
	d, err := NewDLQ(DLQConfig{Enabled: true, FilePath: path, MaxSize: 2})
	require.NoError(t, err)

	d.Add(DLQEntry{Step: "Insert Account", SObject: "Account", LocalID: "1", Error: "REQUIRED_FIELD_MISSING"})
	d.Add(DLQEntry{Step: "Insert Account", SObject: "Account", LocalID: "2", Error: "DUPLICATE_VALUE"})
	d.Add(DLQEntry{Step: "Insert Account", SObject: "Account", LocalID: "3", Error: "DUPLICATE_VALUE"})
	require.Equal(t, 2, d.Size())
	require.NoError(t, d.Flush())

	reloaded, err := NewDLQ(DLQConfig{FilePath: path})
	require.NoError(t, err)
	entries := reloaded.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[0].LocalID)
	assert.NotEmpty(t, entries[0].ID)
}
