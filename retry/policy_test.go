package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	p := &Policy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    5,
	}
	require.NoError(t, p.Validate())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var delays []time.Duration
	attempt := 1
	for {
		delay, ok := p.NextDelay(attempt, "application_error", false, now, time.Time{})
		if !ok {
			break
		}
		delays = append(delays, delay)
		attempt++
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	assert.Equal(t, 6, attempt, "the sixth attempt fails terminally")
}

func TestBackoffIsCapped(t *testing.T) {
	p := &Policy{InitialInterval: time.Second, BackoffCoefficient: 3, MaximumInterval: 10 * time.Second, MaximumAttempts: 100}
	assert.Equal(t, 9*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(90))
}

func TestBackoffDefaults(t *testing.T) {
	p := &Policy{MaximumAttempts: 3}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 100*time.Second, p.Backoff(50))
}

func TestNextDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Policy{
		InitialInterval:          time.Second,
		MaximumAttempts:          3,
		NonRetryableErrorReasons: []string{"bad_input"},
	}

	t.Run("non retryable reason", func(t *testing.T) {
		_, ok := p.NextDelay(1, "bad_input", false, now, time.Time{})
		assert.False(t, ok)
	})

	t.Run("non retryable flag", func(t *testing.T) {
		_, ok := p.NextDelay(1, "application_error", true, now, time.Time{})
		assert.False(t, ok)
	})

	t.Run("expiration", func(t *testing.T) {
		_, ok := p.NextDelay(2, "application_error", false, now, now.Add(time.Second))
		assert.False(t, ok)
		delay, ok := p.NextDelay(2, "application_error", false, now, now.Add(time.Minute))
		assert.True(t, ok)
		assert.Equal(t, 2*time.Second, delay)
	})

	t.Run("nil policy", func(t *testing.T) {
		var none *Policy
		_, ok := none.NextDelay(1, "application_error", false, now, time.Time{})
		assert.False(t, ok)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"attempts", Policy{MaximumAttempts: 1}, false},
		{"expiration", Policy{ExpirationInterval: time.Minute}, false},
		{"unbounded", Policy{}, true},
		{"coefficient", Policy{MaximumAttempts: 1, BackoffCoefficient: 0.5}, true},
		{"maximum below initial", Policy{MaximumAttempts: 1, InitialInterval: time.Minute, MaximumInterval: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecoverableError(t *testing.T) {
	err := NewNonRecoverableError(errors.New("test error"))
	assert.False(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(fmt.Errorf("wrapped: %w", err)))
	assert.True(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.Equal(t, "test error", err.Error())
}
