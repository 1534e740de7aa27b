package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/store"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	boom := errors.New("boom")

	tests := []struct {
		name     string
		errs     []error
		attempts int
		wantErr  error
	}{
		{"first try", []error{nil}, 1, nil},
		{"recovers", []error{boom, boom, nil}, 3, nil},
		{"exhausted", []error{boom, boom, boom, nil}, 3, boom},
		{"not found is final", []error{store.ErrNotFound, nil}, 1, store.ErrNotFound},
		{"cancel is final", []error{context.Canceled, nil}, 1, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			n, err := policy.do(context.Background(), func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.attempts, n)
			assert.Equal(t, tt.attempts, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_ContextCancelledDuringWait(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	n, err := policy.do(ctx, func() error {
		calls++
		return errors.New("boom")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	n, err := RetryPolicy{}.do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}
