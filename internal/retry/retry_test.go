package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPolicyDo(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tcases := []struct {
		name     string
		policy   Policy
		failures int
		fatal    bool
		wantErr  error
		wantRuns int
	}{
		{
			name:     "succeeds first time",
			policy:   Policy{Delay: time.Millisecond},
			wantRuns: 1,
		},
		{
			name:     "succeeds after transient failures",
			policy:   Policy{Delay: time.Millisecond},
			failures: 3,
			wantRuns: 4,
		},
		{
			name:     "gives up at the retry bound",
			policy:   Policy{Delay: time.Millisecond, MaxRetries: 2},
			failures: 10,
			wantErr:  errTransient,
			wantRuns: 3,
		},
		{
			name:     "stops on permanent error",
			policy:   Policy{Delay: time.Millisecond},
			failures: 10,
			fatal:    true,
			wantErr:  errFatal,
			wantRuns: 1,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			runs := 0
			err := tc.policy.Do(context.Background(), testutil.TestLogger(t), "test", func() error {
				runs++
				if tc.fatal {
					return Permanent(errFatal)
				}
				if runs <= tc.failures {
					return errTransient
				}
				return nil
			})

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr, "expected error to match")
			} else {
				assert.NoError(t, err, "expected no error")
			}
			assert.Equal(t, tc.wantRuns, runs, "expected number of attempts to match")
		})
	}
}

func TestPolicyDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runs := 0
	err := Policy{Delay: time.Millisecond}.Do(ctx, testutil.TestLogger(t), "test", func() error {
		runs++
		if runs == 3 {
			cancel()
		}
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled, "expected cancellation to stop retries")
	assert.Equal(t, 3, runs, "expected no attempts after cancellation")
}

func TestPolicyWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{Delay: time.Hour}.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled, "expected wait to honor cancellation")
}
