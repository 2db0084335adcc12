// Package claim implements the single-flight refresh coordination used to
// guard externally-sourced cache rows across process replicas. A claimant
// writes a unique refresh token into the row; the token is cleared together
// with the data write in one conditional update, so a crashed claimant can
// never leave a row both updated and claimed. Claims older than the reclaim
// window are abandoned and may be taken over by exactly one waiter.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClaimTimeout is returned when the bounded wait for another claimant
// to release (or abandon) the claim expires. Callers must fail the refresh
// attempt rather than silently serving stale data.
var ErrClaimTimeout = errors.New("timed out waiting for refresh claim")

// TryClaimFunc attempts one atomic claim of the underlying row: it either
// writes token and returns the claimed row with true, or reports the claim
// held elsewhere with false. Rows whose claim was taken before
// reclaimBefore count as abandoned and are claimable. The row is created
// if absent.
type TryClaimFunc[T any] func(ctx context.Context, token string, reclaimBefore time.Time) (T, bool, error)

// Coordinator bounds and paces claim acquisition.
type Coordinator struct {
	// PollInterval is the wait between claim attempts while another
	// claimant holds the row.
	PollInterval time.Duration
	// MaxAttempts bounds the number of claim attempts.
	MaxAttempts int
	// Now stubs the clock in tests.
	Now func() time.Time
}

// NewCoordinator returns a coordinator with production pacing: 100ms poll,
// 20 attempts.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		PollInterval: 100 * time.Millisecond,
		MaxAttempts:  20,
		Now:          time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// NewToken returns a fresh opaque refresh token.
func NewToken() string { return uuid.NewString() }

// Acquire wins the refresh claim for one row or fails within the bounded
// wait. On success it returns the claimed row and the token the caller must
// present to release the claim. At most one caller ever holds a given claim;
// when an abandoned claim is reclaimed, exactly one waiter wins the write
// race inside try.
func Acquire[T any](ctx context.Context, c *Coordinator, reclaimAfter time.Duration, try TryClaimFunc[T]) (T, string, error) {
	var zero T
	token := NewToken()

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	poll := c.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, "", ctx.Err()
			case <-time.After(poll):
			}
		}

		row, won, err := try(ctx, token, c.now().Add(-reclaimAfter))
		if err != nil {
			return zero, "", err
		}
		if won {
			return row, token, nil
		}
	}

	return zero, "", ErrClaimTimeout
}
