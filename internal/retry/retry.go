// Package retry runs an unreliable operation a bounded number of times,
// backing off after recoverable I/O failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/dreamware/sensornet/internal/cluster"
)

// ErrExhausted is returned when every attempt failed without a fatal error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Operation is one attempt. It reports success with true; false with a nil
// error is a refusal that is retried immediately.
type Operation func(ctx context.Context) (bool, error)

// Do invokes op up to maxAttempts times and stops at the first attempt that
// returns true without error.
//
// Error handling:
//   - Recoverable I/O errors sleep for backoff, then retry
//   - Any other error is returned at once, without further attempts
//   - Context cancellation ends the loop with ctx.Err()
//
// Running out of attempts returns false and an error wrapping ErrExhausted
// and the last recoverable failure, if there was one. Whether that is fatal
// is the caller's decision.
func Do(ctx context.Context, maxAttempts int, backoff time.Duration, op Operation) (bool, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		ok, err := op(ctx)
		if err == nil {
			if ok {
				return true, nil
			}
			lastErr = nil
			continue
		}
		if !IsRecoverable(err) {
			return false, err
		}

		lastErr = err
		log.Printf("retry %d/%d: %v", attempt, maxAttempts, err)
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return false, err
		}
	}

	if lastErr != nil {
		return false, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
	}
	return false, fmt.Errorf("%w after %d attempts", ErrExhausted, maxAttempts)
}

// IsRecoverable reports whether err is a network failure worth retrying:
// refused or reset connections, broken pipes, timeouts, premature EOF,
// an unreachable directory, or a 5xx directory response.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, cluster.ErrUnreachable) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var se *cluster.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
