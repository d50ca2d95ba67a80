package quorum

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds a whole collection round.
	DefaultTimeout = 3000 * time.Millisecond

	// DefaultRequired is the number of responses a round waits for.
	DefaultRequired = 3
)

// ReadResult represents the result of a collection round.
type ReadResult struct {
	Success      bool
	Responses    int
	Required     int
	Replicas     int
	Values       []ReadValue
	ErrorMessage string
}

// ReadValue represents one accepted response.
type ReadValue struct {
	From  string
	Value any
}

// ReceiveFunc waits for the next response. It returns ok=false with a nil
// error for a response that arrived but must not be counted (undecodable,
// an error reply). A non-nil error ends the round; callers are expected to
// return one once ctx is done.
type ReceiveFunc func(ctx context.Context) (v ReadValue, ok bool, err error)

// Collect calls recv until required responses have been accepted, timeout
// elapses, or ctx is cancelled. The timeout is a single deadline for the
// whole round, not per response. required <= 0 means a majority of
// replicas. required may exceed replicas; the round then always runs to
// the deadline. With no replicas the round still waits out the deadline.
func Collect(ctx context.Context, replicas, required int, timeout time.Duration, recv ReceiveFunc) ReadResult {
	if required <= 0 {
		required = (replicas / 2) + 1 // default: majority
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		values  []ReadValue
		skipped int
		lastErr error
	)

	for len(values) < required {
		v, ok, err := recv(roundCtx)
		if err != nil {
			lastErr = err
			break
		}
		if !ok {
			skipped++
			continue
		}
		values = append(values, v)
	}

	result := ReadResult{
		Responses: len(values),
		Required:  required,
		Replicas:  replicas,
		Values:    values,
	}

	if len(values) >= required {
		result.Success = true
		return result
	}

	if ctx.Err() != nil {
		result.ErrorMessage = fmt.Sprintf("context cancelled: %v", ctx.Err())
		return result
	}

	errMsg := fmt.Sprintf("quorum not met: responses=%d required=%d replicas=%d", len(values), required, replicas)
	if skipped > 0 {
		errMsg += fmt.Sprintf(" skipped=%d", skipped)
	}
	if lastErr != nil {
		errMsg += fmt.Sprintf(" error=%v", lastErr)
	}
	result.ErrorMessage = errMsg
	return result
}
