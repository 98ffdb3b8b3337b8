package inventory

import (
	"math/rand"
	"time"
)

type Retry[T any] struct {
	MaxAttempts int
	Delay       time.Duration
}

// RetryResult wraps the result and a boolean indicating success
type RetryResult[T any] struct {
	Value T
	Done  bool
}

// Do runs fn until it reports Done or MaxAttempts is exhausted, backing off
// with jitter between attempts. The second return value is false when every
// attempt failed.
func (r *Retry[T]) Do(fn func() RetryResult[T]) (T, bool) {
	var result RetryResult[T]
	attempts := 0
	currentDelay := r.Delay

	maxBackoff := 100 * time.Millisecond

	for attempts < r.MaxAttempts {
		result = fn()
		if result.Done {
			return result.Value, true
		}

		attempts++
		if attempts >= r.MaxAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(currentDelay)))
		newDelay := currentDelay * 2
		if newDelay > maxBackoff {
			newDelay = maxBackoff
		}
		currentDelay = newDelay + jitter

		time.Sleep(currentDelay)
	}

	return result.Value, false
}
