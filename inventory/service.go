// Package inventory applies quantity changes durably. Every mutation is a
// clean read-modify-write against the document store's fail-on-conflict
// check, retried a bounded number of times when another writer (a concurrent
// user action or a replication pull) got there first.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cellarsync/cellarsync/assertions"
	"github.com/cellarsync/cellarsync/document"
	"github.com/cellarsync/cellarsync/store"
)

const (
	maxWriteAttempts = 5
	retryDelay       = 5 * time.Millisecond
)

// ErrWriteAbandoned means a mutation lost the optimistic check on every
// attempt. State is unaffected; the caller should surface it as a transient
// contention notice, not data loss.
var ErrWriteAbandoned = errors.New("inventory: write abandoned after retries")

type (
	// DocStore is the slice of the document store the service needs.
	DocStore interface {
		Get(id string) (store.Snapshot, error)
		Put(id string, fields document.Fields, baseRev string) (string, error)
	}

	// Service mutates counter fields on behalf of one local actor.
	Service struct {
		docs   DocStore
		actor  string
		logger *slog.Logger
	}

	attempt struct {
		value int64
		err   error
	}
)

// NewService builds a service bound to the installation's stable actor ID.
// An empty actor would corrupt attribution of every future merge, so it
// fails fast.
func NewService(docs DocStore, actor string, logger *slog.Logger) *Service {
	assertions.AssertNotNil(docs, "document store cannot be nil")
	assertions.Assert(actor != "", "actor ID cannot be empty")

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		docs:   docs,
		actor:  actor,
		logger: logger.With("component", "inventory", "actor", actor),
	}
}

// Increment durably adds amount to the counter at key, creating the document
// if needed. Returns the counter value as written, or ErrWriteAbandoned
// after retry exhaustion.
func (s *Service) Increment(ctx context.Context, docID, key string, amount uint64) (int64, error) {
	return s.apply(ctx, docID, key, amount, document.ApplyIncrement)
}

// Decrement is the symmetric operation on the negative tally. The visible
// value clamps at zero even when decrements race ahead of increments.
func (s *Service) Decrement(ctx context.Context, docID, key string, amount uint64) (int64, error) {
	return s.apply(ctx, docID, key, amount, document.ApplyDecrement)
}

// Quantity reads the current counter value. A missing document is a valid
// zero state.
func (s *Service) Quantity(docID, key string) (int64, error) {
	snap, err := s.docs.Get(docID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return document.ReadCounter(snap.Fields, key), nil
}

func (s *Service) apply(ctx context.Context, docID, key string, amount uint64,
	op func(document.Fields, string, string, uint64) document.Fields,
) (int64, error) {
	assertions.Assert(docID != "", "document ID cannot be empty")
	assertions.Assert(key != "", "counter key cannot be empty")

	retry := Retry[attempt]{MaxAttempts: maxWriteAttempts, Delay: retryDelay}

	result, ok := retry.Do(func() RetryResult[attempt] {
		if err := ctx.Err(); err != nil {
			return RetryResult[attempt]{Value: attempt{err: err}, Done: true}
		}

		baseRev := ""
		fields := document.Fields{}
		snap, err := s.docs.Get(docID)
		switch {
		case err == nil:
			baseRev, fields = snap.Rev, snap.Fields
		case errors.Is(err, store.ErrNotFound):
			// First mutation creates the document.
		default:
			return RetryResult[attempt]{Value: attempt{err: err}, Done: true}
		}

		updated := op(fields, key, s.actor, amount)

		if _, err := s.docs.Put(docID, updated, baseRev); err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.logger.Debug("optimistic write lost, retrying", "doc", docID, "base_rev", baseRev)
				return RetryResult[attempt]{}
			}
			return RetryResult[attempt]{Value: attempt{err: err}, Done: true}
		}

		return RetryResult[attempt]{Value: attempt{value: document.ReadCounter(updated, key)}, Done: true}
	})

	if !ok {
		s.logger.Warn("mutation abandoned after retries", "doc", docID, "key", key, "attempts", maxWriteAttempts)
		return 0, fmt.Errorf("%w: document %q after %d attempts", ErrWriteAbandoned, docID, maxWriteAttempts)
	}
	if result.err != nil {
		return 0, result.err
	}
	return result.value, nil
}
