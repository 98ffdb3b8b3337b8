package crdt

import (
	"maps"

	"github.com/cellarsync/cellarsync/assertions"
)

type (
	// TallyMap stores actor IDs and their cumulative contribution to one
	// direction of a counter. An actor only ever grows its own tally, which
	// is what makes a per-actor max a safe merge.
	TallyMap map[string]uint64

	// Counter is a PN-Counter over per-actor tally maps. It is a pure value:
	// Increment, Decrement and Merge return updated copies and never touch
	// their inputs, so a Counter can be shared freely across snapshots.
	Counter struct {
		Positive TallyMap
		Negative TallyMap
	}
)

// Sum returns the total of all actor tallies.
func (t TallyMap) Sum() uint64 {
	var sum uint64
	for _, v := range t {
		sum += v
	}
	return sum
}

// Clone returns an independent copy. A nil map clones to an empty one.
func (t TallyMap) Clone() TallyMap {
	cloned := make(TallyMap, len(t))
	maps.Copy(cloned, t)
	return cloned
}

// MergeTallyMaps combines two tally maps by taking the max value per actor
// over the union of their keys. Absent entries count as zero. The operation
// is commutative, associative and idempotent.
func MergeTallyMaps(a, b TallyMap) TallyMap {
	merged := make(TallyMap, max(len(a), len(b)))
	for actor, value := range a {
		merged[actor] = value
	}
	for actor, value := range b {
		if value > merged[actor] {
			merged[actor] = value
		}
	}
	return merged
}

// Value returns the counter's logical value, clamped so it never drops below
// zero even when decrements outrun increments.
func (c Counter) Value() int64 {
	raw := int64(c.Positive.Sum()) - int64(c.Negative.Sum())
	if raw < 0 {
		return 0
	}
	return raw
}

// Debt reports how far the raw tally difference sits below zero. It is zero
// whenever Value is positive; a non-zero debt means pending decrements are
// masked by the clamp until enough increments arrive.
func (c Counter) Debt() int64 {
	raw := int64(c.Positive.Sum()) - int64(c.Negative.Sum())
	if raw >= 0 {
		return 0
	}
	return -raw
}

// Increment returns a copy of the counter with amount added to the actor's
// positive tally. The actor must be the caller's own stable ID.
func (c Counter) Increment(actor string, amount uint64) Counter {
	assertions.Assert(actor != "", "actor ID cannot be empty")

	positive := c.Positive.Clone()
	positive[actor] += amount

	return Counter{
		Positive: positive,
		Negative: c.Negative.Clone(),
	}
}

// Decrement returns a copy of the counter with amount added to the actor's
// negative tally. The tallies stay unclamped; only Value clamps.
func (c Counter) Decrement(actor string, amount uint64) Counter {
	assertions.Assert(actor != "", "actor ID cannot be empty")

	negative := c.Negative.Clone()
	negative[actor] += amount

	return Counter{
		Positive: c.Positive.Clone(),
		Negative: negative,
	}
}

// Merge combines two counters by merging both tally maps independently.
// Inherits commutativity, associativity and idempotence from MergeTallyMaps,
// so replicas converge no matter how merges are ordered or repeated.
func Merge(a, b Counter) Counter {
	return Counter{
		Positive: MergeTallyMaps(a.Positive, b.Positive),
		Negative: MergeTallyMaps(a.Negative, b.Negative),
	}
}
