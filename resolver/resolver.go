// Package resolver merges divergent revisions of one document. Counter
// fields merge under CRDT rules; everything else follows a default policy
// supplied by the caller. Resolution is a total function: it never fails,
// since a failing resolver would stall replication indefinitely.
package resolver

import (
	"github.com/cellarsync/cellarsync/crdt"
	"github.com/cellarsync/cellarsync/document"
	"github.com/cellarsync/cellarsync/store"
)

type (
	// Candidate is one side of a conflict: a document revision that evolved
	// independently of the other side. A nil *Candidate marks a tombstone
	// (the document was deleted on that replica).
	Candidate struct {
		Rev    string
		Fields document.Fields
	}

	// DefaultResolve produces the baseline merged fields for non-CRDT
	// content. The resolver overwrites counter fields on top of its output.
	DefaultResolve func(local, remote *Candidate) document.Fields
)

// LastWriterWins picks the side with the higher revision sequence, breaking
// ties on the revision token itself so both replicas pick the same winner.
func LastWriterWins(local, remote *Candidate) document.Fields {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return remote.Fields.Clone()
	case remote == nil:
		return local.Fields.Clone()
	}

	localSeq, remoteSeq := store.RevSeq(local.Rev), store.RevSeq(remote.Rev)
	if remoteSeq > localSeq || (remoteSeq == localSeq && remote.Rev > local.Rev) {
		return remote.Fields.Clone()
	}
	return local.Fields.Clone()
}

// Resolve merges two divergent revisions into one set of fields. The default
// policy runs first and owns every plain field; any field that either side
// tags as a counter is then overwritten with the CRDT merge of both sides'
// tallies, since the default policy would otherwise pick one side and lose
// the other's updates.
//
// When either side is a tombstone the baseline passes through unmodified:
// CRDT merge only applies between two live documents.
func Resolve(local, remote *Candidate, def DefaultResolve) document.Fields {
	baseline := def(local, remote)

	if local == nil || remote == nil {
		return baseline
	}

	merged := baseline.Clone()
	for key := range unionKeys(local.Fields, remote.Fields) {
		localField, remoteField := local.Fields[key], remote.Fields[key]
		if !localField.IsCounter() && !remoteField.IsCounter() {
			continue
		}

		// A missing or malformed side extracts as an empty counter.
		merged[key] = document.CounterField(crdt.Merge(localField.Counter(), remoteField.Counter()))
	}
	return merged
}

func unionKeys(a, b document.Fields) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		keys[key] = struct{}{}
	}
	for key := range b {
		keys[key] = struct{}{}
	}
	return keys
}
