package resolver

import (
	"testing"

	"github.com/cellarsync/cellarsync/crdt"
	"github.com/cellarsync/cellarsync/document"
	"github.com/stretchr/testify/require"
)

func TestResolve_DelegatesPlainFieldsToDefaultPolicy(t *testing.T) {
	local := &Candidate{
		Rev: "3-aaaa",
		Fields: document.ApplyIncrement(
			document.Fields{"name": document.PlainField("local cellar")},
			"bottles", "node1", 2),
	}
	remote := &Candidate{
		Rev: "2-bbbb",
		Fields: document.ApplyIncrement(
			document.Fields{"name": document.PlainField("remote cellar")},
			"bottles", "node2", 3),
	}

	merged := Resolve(local, remote, LastWriterWins)

	// Plain field tracks the default policy's pick (local has the higher seq).
	require.Equal(t, "local cellar", merged["name"].Value)

	// Counter field follows CRDT merge regardless of the default policy.
	require.Equal(t, int64(5), document.ReadCounter(merged, "bottles"))
	require.Equal(t, crdt.TallyMap{"node1": 2, "node2": 3}, merged["bottles"].Positive)
}

func TestResolve_CounterMergeOverridesDefaultWinner(t *testing.T) {
	base := document.ApplyIncrement(document.Fields{}, "bottles", "A", 5)

	local := &Candidate{Rev: "2-aaaa", Fields: document.ApplyIncrement(base, "bottles", "A", 2)}
	remote := &Candidate{Rev: "2-zzzz", Fields: document.ApplyIncrement(base, "bottles", "B", 3)}

	merged := Resolve(local, remote, LastWriterWins)

	// LWW would have picked remote wholesale and dropped local's +2.
	require.Equal(t, crdt.TallyMap{"A": 7, "B": 3}, merged["bottles"].Positive)
	require.Equal(t, int64(10), document.ReadCounter(merged, "bottles"))
}

func TestResolve_TombstonePassthrough(t *testing.T) {
	live := &Candidate{
		Rev:    "4-cccc",
		Fields: document.ApplyIncrement(document.Fields{}, "bottles", "node1", 9),
	}

	merged := Resolve(live, nil, LastWriterWins)
	require.Equal(t, int64(9), document.ReadCounter(merged, "bottles"), "live side should pass through")

	merged = Resolve(nil, live, LastWriterWins)
	require.Equal(t, int64(9), document.ReadCounter(merged, "bottles"))

	require.Nil(t, Resolve(nil, nil, LastWriterWins))
}

func TestResolve_MalformedCounterSideTreatedAsEmpty(t *testing.T) {
	local := &Candidate{
		Rev: "2-aaaa",
		// Counter-tagged but missing both tally maps.
		Fields: document.Fields{"bottles": {Type: document.TypeCounter, Count: 99}},
	}
	remote := &Candidate{
		Rev:    "2-bbbb",
		Fields: document.ApplyIncrement(document.Fields{}, "bottles", "node2", 6),
	}

	merged := Resolve(local, remote, LastWriterWins)

	require.Equal(t, int64(6), document.ReadCounter(merged, "bottles"), "malformed side must act as an empty counter")
	require.Equal(t, crdt.TallyMap{"node2": 6}, merged["bottles"].Positive)
}

func TestResolve_CounterOnOneSideOnly(t *testing.T) {
	local := &Candidate{Rev: "1-aaaa", Fields: document.Fields{"bottles": document.PlainField("n/a")}}
	remote := &Candidate{
		Rev:    "1-bbbb",
		Fields: document.ApplyDecrement(document.ApplyIncrement(document.Fields{}, "bottles", "node2", 4), "bottles", "node2", 1),
	}

	merged := Resolve(local, remote, LastWriterWins)

	require.True(t, merged["bottles"].IsCounter(), "counter tag on either side wins over plain")
	require.Equal(t, int64(3), document.ReadCounter(merged, "bottles"))
}

func TestResolve_CommutativeAcrossReplicas(t *testing.T) {
	base := document.ApplyIncrement(document.Fields{}, "bottles", "A", 5)

	a := &Candidate{Rev: "2-aaaa", Fields: document.ApplyIncrement(base, "bottles", "A", 2)}
	b := &Candidate{Rev: "2-bbbb", Fields: document.ApplyDecrement(base, "bottles", "B", 1)}

	forward := Resolve(a, b, LastWriterWins)
	backward := Resolve(b, a, LastWriterWins)

	require.Equal(t, forward["bottles"], backward["bottles"], "counter merge must not depend on argument order")
	require.Equal(t, int64(6), document.ReadCounter(forward, "bottles"))
}

func TestResolve_Idempotent(t *testing.T) {
	base := document.ApplyIncrement(document.Fields{}, "bottles", "A", 5)

	a := &Candidate{Rev: "2-aaaa", Fields: document.ApplyIncrement(base, "bottles", "A", 2)}
	b := &Candidate{Rev: "2-bbbb", Fields: document.ApplyIncrement(base, "bottles", "B", 3)}

	once := Resolve(a, b, LastWriterWins)
	again := Resolve(&Candidate{Rev: "3-cccc", Fields: once}, b, LastWriterWins)

	require.Equal(t, once["bottles"], again["bottles"], "re-resolving the same pair must not change the counter")
}

func TestLastWriterWins_HigherSeqWins(t *testing.T) {
	local := &Candidate{Rev: "5-aaaa", Fields: document.Fields{"name": document.PlainField("newer")}}
	remote := &Candidate{Rev: "3-ffff", Fields: document.Fields{"name": document.PlainField("older")}}

	require.Equal(t, "newer", LastWriterWins(local, remote)["name"].Value)
	require.Equal(t, "newer", LastWriterWins(remote, local)["name"].Value, "winner must not depend on argument order")
}

func TestLastWriterWins_TieBreaksOnRevToken(t *testing.T) {
	a := &Candidate{Rev: "2-aaaa", Fields: document.Fields{"name": document.PlainField("a")}}
	b := &Candidate{Rev: "2-bbbb", Fields: document.Fields{"name": document.PlainField("b")}}

	require.Equal(t, "b", LastWriterWins(a, b)["name"].Value)
	require.Equal(t, "b", LastWriterWins(b, a)["name"].Value, "tie-break must be symmetric")
}
