package unionfind

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTransitiveClosure(t *testing.T) {
	s := New(4)
	s.Union(0, 1)
	s.Union(1, 2)

	assert.Equal(t, s.Find(0), s.Find(2))
	assert.NotEqual(t, s.Find(0), s.Find(3))
	assert.Equal(t, 0, s.Find(2), "first argument's root stays root")
}

// truth judges candidates by a hidden identity, which makes the judgments an
// equivalence relation.
func truth(identity map[string]string) SameFunc {
	return func(_ context.Context, a, b Candidate) (bool, error) {
		return identity[a.ID] == identity[b.ID], nil
	}
}

func partitionOf(res Result) [][]string {
	var out [][]string
	for _, g := range res.Groups {
		ids := []string{g.Root.ID}
		for _, c := range g.Children {
			ids = append(ids, c.ID)
		}
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func TestPartitionMergesWithoutDirectComparison(t *testing.T) {
	// A~B and B~C are judged same; A-C would say "no" if asked directly.
	pairs := map[[2]string]bool{{"A", "B"}: true, {"B", "C"}: true}
	var asked [][2]string
	same := func(_ context.Context, a, b Candidate) (bool, error) {
		asked = append(asked, [2]string{a.ID, b.ID})
		return pairs[[2]string{a.ID, b.ID}] || pairs[[2]string{b.ID, a.ID}], nil
	}

	res, err := Partition(context.Background(), []Candidate{{"B", 9}, {"A", 5}, {"C", 1}}, same)
	require.NoError(t, err)

	// B is largest so it anchors, absorbing A and C; A is never compared to C.
	assert.Equal(t, [][]string{{"A", "B", "C"}}, partitionOf(res))
	assert.Equal(t, "B", res.Groups[0].Root.ID)
	assert.NotContains(t, asked, [2]string{"A", "C"})
}

func TestPartitionLargestFirstAnchors(t *testing.T) {
	cands := []Candidate{{"small", 2}, {"big", 40}, {"mid", 10}}
	res, err := Partition(context.Background(), cands, func(context.Context, Candidate, Candidate) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "big", res.Groups[0].Root.ID)
	assert.Equal(t, []Candidate{{"mid", 10}, {"small", 2}}, res.Groups[0].Children)
	assert.Equal(t, 2, res.Comparisons)
}

func TestPartitionTieKeepsInputOrder(t *testing.T) {
	res, err := Partition(context.Background(), []Candidate{{"x", 3}, {"y", 3}}, func(context.Context, Candidate, Candidate) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Groups[0].Root.ID)
}

func TestPartitionMatchesHiddenIdentityInAnyOrder(t *testing.T) {
	identity := map[string]string{
		"a1": "alice", "a2": "alice", "a3": "alice",
		"b1": "bob", "b2": "bob",
		"c1": "carol",
	}
	want := [][]string{{"a1", "a2", "a3"}, {"b1", "b2"}, {"c1"}}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		var cands []Candidate
		for id := range identity {
			cands = append(cands, Candidate{ID: id, Count: rng.Intn(5)})
		}
		rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

		res, err := Partition(context.Background(), cands, truth(identity))
		require.NoError(t, err)
		assert.Equal(t, want, partitionOf(res))
	}
}

func TestPartitionFailedComparisonLeavesPairApart(t *testing.T) {
	res, err := Partition(context.Background(), []Candidate{{"a", 2}, {"b", 1}}, func(context.Context, Candidate, Candidate) (bool, error) {
		return false, errors.New("402 payment required")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Groups, 2)
}

func TestPartitionStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Partition(ctx, []Candidate{{"a", 1}, {"b", 1}}, truth(nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPartitionEmpty(t *testing.T) {
	res, err := Partition(context.Background(), nil, truth(nil))
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
}

func TestAdvanceSkipsAbsorbedCandidates(t *testing.T) {
	absorbed := map[int]bool{1: true, 3: true}
	live := func(i int) bool { return !absorbed[i] }

	var pairs []Cursor
	for c, ok := Advance(Cursor{}, 5, live); ok; c, ok = Advance(Cursor{I: c.I, J: c.J + 1}, 5, live) {
		pairs = append(pairs, c)
	}
	assert.Equal(t, []Cursor{{0, 2}, {0, 4}, {2, 4}}, pairs)

	c, ok := Advance(Cursor{I: 2, J: 5}, 5, live)
	assert.False(t, ok)
	assert.Equal(t, 5, c.I)
}

// Stopping after every comparison and resuming from the cursor with the
// absorbed set rebuilt gives the same pairs as one uninterrupted pass.
func TestAdvanceResumesFromCursor(t *testing.T) {
	identity := map[string]string{"a": "x", "b": "y", "c": "x", "d": "y", "e": "z"}
	order := Order([]Candidate{{"a", 1}, {"b", 4}, {"c", 4}, {"d", 2}, {"e", 3}})
	require.Equal(t, "b", order[0].ID)

	full, err := Partition(context.Background(), order, truth(identity))
	require.NoError(t, err)

	absorbed := map[int]bool{}
	live := func(i int) bool { return !absorbed[i] }
	cursor, compared := Cursor{}, 0
	for {
		c, ok := Advance(cursor, len(order), live)
		if !ok {
			break
		}
		compared++
		if identity[order[c.I].ID] == identity[order[c.J].ID] {
			absorbed[c.J] = true
		}
		cursor = Cursor{I: c.I, J: c.J + 1}
	}
	assert.Equal(t, full.Comparisons, compared)
	assert.Len(t, absorbed, len(order)-len(full.Groups))
}
