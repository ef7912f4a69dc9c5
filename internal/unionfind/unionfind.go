// Package unionfind deduplicates candidate identities from pairwise "same
// entity" judgments.
package unionfind

import (
	"context"
	"sort"
)

// Set is a disjoint-set forest over the integers [0, n).
type Set struct {
	parent []int
}

func New(n int) *Set {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &Set{parent: p}
}

// Find returns the root of x, compressing the path on the way.
func (s *Set) Find(x int) int {
	root := x
	for s.parent[root] != root {
		root = s.parent[root]
	}
	for s.parent[x] != root {
		next := s.parent[x]
		s.parent[x] = root
		x = next
	}
	return root
}

// Union joins the sets of a and b; the root of a's set stays the root.
func (s *Set) Union(a, b int) {
	ra, rb := s.Find(a), s.Find(b)
	if ra != rb {
		s.parent[rb] = ra
	}
}

// Candidate is one not-yet-merged identity.
type Candidate struct {
	ID    string
	Count int
}

// SameFunc judges whether two candidates are the same underlying entity.
type SameFunc func(ctx context.Context, a, b Candidate) (bool, error)

// Group is the outcome for one root: the root keeps its record, Children are
// folded into it.
type Group struct {
	Root     Candidate
	Children []Candidate
}

type Result struct {
	Groups      []Group
	Comparisons int
	// Failed counts comparisons that returned an error; those pairs stay unmerged.
	Failed int
}

// Order returns cands sorted by descending Count. Ties keep input order.
func Order(cands []Candidate) []Candidate {
	order := make([]Candidate, len(cands))
	copy(order, cands)
	sort.SliceStable(order, func(i, j int) bool { return order[i].Count > order[j].Count })
	return order
}

// Cursor is the position of the next comparison in a pass over n ordered
// candidates: outer index I against inner index J.
type Cursor struct{ I, J int }

// Advance returns the first pair at or after c whose members are both still
// roots, and false once no pair is left. live reports whether the candidate at
// an index has not been absorbed.
func Advance(c Cursor, n int, live func(int) bool) (Cursor, bool) {
	if c.J <= c.I {
		c.J = c.I + 1
	}
	for ; c.I < n; c.I, c.J = c.I+1, c.I+2 {
		if !live(c.I) {
			continue
		}
		for ; c.J < n; c.J++ {
			if live(c.J) {
				return c, true
			}
		}
	}
	return c, false
}

// Partition compares candidates largest-first and merges every pair judged the
// same. A candidate absorbed by an earlier one is never compared again, so
// smaller groups fold into well-evidenced ones.
func Partition(ctx context.Context, cands []Candidate, same SameFunc) (Result, error) {
	order := Order(cands)
	set := New(len(order))
	live := func(i int) bool { return set.Find(i) == i }

	var res Result
	for c, ok := Advance(Cursor{}, len(order), live); ok; c, ok = Advance(Cursor{I: c.I, J: c.J + 1}, len(order), live) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res.Comparisons++
		match, err := same(ctx, order[c.I], order[c.J])
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			res.Failed++
			continue
		}
		if match {
			set.Union(c.I, c.J)
		}
	}

	byRoot := make(map[int]int)
	for i := range order {
		r := set.Find(i)
		gi, seen := byRoot[r]
		if !seen {
			gi = len(res.Groups)
			byRoot[r] = gi
			res.Groups = append(res.Groups, Group{Root: order[r]})
		}
		if i != r {
			res.Groups[gi].Children = append(res.Groups[gi].Children, order[i])
		}
	}
	return res, nil
}
