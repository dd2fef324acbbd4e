package util

import (
	"bytes"

	"github.com/google/btree"
)

// DefaultDegree is the b-tree degree used when callers pass a degree < 2.
const DefaultDegree = 32

// Pair is a single key/value entry kept in a PairTree.
type Pair struct {
	Key   []byte
	Value []byte
}

func lessPair(a, b Pair) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// PairTree is an ordered in-memory set of pairs keyed by Pair.Key.
type PairTree = btree.BTreeG[Pair]

// NewPairTree creates an empty PairTree.
func NewPairTree(degree int) *PairTree {
	if degree < 2 {
		degree = DefaultDegree
	}
	return btree.NewG(degree, lessPair)
}

// TreeSnapshot is a read only db.Snapshot backed by a PairTree that nobody
// else writes to, usually a copy-on-write clone.
type TreeSnapshot struct {
	tree *PairTree
}

// NewTreeSnapshot wraps tree. The caller must not modify tree afterwards.
func NewTreeSnapshot(tree *PairTree) *TreeSnapshot {
	return &TreeSnapshot{tree: tree}
}

func (s *TreeSnapshot) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

func (s *TreeSnapshot) Range(from []byte, fn func(key, value []byte) bool) {
	if s.tree == nil {
		return
	}
	iter := func(p Pair) bool { return fn(p.Key, p.Value) }
	if from == nil {
		s.tree.Ascend(iter)
		return
	}
	s.tree.AscendGreaterOrEqual(Pair{Key: from}, iter)
}

func (s *TreeSnapshot) Release() {
	s.tree = nil
}
