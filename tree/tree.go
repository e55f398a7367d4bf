// Package tree holds the manager-visible tree structure: the shell built
// and mutated by the iteration driver as split proposals arrive from
// workers. The single-layer split-finder algorithm and the dense node
// data itself live on workers and are out of scope here; the manager only
// tracks the shape of the tree (which nodes are open, which have split,
// what their children are) and each node's label statistics.
package tree

import (
	"github.com/distboost/dgbt/labelstats"
)

// Condition is a split test: exactly one of Threshold (for a numerical
// feature) or Categories (for a categorical feature, interpreted as "value
// is a member of this set") applies.
type Condition struct {
	Feature       int
	IsCategorical bool
	Threshold     float64
	Categories    []int
}

// Split is a candidate (or chosen) split at one open node: a condition, its
// gain, and the label statistics of the two children it would produce.
type Split struct {
	Condition  Condition
	Gain       float64
	LeftStats  labelstats.Stats
	RightStats labelstats.Stats
}

// Valid reports whether s's gain exceeds floor.
func (s *Split) Valid(floor float64) bool {
	return s != nil && s.Gain > floor
}

// Node is one node of a weak model's tree. Left and Right are -1 for
// leaves. Value is only meaningful once the node is a finalized leaf (set
// by Builder.FinalizeLeaves).
type Node struct {
	Depth      int
	Leaf       bool
	Value      float64
	Split      *Split
	Left       int
	Right      int
	Stats      labelstats.Stats
}

// Tree is the finished (or in-progress) structure of one weak model,
// stored breadth-first starting at index 0.
type Tree struct {
	Nodes []Node
}

// NumNodes returns the number of nodes in the tree.
func (t Tree) NumNodes() int { return len(t.Nodes) }
