package tree

import "github.com/distboost/dgbt/labelstats"

// Builder grows one weak model's Tree layer by layer as the iteration
// driver applies merged split proposals. A Builder is exclusively owned
// by the driver for the duration of one boosting iteration; on success its
// Tree is moved into the model and the Builder is discarded.
type Builder struct {
	tree Tree
	open []int
}

// NewBuilder returns a Builder for a fresh tree with a single open root
// node.
func NewBuilder() *Builder {
	b := &Builder{
		tree: Tree{Nodes: []Node{{Leaf: true, Left: -1, Right: -1}}},
		open: []int{0},
	}
	return b
}

// SetRootValue seeds the root node's label statistics, the first step of
// starting a new weak model within an iteration.
func (b *Builder) SetRootValue(stats labelstats.Stats) {
	b.tree.Nodes[0].Stats = stats
}

// NumOpenNodes returns the number of nodes still eligible for splitting at
// the current depth.
func (b *Builder) NumOpenNodes() int { return len(b.open) }

// OpenNodeStats returns the label statistics of each open node, in the
// same order that ApplySplits expects its splits argument.
func (b *Builder) OpenNodeStats() []labelstats.Stats {
	out := make([]labelstats.Stats, len(b.open))
	for i, idx := range b.open {
		out[i] = b.tree.Nodes[idx].Stats
	}
	return out
}

// ApplySplits applies one split per currently open node (splits[i]
// corresponds to the i-th entry of the previous OpenNodeStats/open-node
// order). A nil or sub-floor entry closes that node as a leaf; otherwise
// the node gets two new open children. ApplySplits replaces the builder's
// open-node list with the new layer's.
func (b *Builder) ApplySplits(splits []*Split, floor float64) {
	if len(splits) != len(b.open) {
		panic("tree: ApplySplits called with a split count that does not match the open node count")
	}
	prevOpen := b.open
	var newOpen []int
	for i, nodeIdx := range prevOpen {
		split := splits[i]
		if !split.Valid(floor) {
			continue
		}
		node := &b.tree.Nodes[nodeIdx]
		node.Leaf = false
		node.Split = split

		left := Node{Leaf: true, Left: -1, Right: -1, Depth: node.Depth + 1, Stats: split.LeftStats}
		right := Node{Leaf: true, Left: -1, Right: -1, Depth: node.Depth + 1, Stats: split.RightStats}
		leftIdx := len(b.tree.Nodes)
		b.tree.Nodes = append(b.tree.Nodes, left)
		rightIdx := len(b.tree.Nodes)
		b.tree.Nodes = append(b.tree.Nodes, right)

		// The appends above may have moved the backing array, so node can
		// no longer be written through.
		b.tree.Nodes[nodeIdx].Left, b.tree.Nodes[nodeIdx].Right = leftIdx, rightIdx
		newOpen = append(newOpen, leftIdx, rightIdx)
	}
	b.open = newOpen
}

// FinalizeLeaves computes the predicted value of every leaf node (both
// those closed mid-growth for lack of a valid split, and those still open
// when the depth budget ran out) from the loss's leaf setter.
func (b *Builder) FinalizeLeaves(setLeaf func(labelstats.Stats) float64) {
	for i := range b.tree.Nodes {
		if b.tree.Nodes[i].Leaf {
			b.tree.Nodes[i].Value = setLeaf(b.tree.Nodes[i].Stats)
		}
	}
}

// Tree returns the tree built so far. Callers that have finished growing
// the tree should treat the Builder as consumed.
func (b *Builder) Tree() Tree { return b.tree }
