// Package ownership implements the feature-to-worker assignment policy:
// deciding, once per training run, which workers own which vertically
// sharded feature columns.
package ownership

import (
	"fmt"
	"sort"

	"github.com/distboost/dgbt/cache"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// scoreOffset separates the three complexity tiers (boolean, bucketed,
// unbucketed numerical) so that sorting by score descending groups
// expensive features together regardless of their per-column cardinality.
const scoreOffset = int64(1) << 32

// Ownership is the pair of mappings produced by Assign: which features a
// worker owns, and which workers own a given feature. Both are indexed
// densely: WorkerToFeature has one entry per worker (possibly empty), and
// FeatureToWorker is indexed by feature column index (sized to the
// largest feature index seen).
type Ownership struct {
	WorkerToFeature [][]int
	FeatureToWorker [][]int
}

// Owners returns the workers that own feature, or nil if feature is out of
// range or owned by nobody (which Assign never produces for a feature that
// was actually requested).
func (o *Ownership) Owners(feature int) []int {
	if feature < 0 || feature >= len(o.FeatureToWorker) {
		return nil
	}
	return o.FeatureToWorker[feature]
}

// Assign computes feature ownership for features across numWorkers
// workers, balancing the heavier (higher-cardinality) features evenly
// while placing cheap ones uniformly.
//
// The complexity score of a column is: boolean columns score 0;
// categorical and discretized-numerical columns score their value/bucket
// count plus 2^32; non-discretized numerical columns score their unique
// value count plus 2*2^32. Sorting by score descending and assigning
// round-robin over workers means the most expensive features are spread
// first, before the round-robin "wraps" unevenly over cheap ones.
//
// If replicate is true every feature is assigned to every worker; this is
// a debug-only mode that multiplies the data held by each worker by the
// worker count.
func Assign(features []int, numWorkers int, metadata *cache.Metadata, replicate bool) (*Ownership, error) {
	if numWorkers <= 0 {
		return nil, errors.E(errors.Invalid, "ownership: numWorkers must be positive")
	}
	maxFeature := 0
	for _, f := range features {
		if f > maxFeature {
			maxFeature = f
		}
	}

	out := &Ownership{
		WorkerToFeature: make([][]int, numWorkers),
		FeatureToWorker: make([][]int, maxFeature+1),
	}

	if replicate {
		log.Printf("ownership: assigning all %d features to all %d workers (debug mode)", len(features), numWorkers)
		for _, f := range features {
			out.FeatureToWorker[f] = []int{0}
			for w := 0; w < numWorkers; w++ {
				out.WorkerToFeature[w] = append(out.WorkerToFeature[w], f)
				if w > 0 {
					out.FeatureToWorker[f] = append(out.FeatureToWorker[f], w)
				}
			}
		}
		return out, nil
	}

	type scored struct {
		score   int64
		feature int
	}
	scores := make([]scored, 0, len(features))
	for _, f := range features {
		col, ok := metadata.Column(f)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("ownership: no cache metadata for feature %d", f))
		}
		var score int64
		switch col.Type {
		case cache.Boolean:
			score = 0
		case cache.Categorical:
			score = int64(col.NumCategoricalValues) + scoreOffset
		case cache.DiscretizedNumerical:
			score = int64(col.NumDiscretizedValues) + scoreOffset
		case cache.Numerical:
			score = int64(col.NumUniqueValues) + 2*scoreOffset
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("ownership: unknown column type for feature %d", f))
		}
		scores = append(scores, scored{score, f})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].feature < scores[j].feature
	})

	for i, s := range scores {
		worker := i % numWorkers
		out.WorkerToFeature[worker] = append(out.WorkerToFeature[worker], s.feature)
		out.FeatureToWorker[s.feature] = []int{worker}
	}
	return out, nil
}
