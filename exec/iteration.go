package exec

import (
	"context"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/tree"
)

// runIteration trains the iterIdx-th boosting iteration: it starts a new
// iteration on every worker, grows each weak model layer by layer through
// the find/apply/evaluate/share protocol, ends the iteration, and moves
// the finished trees into the model. A data-loss error from any emitter
// aborts the iteration; the caller restores the latest checkpoint and
// replays.
func (d *Driver) runIteration(ctx context.Context, iterIdx int) error {
	d.mon.NewIter()

	rootStats, err := d.emitStartNewIter(ctx, iterIdx, d.rng.Int63())
	if err != nil {
		return err
	}
	if len(rootStats) != d.numWeakModels {
		return errors.E(errors.Fatal, "exec: wrong number of root label statistics")
	}

	builders := make([]*tree.Builder, d.numWeakModels)
	for i := range builders {
		builders[i] = tree.NewBuilder()
		builders[i].SetRootValue(rootStats[i])
	}

	for layer := 0; layer < d.cfg.MaxDepth-1; layer++ {
		splits, err := d.emitFindSplits(ctx, builders)
		if err != nil {
			return err
		}

		hasOpenNode := false
		for _, perNode := range splits {
			if tree.NumValidSplits(perNode, d.cfg.MinSplitGain) > 0 {
				hasOpenNode = true
				break
			}
		}
		if !hasOpenNode {
			break
		}

		for i, b := range builders {
			b.ApplySplits(splits[i], d.cfg.MinSplitGain)
		}

		activeWorkers, err := d.emitEvaluateSplits(ctx, splits)
		if err != nil {
			return err
		}
		if err := d.emitShareSplits(ctx, splits, activeWorkers); err != nil {
			return err
		}
	}

	eval, err := d.emitEndIter(ctx, iterIdx)
	if err != nil {
		return err
	}

	trees := make([]tree.Tree, len(builders))
	for i, b := range builders {
		b.FinalizeLeaves(func(stats labelstats.Stats) float64 {
			return d.cfg.Shrinkage * d.loss.SetLeaf(stats)
		})
		trees[i] = b.Tree()
	}
	if err := d.m.AppendIteration(trees, eval.loss, eval.metrics); err != nil {
		return err
	}

	if d.mon.ShouldDisplayLogs() {
		log.Printf("exec: %s", d.trainingSummary())
	}

	if d.cfg.LogDirectory != "" && d.cfg.LogExportIntervalTrees > 0 &&
		(iterIdx+1)%d.cfg.LogExportIntervalTrees == 0 {
		if err := ExportTrainingLogs(d.m, d.cfg.LogDirectory); err != nil {
			return err
		}
	}
	return nil
}

// evaluation is the training loss and secondary metrics collected from
// the worker in charge of evaluation at the end of an iteration.
type evaluation struct {
	loss    float64
	metrics []float64
}

// numSampledFeatures returns how many candidate features each open node
// considers: the absolute override if set, else the ceil of the ratio
// times the feature count, else every feature.
func (d *Driver) numSampledFeatures() int {
	numFeatures := len(d.cfg.FeatureColumns)
	if n := d.cfg.NumCandidateAttributes; n > 0 {
		if n > numFeatures {
			return numFeatures
		}
		return n
	}
	if r := d.cfg.NumCandidateAttributesRatio; r > 0 {
		return int(math.Ceil(r * float64(numFeatures)))
	}
	return numFeatures
}

// sampleFeatures samples n features without replacement by
// shuffle-and-truncate.
func (d *Driver) sampleFeatures(n int) []int {
	features := d.cfg.FeatureColumns
	if n >= len(features) {
		out := make([]int, len(features))
		copy(out, features)
		return out
	}
	shuffled := make([]int, len(features))
	copy(shuffled, features)
	d.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// selectOwnerWorker picks the worker that should process feature,
// uniformly at random when the feature is replicated on several workers.
func (d *Driver) selectOwnerWorker(feature int) (int, error) {
	owners := d.owners.Owners(feature)
	switch len(owners) {
	case 0:
		return 0, errors.E(errors.Fatal, "exec: no owning worker for feature")
	case 1:
		return owners[0], nil
	default:
		return owners[d.rng.Intn(len(owners))], nil
	}
}

// sampleInputFeatures draws the candidate features of every (weak model,
// open node) pair and groups them by the worker that will search them:
// the result is indexed [workerIdx][weakModelIdx][openNodeIdx][]feature.
func (d *Driver) sampleInputFeatures(builders []*tree.Builder) ([][][][]int, error) {
	numWorkers := d.manager.NumWorkers()
	numSampled := d.numSampledFeatures()

	samples := make([][][][]int, numWorkers)
	for w := range samples {
		samples[w] = make([][][]int, len(builders))
		for i, b := range builders {
			samples[w][i] = make([][]int, b.NumOpenNodes())
		}
	}

	for i, b := range builders {
		for node := 0; node < b.NumOpenNodes(); node++ {
			for _, feature := range d.sampleFeatures(numSampled) {
				if d.cfg.ReplicateFeatures {
					for w := 0; w < numWorkers; w++ {
						samples[w][i][node] = append(samples[w][i][node], feature)
					}
					continue
				}
				w, err := d.selectOwnerWorker(feature)
				if err != nil {
					return nil, err
				}
				samples[w][i][node] = append(samples[w][i][node], feature)
			}
		}
	}
	return samples, nil
}

// groupSplitsByOwner assigns each chosen valid split to one owning worker
// and returns, per worker, the splits it must evaluate in the same
// [weakModelIdx][openNodeIdx] shape as splits, with nil entries for
// splits owned elsewhere. The keys of the result are the layer's active
// workers.
func (d *Driver) groupSplitsByOwner(splits [][]*tree.Split) (map[int][][]*tree.Split, error) {
	perWorker := make(map[int][][]*tree.Split)
	for i, perNode := range splits {
		for node, split := range perNode {
			if !split.Valid(d.cfg.MinSplitGain) {
				continue
			}
			w, err := d.selectOwnerWorker(split.Condition.Feature)
			if err != nil {
				return nil, err
			}
			assigned := perWorker[w]
			if assigned == nil {
				assigned = make([][]*tree.Split, len(splits))
				for j, nodes := range splits {
					assigned[j] = make([]*tree.Split, len(nodes))
				}
				perWorker[w] = assigned
			}
			assigned[i][node] = split
		}
	}
	return perWorker, nil
}
