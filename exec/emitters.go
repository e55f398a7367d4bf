package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/monitor"
	"github.com/distboost/dgbt/protocol"
	"github.com/distboost/dgbt/tree"
)

// Every emitter below has one of three shapes. Broadcast/ack sends to
// every worker and drains one reply per worker; the restart-iter signal in
// any reply is contagious: the remaining replies are drained and a
// data-loss error returned. Single-worker queries round-robin over the
// pool and block for one reply. The third shape, sharded dispatch, lives
// with the checkpoint store, the only caller that needs it.

func unexpectedReply(want string, reply protocol.Reply) error {
	return errors.E(errors.Fatal, fmt.Sprintf("exec: unexpected reply %T, expecting %s", reply, want))
}

func (d *Driver) drainReplies(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := d.manager.NextReply(ctx); err != nil {
			return errors.E(errors.Fatal, err, "exec: draining replies")
		}
	}
	return nil
}

// collectReplies drains exactly n replies, passing each to visit.
func (d *Driver) collectReplies(ctx context.Context, n int, visit func(protocol.Reply) error) error {
	for i := 0; i < n; i++ {
		reply, err := d.manager.NextReply(ctx)
		if err != nil {
			return errors.E(errors.Fatal, err, "exec: waiting for a worker reply")
		}
		if reply.Header().RestartIter {
			if err := d.drainReplies(ctx, n-i-1); err != nil {
				return err
			}
			return fmt.Errorf("exec: worker %d requested an iteration restart: %w",
				reply.Header().WorkerIdx, dgbt.ErrDataLoss)
		}
		if visit != nil {
			if err := visit(reply); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitStartTraining asks every worker to load its dataset cache shards.
// Loading dominates setup time, so progress is logged once per minute
// until the last worker acknowledges.
func (d *Driver) emitStartTraining(ctx context.Context) error {
	d.mon.BeginStage(monitor.StageStartTraining)
	defer d.mon.EndStage(monitor.StageStartTraining)

	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, protocol.StartTrainingRequest{})
	}
	begin := time.Now()
	lastLog := begin
	for i := 0; i < numWorkers; i++ {
		reply, err := d.manager.NextReply(ctx)
		if err != nil {
			return errors.E(errors.Fatal, err, "exec: waiting for a worker to load its cache")
		}
		if _, ok := reply.(protocol.StartTrainingReply); !ok {
			return unexpectedReply("StartTraining", reply)
		}
		if time.Since(lastLog) >= time.Minute {
			lastLog = time.Now()
			log.Printf("exec: loading dataset in workers %d / %d [duration: %s]",
				i+1, numWorkers, time.Since(begin))
		}
	}
	log.Printf("exec: workers ready to train in %s", time.Since(begin))
	return nil
}

// emitGetLabelStatistics queries one worker (round-robin over the pool)
// for the label's root sufficient statistics.
func (d *Driver) emitGetLabelStatistics(ctx context.Context) (labelstats.Stats, error) {
	d.mon.BeginStage(monitor.StageGetLabelStatistics)
	defer d.mon.EndStage(monitor.StageGetLabelStatistics)

	workerIdx := d.nextQueryWorker % d.manager.NumWorkers()
	d.nextQueryWorker++
	reply, err := d.manager.BlockingRequest(ctx, workerIdx, protocol.GetLabelStatisticsRequest{})
	if err != nil {
		return labelstats.Stats{}, errors.E(errors.Fatal, err, "exec: GetLabelStatistics failed")
	}
	result, ok := reply.(protocol.GetLabelStatisticsReply)
	if !ok {
		return labelstats.Stats{}, unexpectedReply("GetLabelStatistics", reply)
	}
	return result.LabelStatistics, nil
}

// emitSetInitialPredictions broadcasts the model's bias term(s) to every
// worker.
func (d *Driver) emitSetInitialPredictions(ctx context.Context, preds []float64) error {
	d.mon.BeginStage(monitor.StageSetInitialPredictions)
	defer d.mon.EndStage(monitor.StageSetInitialPredictions)

	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, protocol.SetInitialPredictionsRequest{InitialPredictions: preds})
	}
	return d.collectReplies(ctx, numWorkers, func(reply protocol.Reply) error {
		if _, ok := reply.(protocol.SetInitialPredictionsReply); !ok {
			return unexpectedReply("SetInitialPredictions", reply)
		}
		return nil
	})
}

// emitStartNewIter begins iteration iterIdx on every worker and returns
// the per-weak-model root label statistics from the first reply; the
// remaining replies carry identical statistics and are only drained.
func (d *Driver) emitStartNewIter(ctx context.Context, iterIdx int, seed int64) ([]labelstats.Stats, error) {
	d.mon.BeginStage(monitor.StageStartNewIter)
	defer d.mon.EndStage(monitor.StageStartNewIter)

	req := protocol.StartNewIterRequest{
		IterIdx: iterIdx,
		IterUID: uuid.New().String(),
		Seed:    seed,
	}
	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, req)
	}

	var rootStats []labelstats.Stats
	err := d.collectReplies(ctx, numWorkers, func(reply protocol.Reply) error {
		result, ok := reply.(protocol.StartNewIterReply)
		if !ok {
			return unexpectedReply("StartNewIter", reply)
		}
		if rootStats == nil {
			rootStats = result.RootLabelStatistics
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rootStats, nil
}

// emitFindSplits samples candidate features for every (weak model, open
// node) pair, sends each worker the feature lists it owns, and merges the
// returned split proposals by best gain per node.
func (d *Driver) emitFindSplits(ctx context.Context, builders []*tree.Builder) ([][]*tree.Split, error) {
	d.mon.BeginStage(monitor.StageFindSplits)
	defer d.mon.EndStage(monitor.StageFindSplits)
	begin := time.Now()

	samples, err := d.sampleInputFeatures(builders)
	if err != nil {
		return nil, err
	}

	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, protocol.FindSplitsRequest{FeaturesPerWeakModel: samples[w]})
	}

	merged := make([][]*tree.Split, len(builders))
	best := make([][]tree.Candidate, len(builders))
	for i, b := range builders {
		merged[i] = make([]*tree.Split, b.NumOpenNodes())
		best[i] = make([]tree.Candidate, b.NumOpenNodes())
	}

	err = d.collectReplies(ctx, numWorkers, func(reply protocol.Reply) error {
		result, ok := reply.(protocol.FindSplitsReply)
		if !ok {
			return unexpectedReply("FindSplits", reply)
		}
		d.mon.RecordFindSplitsReply(result.WorkerIdx, time.Since(begin))
		if len(result.SplitsPerWeakModel) != len(builders) {
			return errors.E(errors.Fatal, "exec: wrong number of weak model splits")
		}
		for i, perNode := range result.SplitsPerWeakModel {
			if len(perNode) != len(best[i]) {
				return errors.E(errors.Fatal, "exec: wrong number of open node splits")
			}
			for node, split := range perNode {
				best[i][node] = tree.MergeBest(best[i][node],
					tree.Candidate{Split: split, WorkerIdx: result.WorkerIdx})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range best {
		for node := range best[i] {
			merged[i][node] = best[i][node].Split
		}
	}
	return merged, nil
}

// emitEvaluateSplits sends each chosen split to one owning worker for
// evaluation and returns the sorted indexes of the layer's active
// workers.
func (d *Driver) emitEvaluateSplits(ctx context.Context, splits [][]*tree.Split) ([]int, error) {
	d.mon.BeginStage(monitor.StageEvaluateSplits)
	defer d.mon.EndStage(monitor.StageEvaluateSplits)

	perWorker, err := d.groupSplitsByOwner(splits)
	if err != nil {
		return nil, err
	}
	activeWorkers := make([]int, 0, len(perWorker))
	for w := range perWorker {
		activeWorkers = append(activeWorkers, w)
	}
	sort.Ints(activeWorkers)

	for _, w := range activeWorkers {
		d.manager.AsyncRequest(ctx, w, protocol.EvaluateSplitsRequest{SplitsPerWeakModel: perWorker[w]})
	}
	err = d.collectReplies(ctx, len(activeWorkers), func(reply protocol.Reply) error {
		if _, ok := reply.(protocol.EvaluateSplitsReply); !ok {
			return unexpectedReply("EvaluateSplits", reply)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activeWorkers, nil
}

// emitShareSplits broadcasts the chosen splits and the layer's active
// workers so that non-active workers can update their example-to-node
// mapping from the active workers' evaluations.
func (d *Driver) emitShareSplits(ctx context.Context, splits [][]*tree.Split, activeWorkers []int) error {
	d.mon.BeginStage(monitor.StageShareSplits)
	defer d.mon.EndStage(monitor.StageShareSplits)

	req := protocol.ShareSplitsRequest{
		SplitsPerWeakModel: splits,
		ActiveWorkers:      activeWorkers,
	}
	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, req)
	}
	return d.collectReplies(ctx, numWorkers, func(reply protocol.Reply) error {
		if _, ok := reply.(protocol.ShareSplitsReply); !ok {
			return unexpectedReply("ShareSplits", reply)
		}
		return nil
	})
}

// emitEndIter ends iteration iterIdx on every worker. Worker zero also
// computes the training loss and secondary metrics, returned in the
// collected evaluation.
func (d *Driver) emitEndIter(ctx context.Context, iterIdx int) (evaluation, error) {
	d.mon.BeginStage(monitor.StageEndIter)
	defer d.mon.EndStage(monitor.StageEndIter)

	numWorkers := d.manager.NumWorkers()
	for w := 0; w < numWorkers; w++ {
		d.manager.AsyncRequest(ctx, w, protocol.EndIterRequest{
			IterIdx:             iterIdx,
			ComputeTrainingLoss: w == 0,
		})
	}

	var eval evaluation
	err := d.collectReplies(ctx, numWorkers, func(reply protocol.Reply) error {
		result, ok := reply.(protocol.EndIterReply)
		if !ok {
			return unexpectedReply("EndIter", reply)
		}
		if result.HasTrainingLoss {
			eval.loss = result.TrainingLoss
			eval.metrics = result.TrainingMetrics
		}
		return nil
	})
	if err != nil {
		return evaluation{}, err
	}
	return eval, nil
}
