package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/cache"
	"github.com/distboost/dgbt/distribute"
	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/protocol"
	"github.com/distboost/dgbt/tree"
)

// fakeWorker simulates one training worker well enough to drive the full
// manager protocol: it acknowledges lifecycle requests, proposes a split
// for every open node it is asked about, writes real checkpoint shard
// files under the shared work directory, and validates their presence on
// restore. Its training "data" is synthetic: split proposals and losses
// are deterministic functions of the request, which is all the manager
// ever observes.
type fakeWorker struct {
	idx        int
	labelStats labelstats.Stats

	// noSplits makes every FindSplits reply propose nothing, closing all
	// trees as stumps.
	noSplits bool

	mu            sync.Mutex
	welcome       protocol.Welcome
	numWeakModels int
	curIterIdx    int

	// failFindSplitsAtIter, when non-negative, makes the worker signal
	// restart-iter on its first FindSplits reply of that iteration, once.
	failFindSplitsAtIter int

	startNewIterCalls int
	endIterCalls      int
	restoreCalls      int
}

func newFakeWorker(idx int, labelStats labelstats.Stats) *fakeWorker {
	return &fakeWorker{idx: idx, labelStats: labelStats, failFindSplitsAtIter: -1}
}

func (w *fakeWorker) Welcome(_ context.Context, welcome protocol.Welcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.welcome = welcome
	return nil
}

func (w *fakeWorker) header() protocol.ReplyHeader {
	return protocol.ReplyHeader{WorkerIdx: w.idx}
}

func (w *fakeWorker) Handle(_ context.Context, req protocol.Request) (protocol.Reply, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch req := req.(type) {
	case protocol.StartTrainingRequest:
		return protocol.StartTrainingReply{ReplyHeader: w.header()}, nil
	case protocol.GetLabelStatisticsRequest:
		return protocol.GetLabelStatisticsReply{ReplyHeader: w.header(), LabelStatistics: w.labelStats}, nil
	case protocol.SetInitialPredictionsRequest:
		w.numWeakModels = len(req.InitialPredictions)
		return protocol.SetInitialPredictionsReply{ReplyHeader: w.header()}, nil
	case protocol.StartNewIterRequest:
		w.startNewIterCalls++
		w.curIterIdx = req.IterIdx
		rootStats := make([]labelstats.Stats, w.numWeakModels)
		for i := range rootStats {
			rootStats[i] = labelstats.Stats{Count: w.labelStats.Count}
		}
		return protocol.StartNewIterReply{ReplyHeader: w.header(), RootLabelStatistics: rootStats}, nil
	case protocol.FindSplitsRequest:
		return w.handleFindSplits(req), nil
	case protocol.EvaluateSplitsRequest:
		return protocol.EvaluateSplitsReply{ReplyHeader: w.header()}, nil
	case protocol.ShareSplitsRequest:
		return protocol.ShareSplitsReply{ReplyHeader: w.header()}, nil
	case protocol.EndIterRequest:
		w.endIterCalls++
		reply := protocol.EndIterReply{ReplyHeader: w.header()}
		if req.ComputeTrainingLoss {
			reply.HasTrainingLoss = true
			reply.TrainingLoss = 1 / float64(req.IterIdx+2)
			reply.TrainingMetrics = []float64{0.5}
		}
		return reply, nil
	case protocol.CreateCheckpointRequest:
		return w.handleCreateCheckpoint(req)
	case protocol.RestoreCheckpointRequest:
		return w.handleRestoreCheckpoint(req)
	default:
		return nil, fmt.Errorf("fake worker: unhandled request %T", req)
	}
}

func (w *fakeWorker) handleFindSplits(req protocol.FindSplitsRequest) protocol.Reply {
	if w.failFindSplitsAtIter >= 0 && w.curIterIdx == w.failFindSplitsAtIter {
		w.failFindSplitsAtIter = -1
		header := w.header()
		header.RestartIter = true
		return protocol.FindSplitsReply{ReplyHeader: header}
	}
	splits := make([][]*tree.Split, len(req.FeaturesPerWeakModel))
	for i, perNode := range req.FeaturesPerWeakModel {
		splits[i] = make([]*tree.Split, len(perNode))
		if w.noSplits {
			continue
		}
		for node, features := range perNode {
			if len(features) == 0 {
				continue
			}
			half := labelstats.Stats{Count: w.labelStats.Count / 2}
			splits[i][node] = &tree.Split{
				Condition: tree.Condition{Feature: features[0], Threshold: 0.5},
				Gain:      1,
				LeftStats: half, RightStats: half,
			}
		}
	}
	return protocol.FindSplitsReply{ReplyHeader: w.header(), SplitsPerWeakModel: splits}
}

func (w *fakeWorker) handleCreateCheckpoint(req protocol.CreateCheckpointRequest) (protocol.Reply, error) {
	tmp, err := os.CreateTemp(filepath.Join(w.welcome.WorkDirectory, "tmp"), "predictions-*")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tmp, "%d %d\n", req.BeginExampleIdx, req.EndExampleIdx)
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	header := w.header()
	header.RequestID = req.RequestID
	return protocol.CreateCheckpointReply{ReplyHeader: header, ShardIdx: req.ShardIdx, Path: tmp.Name()}, nil
}

func (w *fakeWorker) handleRestoreCheckpoint(req protocol.RestoreCheckpointRequest) (protocol.Reply, error) {
	w.restoreCalls++
	dir := filepath.Join(w.welcome.WorkDirectory, "checkpoint", fmt.Sprintf("%d", req.IterIdx))
	for shard := 0; shard < req.NumShards; shard++ {
		name := fmt.Sprintf("predictions-%05d-of-%05d", shard, req.NumShards)
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("fake worker: missing checkpoint shard %d: %v", shard, err)
		}
	}
	w.numWeakModels = req.NumWeakModels
	return protocol.RestoreCheckpointReply{ReplyHeader: w.header()}, nil
}

// newWorkerPool returns numWorkers fake workers and a local manager over
// them.
func newWorkerPool(numWorkers int, labelStats labelstats.Stats) ([]*fakeWorker, distribute.Manager) {
	fakes := make([]*fakeWorker, numWorkers)
	workers := make([]distribute.Worker, numWorkers)
	for i := range fakes {
		fakes[i] = newFakeWorker(i, labelStats)
		workers[i] = fakes[i]
	}
	return fakes, distribute.NewLocalManager(workers)
}

// writeTestCache lays out a dataset cache directory with numFeatures
// numerical feature columns followed by one label column: numerical for
// regression, categorical with numClasses values otherwise.
func writeTestCache(t *testing.T, numFeatures int, numExamples int64, numClasses int) string {
	t.Helper()
	dir := t.TempDir()
	columns := make([]cache.Column, numFeatures+1)
	for i := 0; i < numFeatures; i++ {
		columns[i] = cache.Column{Type: cache.Numerical, NumUniqueValues: 100 + i}
	}
	label := cache.Column{Type: cache.Numerical, NumUniqueValues: int(numExamples)}
	if numClasses > 0 {
		label = cache.Column{Type: cache.Categorical, NumCategoricalValues: numClasses}
	}
	columns[numFeatures] = label
	if err := cache.Write(dir, &cache.Metadata{Columns: columns, NumExamples: numExamples}); err != nil {
		t.Fatalf("writing cache metadata: %v", err)
	}
	return dir
}

// featureColumns returns [0, numFeatures).
func featureColumns(numFeatures int) []int {
	features := make([]int, numFeatures)
	for i := range features {
		features[i] = i
	}
	return features
}

// testConfig returns a small, valid regression configuration over the
// given features; tests override fields as needed.
func testConfig(numFeatures int) dgbt.Config {
	return dgbt.Config{
		Task:                      dgbt.Regression,
		LabelColumn:               numFeatures,
		FeatureColumns:            featureColumns(numFeatures),
		Shrinkage:                 0.1,
		NumTrees:                  5,
		MaxDepth:                  3,
		MinExamplesPerLeaf:        1,
		CheckpointIntervalTrees:   -1,
		CheckpointIntervalSeconds: -1,
	}
}
