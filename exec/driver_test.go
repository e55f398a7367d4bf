package exec

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
)

func TestTrainRegressionSingleWorker(t *testing.T) {
	cachePath := writeTestCache(t, 2, 100, 0)
	labelStats := labelstats.Stats{Count: 100, Sum: 420, SumSquares: 2000}
	fakes, manager := newWorkerPool(1, labelStats)

	cfg := testConfig(2)
	m, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := len(m.Trees); got != cfg.NumTrees {
		t.Fatalf("model has %d trees, want %d", got, cfg.NumTrees)
	}
	if got := len(m.TrainingLog); got != cfg.NumTrees {
		t.Fatalf("training log has %d entries, want %d", got, cfg.NumTrees)
	}
	for i := 1; i < 3; i++ {
		if m.TrainingLog[i].TrainingLoss >= m.TrainingLog[i-1].TrainingLoss {
			t.Fatalf("training loss did not decrease at iteration %d: %v then %v",
				i, m.TrainingLog[i-1].TrainingLoss, m.TrainingLog[i].TrainingLoss)
		}
	}
	if got := fakes[0].startNewIterCalls; got != cfg.NumTrees {
		t.Fatalf("worker saw %d StartNewIter requests, want %d", got, cfg.NumTrees)
	}
}

func TestTrainBinaryClassificationCheckpointAndResume(t *testing.T) {
	cachePath := writeTestCache(t, 4, 1000, 2)
	labelStats := labelstats.Stats{Count: 1000, Sum: 400}
	_, manager := newWorkerPool(2, labelStats)

	cfg := testConfig(4)
	cfg.Task = dgbt.Classification
	cfg.NumTrees = 50
	cfg.CheckpointIntervalTrees = 10

	d, err := NewDriver(cfg, dgbt.Dataset{CachePath: cachePath}, manager, Options{WorkDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	m, err := d.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := len(m.Trees); got != 50 {
		t.Fatalf("model has %d trees, want 50", got)
	}

	snapshots, err := os.ReadDir(filepath.Join(d.WorkDirectory(), "checkpoint", "snapshot"))
	if err != nil {
		t.Fatalf("listing snapshots: %v", err)
	}
	if got := len(snapshots); got != 5 {
		t.Fatalf("found %d snapshot markers, want 5", got)
	}

	// A fresh pool has lost all worker state; resuming from the same work
	// directory must restore the final checkpoint and add no iterations.
	resumed, resumedManager := newWorkerPool(2, labelStats)
	cfg.Resume = true
	rd, err := NewDriver(cfg, dgbt.Dataset{CachePath: cachePath}, resumedManager,
		Options{WorkDirectory: d.WorkDirectory()})
	if err != nil {
		t.Fatalf("NewDriver (resume): %v", err)
	}
	rm, err := rd.Train(context.Background())
	if err != nil {
		t.Fatalf("Train (resume): %v", err)
	}
	if got := len(rm.Trees); got != 50 {
		t.Fatalf("resumed model has %d trees, want 50", got)
	}
	for _, w := range resumed {
		if w.startNewIterCalls != 0 {
			t.Fatalf("resumed worker %d trained %d iterations, want 0", w.idx, w.startNewIterCalls)
		}
		if w.restoreCalls != 1 {
			t.Fatalf("resumed worker %d saw %d RestoreCheckpoint requests, want 1", w.idx, w.restoreCalls)
		}
	}
}

func TestTrainMulticlass(t *testing.T) {
	cachePath := writeTestCache(t, 3, 300, 3)
	labelStats := labelstats.Stats{Count: 300, ClassSums: []float64{100, 100, 100}}
	_, manager := newWorkerPool(3, labelStats)

	cfg := testConfig(3)
	cfg.Task = dgbt.Classification
	cfg.NumTrees = 4

	m, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.NumTreesPerIter != 3 {
		t.Fatalf("NumTreesPerIter = %d, want 3", m.NumTreesPerIter)
	}
	if got := len(m.Trees); got != 3*cfg.NumTrees {
		t.Fatalf("model has %d trees, want %d", got, 3*cfg.NumTrees)
	}
}

func TestTrainDataLossRestoresCheckpoint(t *testing.T) {
	cachePath := writeTestCache(t, 4, 500, 0)
	labelStats := labelstats.Stats{Count: 500, Sum: 100}
	fakes, manager := newWorkerPool(2, labelStats)

	cfg := testConfig(4)
	cfg.NumTrees = 10
	cfg.CheckpointIntervalTrees = 5
	fakes[1].failFindSplitsAtIter = 7

	m, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := len(m.Trees); got != cfg.NumTrees {
		t.Fatalf("model has %d trees, want %d", got, cfg.NumTrees)
	}
	for _, w := range fakes {
		if w.restoreCalls != 1 {
			t.Fatalf("worker %d saw %d RestoreCheckpoint requests, want 1", w.idx, w.restoreCalls)
		}
	}
	// Iterations 5, 6 and 7 started twice: once before the data loss at 7,
	// once replaying from the checkpoint at 5.
	if got := fakes[0].startNewIterCalls; got != cfg.NumTrees+3 {
		t.Fatalf("worker 0 saw %d StartNewIter requests, want %d", got, cfg.NumTrees+3)
	}
}

func TestTrainDataLossWithoutCheckpointFails(t *testing.T) {
	cachePath := writeTestCache(t, 2, 100, 0)
	fakes, manager := newWorkerPool(2, labelstats.Stats{Count: 100})

	cfg := testConfig(2)
	fakes[0].failFindSplitsAtIter = 0

	_, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()})
	if err == nil {
		t.Fatal("Train succeeded, want a fatal error: no checkpoint to restore from")
	}
	if got := errors.Recover(err).Severity; got != errors.Fatal {
		t.Fatalf("Train error severity = %v, want a fatal error", got)
	}
}

func TestTrainInMemoryDatasetRejected(t *testing.T) {
	_, manager := newWorkerPool(1, labelstats.Stats{Count: 1})
	workDir := t.TempDir()

	_, err := Train(context.Background(), testConfig(2), dgbt.Dataset{InMemory: true}, manager,
		Options{WorkDirectory: workDir})
	if !errors.Is(errors.NotAllowed, err) {
		t.Fatalf("Train error = %v, want NotAllowed", err)
	}
	entries, readErr := os.ReadDir(workDir)
	if readErr != nil {
		t.Fatalf("listing work directory: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected training wrote %d entries to the work directory", len(entries))
	}
}

func TestTrainEmptyCachePathRejected(t *testing.T) {
	_, manager := newWorkerPool(1, labelstats.Stats{Count: 1})

	_, err := Train(context.Background(), testConfig(2), dgbt.Dataset{}, manager,
		Options{WorkDirectory: t.TempDir()})
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("Train error = %v, want Invalid", err)
	}
}

func TestIterationWithoutValidSplitsStillAppendsTrees(t *testing.T) {
	cachePath := writeTestCache(t, 2, 100, 0)
	fakes, manager := newWorkerPool(1, labelstats.Stats{Count: 100, Sum: 10})
	fakes[0].noSplits = true

	cfg := testConfig(2)
	cfg.NumTrees = 3

	m, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := len(m.Trees); got != cfg.NumTrees {
		t.Fatalf("model has %d trees, want %d stumps", got, cfg.NumTrees)
	}
	for i, tr := range m.Trees {
		if tr.NumNodes() != 1 {
			t.Fatalf("tree %d has %d nodes, want a stump", i, tr.NumNodes())
		}
	}
	if got := fakes[0].endIterCalls; got != cfg.NumTrees {
		t.Fatalf("worker saw %d EndIter requests, want %d", got, cfg.NumTrees)
	}
}

func TestTrainExportsTrainingLogs(t *testing.T) {
	cachePath := writeTestCache(t, 2, 100, 0)
	_, manager := newWorkerPool(1, labelstats.Stats{Count: 100, Sum: 10})

	cfg := testConfig(2)
	cfg.LogDirectory = t.TempDir()
	cfg.LogExportIntervalTrees = 2

	if _, err := Train(context.Background(), cfg, dgbt.Dataset{CachePath: cachePath}, manager,
		Options{WorkDirectory: t.TempDir()}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	f, err := os.Open(filepath.Join(cfg.LogDirectory, trainingLogsFileName))
	if err != nil {
		t.Fatalf("opening exported logs: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != cfg.NumTrees {
		t.Fatalf("exported %d log lines, want %d", lines, cfg.NumTrees)
	}
}

func TestShouldCheckpoint(t *testing.T) {
	d := &Driver{cfg: testConfig(2)}
	d.cfg.CheckpointIntervalTrees = 10
	for _, tc := range []struct {
		iter int
		want bool
	}{{0, true}, {1, false}, {9, false}, {10, true}, {25, false}, {40, true}} {
		if got := d.shouldCheckpoint(tc.iter); got != tc.want {
			t.Errorf("shouldCheckpoint(%d) = %v, want %v", tc.iter, got, tc.want)
		}
	}
}

func TestNumSampledFeatures(t *testing.T) {
	d := &Driver{cfg: testConfig(8)}
	if got := d.numSampledFeatures(); got != 8 {
		t.Errorf("default sampling = %d features, want all 8", got)
	}
	d.cfg.NumCandidateAttributes = 3
	if got := d.numSampledFeatures(); got != 3 {
		t.Errorf("absolute sampling = %d features, want 3", got)
	}
	d.cfg.NumCandidateAttributes = 0
	d.cfg.NumCandidateAttributesRatio = 0.5
	if got := d.numSampledFeatures(); got != 4 {
		t.Errorf("ratio sampling = %d features, want 4", got)
	}
}
