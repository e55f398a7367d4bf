package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/cache"
	"github.com/distboost/dgbt/checkpoint"
	"github.com/distboost/dgbt/distribute"
	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/model"
	"github.com/distboost/dgbt/monitor"
	"github.com/distboost/dgbt/objective"
	"github.com/distboost/dgbt/ownership"
	"github.com/distboost/dgbt/protocol"
)

// Options configures the parts of a training run that live outside
// dgbt.Config: where the run's files go and how the dataset cache is
// produced.
type Options struct {
	// WorkDirectory is the parent under which a fresh run creates its
	// uniquely-named work directory, or, when cfg.Resume is set, the work
	// directory of the run being resumed.
	WorkDirectory string

	// BuildCache converts dataset into an on-disk cache and returns its
	// path, using scratch for intermediate files. A nil BuildCache means
	// dataset.CachePath already names a built cache.
	BuildCache func(ctx context.Context, dataset dgbt.Dataset, scratch string) (string, error)

	// Verbose enables per-stage logging in addition to the periodic
	// training summaries.
	Verbose bool
}

// Driver owns the mutable state of one training run: the resolved work
// directory, the random engine, the monitoring counters, and the growing
// model. A Driver is used by a single goroutine; parallelism comes from
// the many in-flight worker requests behind the distribute.Manager, never
// from the Driver itself.
type Driver struct {
	cfg     dgbt.Config
	dataset dgbt.Dataset
	manager distribute.Manager
	opts    Options

	workDirectory string
	cachePath     string
	store         *checkpoint.Store
	mon           *monitor.Monitor
	metadata      *cache.Metadata
	owners        *ownership.Ownership
	loss          objective.Loss
	rng           *rand.Rand

	m             *model.Model
	labelStats    labelstats.Stats
	numWeakModels int

	// nextQueryWorker round-robins single-worker queries over the pool.
	nextQueryWorker int

	startIter int

	// minCheckpointIter keeps a freshly restored run from immediately
	// rewriting the checkpoint it restored, and a fresh run from writing
	// an empty checkpoint before its first iteration.
	minCheckpointIter  int
	lastCheckpointIter int
	lastCheckpointTime time.Time
}

// NewDriver validates cfg, dataset and opts and returns a Driver ready to
// Train. Validation happens entirely up front: a rejected configuration
// never touches the filesystem or the workers.
func NewDriver(cfg dgbt.Config, dataset dgbt.Dataset, manager distribute.Manager, opts Options) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dataset.InMemory {
		return nil, errors.E(errors.NotAllowed,
			"exec: the distributed learner cannot train from an in-memory dataset; "+
				"materialize it as a dataset cache and pass its path instead")
	}
	if dataset.CachePath == "" && opts.BuildCache == nil {
		return nil, errors.E(errors.Invalid, "exec: empty dataset cache path")
	}
	if opts.WorkDirectory == "" {
		return nil, errors.E(errors.Invalid, "exec: a work directory is required")
	}
	if manager.NumWorkers() <= 0 {
		return nil, errors.E(errors.Invalid, "exec: the distribute manager has no workers")
	}
	return &Driver{
		cfg:                cfg,
		dataset:            dataset,
		manager:            manager,
		opts:               opts,
		mon:                monitor.New(opts.Verbose, nil),
		rng:                rand.New(rand.NewSource(cfg.RandomSeed)),
		lastCheckpointIter: -1,
	}, nil
}

// Train runs one complete training: initialization or resume, the boosting
// loop with its checkpoints and data-loss retries, and finalization. It
// releases the distribute manager before returning.
func Train(ctx context.Context, cfg dgbt.Config, dataset dgbt.Dataset, manager distribute.Manager, opts Options) (*model.Model, error) {
	d, err := NewDriver(cfg, dataset, manager, opts)
	if err != nil {
		manager.Done()
		return nil, err
	}
	return d.Train(ctx)
}

// Train runs the driver's training to completion. See the package-level
// Train.
func (d *Driver) Train(ctx context.Context) (*model.Model, error) {
	defer d.manager.Done()
	if err := d.initialize(ctx); err != nil {
		return nil, err
	}
	return d.run(ctx)
}

// WorkDirectory returns the resolved work directory of the run. It is
// empty until Train has started.
func (d *Driver) WorkDirectory() string { return d.workDirectory }

// initialize resolves the work directory, builds or adopts the dataset
// cache, assigns feature ownership, primes the workers, and either
// restores the latest checkpoint or initializes a fresh model.
func (d *Driver) initialize(ctx context.Context) error {
	if d.cfg.Resume {
		d.workDirectory = d.opts.WorkDirectory
	} else {
		d.workDirectory = filepath.Join(d.opts.WorkDirectory, "run-"+uuid.New().String())
	}
	d.store = checkpoint.NewStore(d.workDirectory)
	if err := d.store.InitializeDirectoryStructure(); err != nil {
		return err
	}

	d.cachePath = d.dataset.CachePath
	if d.opts.BuildCache != nil {
		path, err := d.opts.BuildCache(ctx, d.dataset, filepath.Join(d.workDirectory, "tmp"))
		if err != nil {
			return errors.E(errors.Fatal, err, "exec: could not build the dataset cache")
		}
		d.cachePath = path
	}

	metadata, err := cache.Load(d.cachePath)
	if err != nil {
		return err
	}
	d.metadata = metadata

	labelCol, ok := metadata.Column(d.cfg.LabelColumn)
	if !ok {
		return errors.E(errors.Invalid, "exec: label column missing from the cache metadata")
	}
	loss, err := objective.New(d.cfg.Loss, d.cfg.Task, labelCol.NumCategoricalValues)
	if err != nil {
		return err
	}
	d.loss = loss

	owners, err := ownership.Assign(d.cfg.FeatureColumns, d.manager.NumWorkers(), metadata, d.cfg.ReplicateFeatures)
	if err != nil {
		return err
	}
	d.owners = owners

	if err := d.manager.Welcome(ctx, protocol.Welcome{
		Config:          d.cfg,
		DataSpec:        *metadata,
		CachePath:       d.cachePath,
		WorkDirectory:   d.workDirectory,
		WorkerToFeature: owners.WorkerToFeature,
	}); err != nil {
		return err
	}

	if err := d.emitStartTraining(ctx); err != nil {
		return err
	}

	snap, err := checkpoint.GreatestSnapshot(d.workDirectory)
	switch {
	case err == nil:
		log.Printf("exec: resuming training from iteration %d", snap)
		m, stats, err := d.store.Restore(ctx, d.manager, d.mon, snap)
		if err != nil {
			return err
		}
		d.m = m
		d.labelStats = stats
		d.numWeakModels = m.NumTreesPerIter
		d.startIter = snap
		d.minCheckpointIter = snap + 1
		d.lastCheckpointIter = snap
	case errors.Is(errors.NotExist, err):
		if err := d.initializeFresh(ctx); err != nil {
			return err
		}
	default:
		return err
	}
	d.lastCheckpointTime = time.Now()
	return nil
}

// initializeFresh builds a new model: it queries one worker for the root
// label statistics, derives the initial predictions (whose length fixes
// the number of weak models per iteration), and broadcasts them.
func (d *Driver) initializeFresh(ctx context.Context) error {
	log.Printf("exec: asking one worker for the initial label statistics")
	stats, err := d.emitGetLabelStatistics(ctx)
	if err != nil {
		return err
	}
	d.labelStats = stats

	preds, err := d.loss.InitialPredictions(stats)
	if err != nil {
		return err
	}
	d.numWeakModels = len(preds)
	d.m = &model.Model{
		Task:                 d.cfg.Task,
		NumTreesPerIter:      len(preds),
		InitialPredictions:   preds,
		SecondaryMetricNames: d.loss.SecondaryMetricNames(),
		OutputLogits:         !d.cfg.ApplyLinkFunction,
		OutputsProbabilities: d.cfg.Task == dgbt.Classification && d.cfg.ApplyLinkFunction,
	}
	if err := d.emitSetInitialPredictions(ctx, preds); err != nil {
		return err
	}
	d.startIter = 0
	// No checkpoint before the first iteration: an empty model is cheaper
	// to rebuild through initialization than to restore.
	d.minCheckpointIter = 1
	return nil
}

// run is the boosting loop: iterate, checkpoint, and on data loss
// roll back to the most recent checkpoint and replay from there.
func (d *Driver) run(ctx context.Context) (*model.Model, error) {
	log.Printf("exec: start training")
	iter := d.startIter
	for iter < d.cfg.NumTrees {
		if iter >= d.minCheckpointIter && iter > d.lastCheckpointIter && d.shouldCheckpoint(iter) {
			if err := d.createCheckpoint(ctx, iter); err != nil {
				return nil, err
			}
		}
		err := d.runIteration(ctx, iter)
		if err == nil {
			iter++
			continue
		}
		if !stderrors.Is(err, dgbt.ErrDataLoss) {
			return nil, err
		}
		log.Error.Printf("exec: iteration %d: %v; re-synchronizing the workers", iter, err)
		restored, rerr := d.resync(ctx)
		if rerr != nil {
			return nil, rerr
		}
		iter = restored
	}

	if iter > d.lastCheckpointIter {
		if err := d.createCheckpoint(ctx, iter); err != nil {
			return nil, err
		}
	}

	if d.cfg.LogDirectory != "" {
		if err := ExportTrainingLogs(d.m, d.cfg.LogDirectory); err != nil {
			return nil, err
		}
	}
	log.Printf("exec: training done: %s", d.trainingSummary())
	return d.m, nil
}

// resync restores the most recent checkpoint after a data-loss signal and
// returns the iteration to replay from. With no stored checkpoint the run
// cannot recover and fails.
func (d *Driver) resync(ctx context.Context) (int, error) {
	snap, err := checkpoint.GreatestSnapshot(d.workDirectory)
	if err != nil {
		// TODO: restart training from the initial predictions instead of
		// failing when a worker loses state before the first checkpoint.
		return 0, errors.E(errors.Fatal, err,
			"exec: a worker lost its training state and no checkpoint exists to restore from")
	}
	m, stats, err := d.store.Restore(ctx, d.manager, d.mon, snap)
	if err != nil {
		return 0, err
	}
	d.m = m
	d.labelStats = stats
	d.numWeakModels = m.NumTreesPerIter
	d.minCheckpointIter = snap + 1
	d.lastCheckpointIter = snap
	return snap, nil
}

// shouldCheckpoint reports whether a checkpoint should be written before
// training iteration iterIdx: either the tree-count interval divides the
// iteration index, or the wall-clock interval has elapsed since the last
// checkpoint. A negative interval disables that trigger.
func (d *Driver) shouldCheckpoint(iterIdx int) bool {
	if t := d.cfg.CheckpointIntervalTrees; t >= 0 && (t == 0 || iterIdx%t == 0) {
		return true
	}
	if s := d.cfg.CheckpointIntervalSeconds; s >= 0 &&
		time.Since(d.lastCheckpointTime) >= d.cfg.CheckpointIntervalSecondsDuration() {
		return true
	}
	return false
}

func (d *Driver) createCheckpoint(ctx context.Context, iterIdx int) error {
	if err := d.store.Create(ctx, d.manager, d.mon, iterIdx, d.m, d.labelStats, d.metadata.NumExamples); err != nil {
		return err
	}
	d.lastCheckpointIter = iterIdx
	d.lastCheckpointTime = time.Now()
	return nil
}

// trainingSummary formats the one-line progress log emitted at most once
// per display window and at the end of training.
func (d *Driver) trainingSummary() string {
	numIters := d.m.NumIterations()
	summary := fmt.Sprintf("num-trees:%d/%d", numIters, d.cfg.NumTrees)
	if n := len(d.m.TrainingLog); n > 0 {
		last := d.m.TrainingLog[n-1]
		summary += fmt.Sprintf(" train-loss:%g", last.TrainingLoss)
		for i, name := range d.m.SecondaryMetricNames {
			if i < len(last.TrainingSecondaryMetrics) {
				summary += fmt.Sprintf(" train-%s:%g", name, last.TrainingSecondaryMetrics[i])
			}
		}
	}
	if reply := d.mon.FindSplitsReplySummary(); reply.Max > 0 {
		summary += fmt.Sprintf(" split-reply:%s/%s/%s (worker %d fastest, %d slowest)",
			reply.Min, reply.Median, reply.Max, reply.FastestWorkerIdx, reply.SlowestWorkerIdx)
	}
	return summary
}
