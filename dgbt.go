package dgbt

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
)

// ErrDataLoss indicates that a worker restarted and lost the in-memory
// state (example-to-node assignment, predictions) a request needed. When a
// boosting iteration fails with an error wrapping ErrDataLoss, the driver
// restores the latest snapshot and replays from there rather than treating
// it as a fatal training failure. The checkpoint store retries a shard on
// another worker and returns an error wrapping ErrDataLoss once its
// retries run out; the driver does not recover from that error and returns
// it to the caller.
var ErrDataLoss = stderrors.New("dgbt: worker restarted and lost required data")

// Task is the kind of supervised problem being trained.
type Task int

const (
	// Regression trains trees against a continuous label.
	Regression Task = iota
	// Classification trains trees against a categorical label.
	Classification
	// Ranking trains trees against a relevance-ordered label.
	Ranking
)

func (t Task) String() string {
	switch t {
	case Regression:
		return "REGRESSION"
	case Classification:
		return "CLASSIFICATION"
	case Ranking:
		return "RANKING"
	default:
		return "UNKNOWN"
	}
}

// LossKind selects the objective optimized by the weak learners. The
// DefaultLoss value defers to the task's canonical loss (squared error for
// regression, binomial log-likelihood for two-class classification,
// multinomial log-likelihood otherwise).
type LossKind int

const (
	DefaultLoss LossKind = iota
	SquaredError
	BinomialLogLikelihood
	MultinomialLogLikelihood
)

func (k LossKind) String() string {
	switch k {
	case DefaultLoss:
		return "DEFAULT"
	case SquaredError:
		return "SQUARED_ERROR"
	case BinomialLogLikelihood:
		return "BINOMIAL_LOG_LIKELIHOOD"
	case MultinomialLogLikelihood:
		return "MULTINOMIAL_LOG_LIKELIHOOD"
	default:
		return "UNKNOWN"
	}
}

// Config is the immutable configuration of one training run. It is built
// once by the caller (hyperparameter parsing and CLI flags are out of
// scope) and never mutated for the duration of training.
type Config struct {
	Task Task

	// LabelColumn and FeatureColumns index into the dataset cache's column
	// metadata.
	LabelColumn    int
	FeatureColumns []int

	Loss              LossKind
	ApplyLinkFunction bool

	Shrinkage          float64
	NumTrees           int
	MaxDepth           int
	MinExamplesPerLeaf int

	// MinSplitGain is the gain floor below which a proposed split is
	// rejected and its node closed as a leaf.
	MinSplitGain float64

	// NumCandidateAttributes, if > 0, overrides NumCandidateAttributesRatio
	// and fixes the number of features sampled per split. If both are zero,
	// every feature is a candidate at every split.
	NumCandidateAttributes      int
	NumCandidateAttributesRatio float64

	// CheckpointIntervalTrees and CheckpointIntervalSeconds gate
	// checkpoint creation; a negative value disables that trigger. At
	// least one of the two should be non-negative or no checkpoint will
	// ever be written except the final one.
	CheckpointIntervalTrees   int
	CheckpointIntervalSeconds float64

	// LogExportIntervalTrees, if > 0, exports the training log to
	// LogDirectory every that many trees.
	LogExportIntervalTrees int
	LogDirectory           string

	RandomSeed int64

	// Resume requests that training continue from the latest checkpoint in
	// the work directory rather than starting a fresh run.
	Resume bool

	// ReplicateFeatures assigns every feature to every worker instead of
	// partitioning ownership. Debug only: it multiplies the dataset held by
	// each worker by the worker count.
	ReplicateFeatures bool
}

// NumWeakModelsHint returns the number of weak models trained per boosting
// iteration when it can be determined from configuration alone (1 for
// regression and ranking; 0, meaning "ask the loss", for classification
// since that depends on the number of label classes).
func (c Config) NumWeakModelsHint() int {
	if c.Task == Classification {
		return 0
	}
	return 1
}

// Validate checks c for internal consistency and returns a configuration
// error (errors.Invalid) describing the first problem found.
func (c Config) Validate() error {
	switch c.Task {
	case Regression, Classification, Ranking:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown task %d", c.Task))
	}
	if len(c.FeatureColumns) == 0 {
		return errors.E(errors.Invalid, "config: no feature columns specified")
	}
	if c.NumTrees <= 0 {
		return errors.E(errors.Invalid, "config: num_trees must be positive")
	}
	if c.MaxDepth < 1 {
		return errors.E(errors.Invalid, "config: max_depth must be at least 1")
	}
	if c.MinExamplesPerLeaf < 1 {
		return errors.E(errors.Invalid, "config: min_examples_per_leaf must be at least 1")
	}
	if c.Shrinkage <= 0 || c.Shrinkage > 1 {
		return errors.E(errors.Invalid, "config: shrinkage must be in (0, 1]")
	}
	if c.MinSplitGain < 0 {
		return errors.E(errors.Invalid, "config: min_split_gain must be non-negative")
	}
	if c.NumCandidateAttributes < 0 {
		return errors.E(errors.Invalid, "config: num_candidate_attributes must be non-negative")
	}
	if c.NumCandidateAttributesRatio < 0 || c.NumCandidateAttributesRatio > 1 {
		return errors.E(errors.Invalid, "config: num_candidate_attributes_ratio must be in [0, 1]")
	}
	return nil
}

// CheckpointIntervalSecondsDuration is a convenience accessor returning
// CheckpointIntervalSeconds as a time.Duration.
func (c Config) CheckpointIntervalSecondsDuration() time.Duration {
	return time.Duration(c.CheckpointIntervalSeconds * float64(time.Second))
}

// Dataset names the training data handed to the learner. The distributed
// learner only accepts datasets that have been (or can be) materialized as
// an on-disk cache; an in-memory dataset is rejected up front with an
// unsupported-operation error rather than silently spooled to disk.
type Dataset struct {
	// CachePath is the dataset-cache directory produced by the cache
	// builder, vertically partitioned into per-feature shards.
	CachePath string

	// InMemory marks a dataset held in process memory. The distributed
	// learner cannot train from it: workers read their feature shards from
	// the shared cache directory, not from the manager's address space.
	InMemory bool
}
