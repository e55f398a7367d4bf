// Package objective defines the loss abstraction the manager consumes
// from the (out of scope) loss implementations: initial predictions from
// root label statistics, secondary metric names, and a leaf-value setter
// derived from a node's label statistics. Gradient/hessian computation and
// the training-loss evaluation itself happen on workers; the manager only
// needs the small polymorphic surface below.
package objective

import (
	"fmt"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
	"github.com/grailbio/base/errors"
)

// Loss is the manager-visible slice of a gradient boosting objective. A
// concrete Loss is polymorphic over {initial predictions, secondary
// metrics, leaf setter}; this package implements the standard ones
// (squared error, binomial and multinomial log-likelihood), and the
// interface is small enough that additional losses (e.g. ranking) can be
// added without touching the driver.
type Loss interface {
	// Kind identifies the loss for logging and model metadata.
	Kind() dgbt.LossKind

	// InitialPredictions derives the bias term(s) of the model from the
	// label's root statistics. Its length fixes the number of weak models
	// trained per boosting iteration (num_trees_per_iter).
	InitialPredictions(root labelstats.Stats) ([]float64, error)

	// SecondaryMetricNames lists the metrics (beyond the loss itself)
	// reported in the training log, e.g. "accuracy" or "rmse".
	SecondaryMetricNames() []string

	// SetLeaf computes a leaf's predicted value from its label statistics.
	// Builder.FinalizeLeaves invokes it on every leaf once the tree has
	// finished growing.
	SetLeaf(stats labelstats.Stats) float64
}

// Default resolves LossKind.DefaultLoss to a task's canonical loss and
// constructs the corresponding Loss.
func Default(task dgbt.Task, numClasses int) (Loss, error) {
	switch task {
	case dgbt.Regression, dgbt.Ranking:
		return NewSquaredError(), nil
	case dgbt.Classification:
		if numClasses <= 2 {
			return NewBinomialLogLikelihood(), nil
		}
		return NewMultinomialLogLikelihood(numClasses)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("objective: unknown task %v", task))
	}
}

// New constructs the Loss named by kind, falling back to Default when kind
// is dgbt.DefaultLoss.
func New(kind dgbt.LossKind, task dgbt.Task, numClasses int) (Loss, error) {
	switch kind {
	case dgbt.DefaultLoss:
		return Default(task, numClasses)
	case dgbt.SquaredError:
		return NewSquaredError(), nil
	case dgbt.BinomialLogLikelihood:
		return NewBinomialLogLikelihood(), nil
	case dgbt.MultinomialLogLikelihood:
		return NewMultinomialLogLikelihood(numClasses)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("objective: unknown loss kind %v", kind))
	}
}
