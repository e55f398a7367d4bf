package objective

import (
	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
)

// SquaredError is the regression objective: minimizes the mean squared
// error between predictions and the label. It is also used for ranking,
// where the weak learners regress against a pairwise or pointwise
// relevance surrogate computed on the workers.
type SquaredError struct{}

// NewSquaredError returns the squared-error loss.
func NewSquaredError() *SquaredError { return &SquaredError{} }

func (*SquaredError) Kind() dgbt.LossKind { return dgbt.SquaredError }

func (*SquaredError) InitialPredictions(root labelstats.Stats) ([]float64, error) {
	return []float64{root.Mean()}, nil
}

func (*SquaredError) SecondaryMetricNames() []string { return []string{"rmse"} }

func (*SquaredError) SetLeaf(stats labelstats.Stats) float64 { return stats.Mean() }
