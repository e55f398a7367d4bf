package objective

import (
	"math"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
)

// epsilon clamps probabilities away from {0,1} so that the initial
// log-odds stays finite.
const epsilon = 1e-6

// BinomialLogLikelihood is the two-class classification objective: the
// label statistics' Sum/Count is the positive-class rate, and weak models
// regress against the logistic gradient.
type BinomialLogLikelihood struct{}

// NewBinomialLogLikelihood returns the binomial log-likelihood loss.
func NewBinomialLogLikelihood() *BinomialLogLikelihood { return &BinomialLogLikelihood{} }

func (*BinomialLogLikelihood) Kind() dgbt.LossKind { return dgbt.BinomialLogLikelihood }

func (*BinomialLogLikelihood) InitialPredictions(root labelstats.Stats) ([]float64, error) {
	p := clamp(root.Mean(), epsilon, 1-epsilon)
	return []float64{math.Log(p / (1 - p))}, nil
}

func (*BinomialLogLikelihood) SecondaryMetricNames() []string { return []string{"accuracy"} }

func (*BinomialLogLikelihood) SetLeaf(stats labelstats.Stats) float64 {
	// The leaf value is the (shrunk, by the caller) log-odds update implied
	// by the gradient statistics accumulated in this node.
	return stats.Mean()
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
