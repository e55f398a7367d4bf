package objective

import (
	"fmt"
	"math"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/labelstats"
	"github.com/grailbio/base/errors"
)

// MultinomialLogLikelihood is the multiclass classification objective.
// Training fits one weak model per class per iteration
// (num_trees_per_iter == numClasses), each regressing against that
// class's softmax gradient.
type MultinomialLogLikelihood struct {
	numClasses int
}

// NewMultinomialLogLikelihood returns the multinomial log-likelihood loss
// over numClasses classes. numClasses must be at least 3 (use
// BinomialLogLikelihood for two classes).
func NewMultinomialLogLikelihood(numClasses int) (*MultinomialLogLikelihood, error) {
	if numClasses < 3 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("objective: multinomial loss requires at least 3 classes, got %d", numClasses))
	}
	return &MultinomialLogLikelihood{numClasses: numClasses}, nil
}

func (*MultinomialLogLikelihood) Kind() dgbt.LossKind { return dgbt.MultinomialLogLikelihood }

func (l *MultinomialLogLikelihood) InitialPredictions(root labelstats.Stats) ([]float64, error) {
	if root.NumClasses() != l.numClasses {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("objective: root label statistics have %d classes, want %d", root.NumClasses(), l.numClasses))
	}
	preds := make([]float64, l.numClasses)
	for i, sum := range root.ClassSums {
		p := clamp(sum/root.Count, epsilon, 1-epsilon)
		preds[i] = math.Log(p)
	}
	return preds, nil
}

func (*MultinomialLogLikelihood) SecondaryMetricNames() []string { return []string{"accuracy"} }

func (*MultinomialLogLikelihood) SetLeaf(stats labelstats.Stats) float64 { return stats.Mean() }

// NumClasses returns the number of classes this loss was constructed for.
func (l *MultinomialLogLikelihood) NumClasses() int { return l.numClasses }
