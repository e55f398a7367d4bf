// Package model holds the growing gradient boosted trees ensemble. A
// Model is mutated only by the iteration driver (trees and log entries are
// only ever appended); workers never see it. They receive incremental
// splits and predictions, not the assembled ensemble.
package model

import (
	"encoding/gob"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/tree"
)

// LogEntry is one row of the training log appended at the end of each
// boosting iteration.
type LogEntry struct {
	NumberOfTrees            int
	TrainingLoss             float64
	TrainingSecondaryMetrics []float64
}

// Model is the accumulating GBT ensemble: the list of trees (grouped
// num_trees_per_iter at a time, one boosting iteration per group), the
// initial prediction bias, and the training log.
type Model struct {
	Task                 dgbt.Task
	NumTreesPerIter      int
	InitialPredictions   []float64
	Trees                []tree.Tree
	SecondaryMetricNames []string
	TrainingLog          []LogEntry
	OutputLogits         bool
	OutputsProbabilities bool
}

// NumIterations returns the number of completed boosting iterations
// (len(Trees) / NumTreesPerIter).
func (m *Model) NumIterations() int {
	if m.NumTreesPerIter == 0 {
		return 0
	}
	return len(m.Trees) / m.NumTreesPerIter
}

// AppendIteration moves one iteration's worth of freshly built trees into
// the model and appends the corresponding log entry. Trees must have
// exactly NumTreesPerIter entries.
func (m *Model) AppendIteration(trees []tree.Tree, loss float64, metrics []float64) error {
	if len(trees) != m.NumTreesPerIter {
		return errors.E(errors.Fatal, "model: wrong number of trees for one iteration")
	}
	m.Trees = append(m.Trees, trees...)
	m.TrainingLog = append(m.TrainingLog, LogEntry{
		NumberOfTrees:            len(m.Trees),
		TrainingLoss:             loss,
		TrainingSecondaryMetrics: append([]float64(nil), metrics...),
	})
	return nil
}

// Save writes the model as a gob stream, the same serialization the
// checkpoint store uses for its metadata.
func (m *Model) Save(w io.Writer) error {
	return gob.NewEncoder(w).Encode(m)
}

// Load decodes a Model previously written by Save.
func Load(r io.Reader) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.E(errors.Invalid, err, "model: could not decode")
	}
	return &m, nil
}
