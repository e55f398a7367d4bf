package exec

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"

	"github.com/distboost/dgbt/model"
)

const trainingLogsFileName = "training_logs.ndjson"

// trainingLogRecord is one exported training-log row. Secondary metrics
// are keyed by their loss-provided names so the export is readable
// without the model.
type trainingLogRecord struct {
	NumberOfTrees    int                `json:"number_of_trees"`
	TrainingLoss     float64            `json:"training_loss"`
	SecondaryMetrics map[string]float64 `json:"training_secondary_metrics,omitempty"`
}

// ExportTrainingLogs writes m's accumulated training log to directory as
// newline-delimited JSON, one object per completed iteration. The file is
// written to a temporary name and renamed, so a reader never observes a
// partial export.
func ExportTrainingLogs(m *model.Model, directory string) error {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return errors.E(errors.Fatal, err, "exec: could not create the log directory")
	}
	tmp, err := os.CreateTemp(directory, ".training_logs-*")
	if err != nil {
		return errors.E(errors.Fatal, err, "exec: could not create the training log file")
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range m.TrainingLog {
		record := trainingLogRecord{
			NumberOfTrees: entry.NumberOfTrees,
			TrainingLoss:  entry.TrainingLoss,
		}
		if len(entry.TrainingSecondaryMetrics) > 0 {
			record.SecondaryMetrics = make(map[string]float64, len(entry.TrainingSecondaryMetrics))
			for i, value := range entry.TrainingSecondaryMetrics {
				if i < len(m.SecondaryMetricNames) {
					record.SecondaryMetrics[m.SecondaryMetricNames[i]] = value
				}
			}
		}
		if err := enc.Encode(record); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return errors.E(errors.Fatal, err, "exec: could not encode a training log entry")
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.E(errors.Fatal, err, "exec: could not close the training log file")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(directory, trainingLogsFileName)); err != nil {
		return errors.E(errors.Fatal, err, "exec: could not commit the training log file")
	}
	return nil
}
