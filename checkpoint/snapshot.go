package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/errors"
)

// snapshotDir returns the directory whose entries record which iterations
// have a fully-written checkpoint. A checkpoint is only "visible" through
// GreatestSnapshot once its snapshot marker has been written, which
// Store.Create does only after every shard and the model file have
// been committed: a worker crash mid-checkpoint therefore never leaves a
// partial checkpoint selectable by a later restore.
func snapshotDir(workDirectory string) string {
	return filepath.Join(workDirectory, checkpointDirName, snapshotDirName)
}

// AppendSnapshot records iterIdx as having a complete checkpoint. It must
// only be called after every shard of that checkpoint, and its model file,
// have been durably written.
func AppendSnapshot(workDirectory string, iterIdx int) error {
	dir := snapshotDir(workDirectory)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not create snapshot directory")
	}
	path := filepath.Join(dir, strconv.Itoa(iterIdx))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.E(errors.Fatal, err, "checkpoint: could not write snapshot marker")
	}
	return f.Close()
}

// GreatestSnapshot returns the highest iteration index with a complete
// checkpoint. It returns errors.NotExist if no snapshot has ever been
// recorded in workDirectory.
func GreatestSnapshot(workDirectory string) (int, error) {
	entries, err := os.ReadDir(snapshotDir(workDirectory))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.E(errors.NotExist, "checkpoint: no snapshot recorded")
		}
		return 0, errors.E(errors.Fatal, err, "checkpoint: could not list snapshot directory")
	}
	best := -1
	for _, entry := range entries {
		idx, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if idx > best {
			best = idx
		}
	}
	if best < 0 {
		return 0, errors.E(errors.NotExist, "checkpoint: no snapshot recorded")
	}
	return best, nil
}
