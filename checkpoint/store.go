// Package checkpoint persists periodic, restartable snapshots of a
// training run: the model built so far, the root label statistics, and
// every worker's per-example prediction state, sharded across a subset of
// workers.
// A checkpoint is only visible to GreatestSnapshot once every shard has
// landed, so a crash mid-checkpoint can never be mistaken for a restore
// point.
package checkpoint

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/distribute"
	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/model"
	"github.com/distboost/dgbt/monitor"
	"github.com/distboost/dgbt/protocol"
)

const (
	checkpointDirName = "checkpoint"
	snapshotDirName   = "snapshot"
	tmpDirName        = "tmp"
	modelFileName     = "model"
	metadataFileName  = "checkpoint"
)

// Metadata is the manager-side record of one checkpoint, written alongside
// the model and the worker shards.
type Metadata struct {
	NumShards       int
	LabelStatistics labelstats.Stats
}

// Store manages the on-disk checkpoint layout under one training run's
// work directory.
type Store struct {
	workDirectory string
}

// NewStore returns a Store rooted at workDirectory.
func NewStore(workDirectory string) *Store {
	return &Store{workDirectory: workDirectory}
}

// InitializeDirectoryStructure creates the work directory and its
// checkpoint/snapshot/tmp subdirectories, a no-op if they already exist.
func (s *Store) InitializeDirectoryStructure() error {
	for _, dir := range []string{
		s.workDirectory,
		filepath.Join(s.workDirectory, checkpointDirName, snapshotDirName),
		filepath.Join(s.workDirectory, tmpDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.E(errors.Fatal, err, "checkpoint: could not create directory structure")
		}
	}
	return nil
}

func (s *Store) checkpointDir(iterIdx int) string {
	return filepath.Join(s.workDirectory, checkpointDirName, fmt.Sprintf("%d", iterIdx))
}

// shardFilename names a worker-produced shard file within a checkpoint
// directory, consistent regardless of which worker produced it so that
// RestoreCheckpoint can find every shard by number alone.
func shardFilename(shardIdx, numShards int) string {
	return fmt.Sprintf("predictions-%05d-of-%05d", shardIdx, numShards)
}

// exampleRange returns the half-open [begin, end) example index range
// owned by shard shardIdx out of numShards shards covering numExamples
// examples. Ceil division guarantees every example belongs to exactly one
// shard.
func exampleRange(shardIdx, numShards int, numExamples int64) (begin, end int64) {
	perShard := (numExamples + int64(numShards) - 1) / int64(numShards)
	begin = int64(shardIdx) * perShard
	end = int64(shardIdx+1) * perShard
	if end > numExamples {
		end = numExamples
	}
	return begin, end
}

// NumShards returns the number of shards a checkpoint should be split
// into given a worker pool of size numWorkers: one quarter of the
// workers, never fewer than one, trading per-worker checkpoint cost
// against the overhead and restart risk of spreading work across more
// workers.
func NumShards(numWorkers int) int {
	if n := numWorkers / 4; n > 1 {
		return n
	}
	return 1
}

// Create writes a full checkpoint for iterIdx: the model structure, the
// root label statistics, and the sharded per-worker prediction state
// requested over manager, retrying a shard on a different worker if the
// one it was sent to reports data loss. It returns an error wrapping
// dgbt.ErrDataLoss if no worker can supply the data after 3*numShards
// retries.
func (s *Store) Create(
	ctx context.Context,
	manager distribute.Manager,
	mon *monitor.Monitor,
	iterIdx int,
	m *model.Model,
	labelStatistics labelstats.Stats,
	numExamples int64,
) error {
	mon.BeginStage(monitor.StageCreateCheckpoint)
	defer mon.EndStage(monitor.StageCreateCheckpoint)

	numShards := NumShards(manager.NumWorkers())
	dir := s.checkpointDir(iterIdx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not create checkpoint directory")
	}

	modelFile, err := os.Create(filepath.Join(dir, modelFileName))
	if err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not create model file")
	}
	if err := m.Save(modelFile); err != nil {
		modelFile.Close()
		return errors.E(errors.Fatal, err, "checkpoint: could not save model")
	}
	if err := modelFile.Close(); err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not close model file")
	}

	if err := s.createShards(ctx, manager, iterIdx, numShards, numExamples, dir); err != nil {
		return err
	}

	if err := s.writeMetadata(dir, Metadata{NumShards: numShards, LabelStatistics: labelStatistics}); err != nil {
		return err
	}

	if err := AppendSnapshot(s.workDirectory, iterIdx); err != nil {
		return err
	}
	log.Printf("checkpoint: created checkpoint for iteration %d with %d shards", iterIdx, numShards)
	return nil
}

func (s *Store) createShards(ctx context.Context, manager distribute.Manager, iterIdx, numShards int, numExamples int64, dir string) error {
	maxRetries := 3 * numShards
	retries := 0

	for shardIdx := 0; shardIdx < numShards; shardIdx++ {
		begin, end := exampleRange(shardIdx, numShards, numExamples)
		workerIdx := shardIdx % manager.NumWorkers()
		manager.AsyncRequest(ctx, workerIdx, protocol.CreateCheckpointRequest{
			RequestHeader:   protocol.RequestHeader{RequestID: int64(shardIdx)},
			IterIdx:         iterIdx,
			ShardIdx:        shardIdx,
			NumShards:       numShards,
			BeginExampleIdx: begin,
			EndExampleIdx:   end,
		})
	}

	for answered := 0; answered < numShards; answered++ {
		reply, err := manager.NextReply(ctx)
		if err != nil {
			return errors.E(errors.Fatal, err, "checkpoint: shard request failed")
		}
		header := reply.Header()
		if header.RestartIter {
			retries++
			if retries > maxRetries {
				return fmt.Errorf("checkpoint: %w: iteration %d has no worker available to build its checkpoint", dgbt.ErrDataLoss, iterIdx)
			}
			newWorkerIdx := (header.WorkerIdx + 1) % manager.NumWorkers()
			shardIdx := int(header.RequestID)
			begin, end := exampleRange(shardIdx, numShards, numExamples)
			log.Error.Printf("checkpoint: worker %d lost required data, retrying shard %d on worker %d", header.WorkerIdx, shardIdx, newWorkerIdx)
			manager.AsyncRequest(ctx, newWorkerIdx, protocol.CreateCheckpointRequest{
				RequestHeader:   protocol.RequestHeader{RequestID: int64(shardIdx)},
				IterIdx:         iterIdx,
				ShardIdx:        shardIdx,
				NumShards:       numShards,
				BeginExampleIdx: begin,
				EndExampleIdx:   end,
			})
			answered--
			continue
		}
		result, ok := reply.(protocol.CreateCheckpointReply)
		if !ok {
			return errors.E(errors.Fatal, "checkpoint: unexpected reply type for CreateCheckpoint")
		}
		dest := filepath.Join(dir, shardFilename(result.ShardIdx, numShards))
		if err := os.Rename(result.Path, dest); err != nil {
			return errors.E(errors.Fatal, err, "checkpoint: could not commit shard file")
		}
	}
	return nil
}

func (s *Store) writeMetadata(dir string, md Metadata) error {
	f, err := os.Create(filepath.Join(dir, metadataFileName))
	if err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not create metadata file")
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(md); err != nil {
		return errors.E(errors.Fatal, err, "checkpoint: could not encode metadata")
	}
	return nil
}

// Restore loads the model and label statistics for iterIdx's checkpoint,
// and asks every worker to rehydrate its own per-example state from the
// checkpoint's shard files. It does not rename or delete anything: the
// checkpoint directory remains a valid restore point afterward.
func (s *Store) Restore(ctx context.Context, manager distribute.Manager, mon *monitor.Monitor, iterIdx int) (*model.Model, labelstats.Stats, error) {
	mon.BeginStage(monitor.StageRestoreCheckpoint)
	defer mon.EndStage(monitor.StageRestoreCheckpoint)

	dir := s.checkpointDir(iterIdx)
	modelFile, err := os.Open(filepath.Join(dir, modelFileName))
	if err != nil {
		return nil, labelstats.Stats{}, errors.E(errors.NotExist, err, "checkpoint: could not open model file")
	}
	defer modelFile.Close()
	m, err := model.Load(modelFile)
	if err != nil {
		return nil, labelstats.Stats{}, err
	}

	metadataFile, err := os.Open(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, labelstats.Stats{}, errors.E(errors.NotExist, err, "checkpoint: could not open metadata file")
	}
	defer metadataFile.Close()
	var md Metadata
	if err := gob.NewDecoder(metadataFile).Decode(&md); err != nil {
		return nil, labelstats.Stats{}, errors.E(errors.Invalid, err, "checkpoint: could not decode metadata")
	}

	var g errgroup.Group
	for i := 0; i < manager.NumWorkers(); i++ {
		i := i
		g.Go(func() error {
			reply, err := manager.BlockingRequest(ctx, i, protocol.RestoreCheckpointRequest{
				IterIdx:       iterIdx,
				NumShards:     md.NumShards,
				NumWeakModels: m.NumTreesPerIter,
			})
			if err != nil {
				return err
			}
			if _, ok := reply.(protocol.RestoreCheckpointReply); !ok {
				return errors.E(errors.Fatal, "checkpoint: unexpected reply type for RestoreCheckpoint")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, labelstats.Stats{}, errors.E(errors.Fatal, err, "checkpoint: restore failed")
	}

	return m, md.LabelStatistics, nil
}
