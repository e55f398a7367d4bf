// Package protocol defines the wire-level contract between the manager
// and workers: one request/reply pair per worker message type. Requests
// and replies are tagged
// unions expressed as Go interfaces over concrete structs, registered
// with encoding/gob so that a distribute.Manager backed by a real
// transport can serialize them without any further bookkeeping.
package protocol

import (
	"github.com/distboost/dgbt"
	"github.com/distboost/dgbt/cache"
	"github.com/distboost/dgbt/labelstats"
	"github.com/distboost/dgbt/tree"
)

// Request is implemented by every request variant.
type Request interface {
	// requestID echoes back in the corresponding Reply so that a driver can
	// reassign a shard after a failure.
	requestID() int64
}

// Reply is implemented by every reply variant. Every reply carries the
// sender's worker index and the restart-iter signal.
type Reply interface {
	Header() ReplyHeader
}

// ReplyHeader is embedded in every concrete reply.
type ReplyHeader struct {
	WorkerIdx   int
	RequestID   int64
	RestartIter bool
}

// Header implements Reply.
func (h ReplyHeader) Header() ReplyHeader { return h }

// RequestHeader is embedded in every concrete request. RequestID is only
// meaningful for sharded dispatch requests (CreateCheckpoint); other
// requests leave it at zero.
type RequestHeader struct {
	RequestID int64
}

func (h RequestHeader) requestID() int64 { return h.RequestID }

// Welcome is the one-time configuration payload pushed to every worker
// when the distribute manager is initialized, priming them before the
// first request.
type Welcome struct {
	Config          dgbt.Config
	DataSpec        cache.Metadata
	CachePath       string
	WorkDirectory   string
	WorkerToFeature [][]int
}

// StartTrainingRequest asks a worker to load its dataset cache shard.
type StartTrainingRequest struct{ RequestHeader }

// StartTrainingReply acknowledges a loaded dataset cache.
type StartTrainingReply struct{ ReplyHeader }

// GetLabelStatisticsRequest asks a single worker for the label's root
// sufficient statistics, used to compute initial predictions for a fresh
// run.
type GetLabelStatisticsRequest struct{ RequestHeader }

// GetLabelStatisticsReply carries the requested label statistics.
type GetLabelStatisticsReply struct {
	ReplyHeader
	LabelStatistics labelstats.Stats
}

// SetInitialPredictionsRequest broadcasts the model's bias term(s),
// computed by the manager from the loss and the root label statistics.
type SetInitialPredictionsRequest struct {
	RequestHeader
	InitialPredictions []float64
}

// SetInitialPredictionsReply acknowledges the broadcast.
type SetInitialPredictionsReply struct{ ReplyHeader }

// StartNewIterRequest begins a fresh boosting iteration on every worker.
type StartNewIterRequest struct {
	RequestHeader
	IterIdx int
	IterUID string
	Seed    int64
}

// StartNewIterReply carries every weak model's root label statistics
// (only the first reply's is used by the driver; the rest must agree).
type StartNewIterReply struct {
	ReplyHeader
	RootLabelStatistics []labelstats.Stats
}

// FindSplitsRequest asks a worker to propose the best split, per weak
// model and open node, among the features it was asked to consider.
// FeaturesPerWeakModel is indexed [weakModelIdx][openNodeIdx][]feature.
type FindSplitsRequest struct {
	RequestHeader
	FeaturesPerWeakModel [][][]int
}

// FindSplitsReply carries one candidate split per weak model per open
// node (nil where the worker had no candidate feature for that node).
// SplitsPerWeakModel is indexed [weakModelIdx][openNodeIdx].
type FindSplitsReply struct {
	ReplyHeader
	SplitsPerWeakModel [][]*tree.Split
}

// EvaluateSplitsRequest asks a worker that owns at least one chosen split
// feature to compute per-child example masks for its splits.
// SplitsPerWeakModel is indexed like FindSplitsReply, but entries the
// worker does not own are nil.
type EvaluateSplitsRequest struct {
	RequestHeader
	SplitsPerWeakModel [][]*tree.Split
}

// EvaluateSplitsReply acknowledges the evaluation.
type EvaluateSplitsReply struct{ ReplyHeader }

// ShareSplitsRequest broadcasts the chosen splits (and which workers were
// active, i.e. evaluated them) so that non-active workers can update their
// example-to-node mapping from the active workers' evaluation.
type ShareSplitsRequest struct {
	RequestHeader
	SplitsPerWeakModel [][]*tree.Split
	ActiveWorkers      []int
}

// ShareSplitsReply acknowledges the share.
type ShareSplitsReply struct{ ReplyHeader }

// EndIterRequest ends a boosting iteration. ComputeTrainingLoss is true
// only for the worker in charge of computing loss and secondary metrics
// (worker 0).
type EndIterRequest struct {
	RequestHeader
	IterIdx             int
	ComputeTrainingLoss bool
}

// EndIterReply optionally carries the training loss and secondary metrics
// (only from the worker that was asked to compute them).
type EndIterReply struct {
	ReplyHeader
	HasTrainingLoss bool
	TrainingLoss    float64
	TrainingMetrics []float64
}

// CreateCheckpointRequest asks a worker to serialize the prediction state
// of one example-index shard to a temp path under the shared work
// directory.
type CreateCheckpointRequest struct {
	RequestHeader
	IterIdx         int
	ShardIdx        int
	NumShards       int
	BeginExampleIdx int64
	EndExampleIdx   int64
}

// CreateCheckpointReply names the temp path the manager should rename
// into the checkpoint directory.
type CreateCheckpointReply struct {
	ReplyHeader
	ShardIdx int
	Path     string
}

// RestoreCheckpointRequest asks every worker to re-hydrate its
// example-to-prediction state from the checkpoint's shard files.
type RestoreCheckpointRequest struct {
	RequestHeader
	IterIdx       int
	NumShards     int
	NumWeakModels int
}

// RestoreCheckpointReply acknowledges the restore.
type RestoreCheckpointReply struct{ ReplyHeader }
