package protocol

import "encoding/gob"

// init registers every concrete request/reply type with encoding/gob.
// Registration lets a distribute.Manager built on a real RPC transport
// move Request/Reply values as interfaces without a hand-rolled tag byte.
func init() {
	gob.Register(StartTrainingRequest{})
	gob.Register(StartTrainingReply{})
	gob.Register(GetLabelStatisticsRequest{})
	gob.Register(GetLabelStatisticsReply{})
	gob.Register(SetInitialPredictionsRequest{})
	gob.Register(SetInitialPredictionsReply{})
	gob.Register(StartNewIterRequest{})
	gob.Register(StartNewIterReply{})
	gob.Register(FindSplitsRequest{})
	gob.Register(FindSplitsReply{})
	gob.Register(EvaluateSplitsRequest{})
	gob.Register(EvaluateSplitsReply{})
	gob.Register(ShareSplitsRequest{})
	gob.Register(ShareSplitsReply{})
	gob.Register(EndIterRequest{})
	gob.Register(EndIterReply{})
	gob.Register(CreateCheckpointRequest{})
	gob.Register(CreateCheckpointReply{})
	gob.Register(RestoreCheckpointRequest{})
	gob.Register(RestoreCheckpointReply{})
}
