/*
Package dgbt implements the manager-side coordinator of a distributed
Gradient Boosted Trees learner: the process that drives training of an
ensemble of shallow regression trees across a pool of feature-sharded
workers, surviving worker restarts via checkpointing.

The package composes a per-iteration distributed split-finding protocol
(exec.Driver), a work-assignment policy over vertically-sharded feature
data (ownership.Assign), a checkpoint/restart protocol tolerant to partial
worker data loss (checkpoint.Store), and an asynchronous request/reply
dispatch layer abstracted behind distribute.Manager so that the core never
depends on a concrete transport.

dgbt itself only carries the configuration and domain enums shared by every
subpackage; callers assemble a Config, a Dataset and a distribute.Manager
and drive training with exec.Train, which loads the cache.Metadata and
constructs the objective.Loss itself.
*/
package dgbt
