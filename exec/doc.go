// Package exec drives one distributed GBT training run: it resolves or
// restores the work directory, assigns feature ownership, primes the
// worker pool, and runs the boosting loop to completion, checkpointing
// along the way. A Driver owns every piece of per-run mutable state (the
// work directory, the random engine, the monitoring counters, the growing
// model); workers hold only volatile per-example state that is
// reconstructed from the latest checkpoint when one of them restarts.
package exec
