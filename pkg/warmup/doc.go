// Package warmup pre-populates the content cache for the resolved set of page
// identifiers.
//
// An Orchestrator owns at most one job at a time. Start resolves the
// identifier set, splits it into fixed-size batches and returns while a
// background goroutine works through the batches in order. Each batch fans
// out to at most Concurrency fetches, every fetch bounded by its own timeout.
// Progress is observed by polling Status.
//
// Job lifecycle:
//
//	idle -> running -> completed
//	               \-> failed
//	running -> idle (Reset)
//
// Reset cancels the job handle so no further batch starts. Fetches already
// in flight run to their own timeout and their results are dropped because
// the job they belong to is no longer current.
//
// With a Lease configured, single-flight also holds across instances that
// share the same Redis.
package warmup
