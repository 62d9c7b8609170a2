// Package progress carries engine events (run start and stop, dispatch,
// retry, task outcome, drained) from the dispatcher and workers to sinks
// without blocking the fetch path. The Hub batches events by size and
// interval, cuts a batch at every run boundary, and counts what it drops
// when its buffer is full.
package progress
