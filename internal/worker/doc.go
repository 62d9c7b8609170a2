// Package worker runs dispatched crawl tasks: it performs each fetch attempt
// through the pipeline, applies the retry schedule, and reports the terminal
// outcome to the engine hooks.
package worker
