// Package engine is the batch execution engine: it fans a row stream out
// across the generation and conversion capacity pools, drives the bounded
// generate/validate/repair loop for every task, tolerates per-row failure
// without aborting the batch, and appends each terminal outcome to the
// result sink the moment it is known.
//
// Concurrency model: every admitted task runs in its own goroutine and
// blocks only on pool-token acquisition and the two capability calls. The
// admission semaphore (pool capacities plus a small buffer) bounds the
// in-flight task count so a huge row set never materializes in memory at
// once. The circuit breaker is the single cancellation trigger besides the
// caller's context: when consecutive tasks die of transport errors it stops
// admission and cancels in-flight work, which unwinds at the next
// suspension point and records those tasks as cancelled.
package engine
