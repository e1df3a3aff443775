// Package pipeline holds the delivery stages between the event router and
// consumer callbacks: the stream buffer, the deduplication window, the rate
// limiter and the retry queue.
//
// Every structure is safe for concurrent use and takes the current time as
// an argument so callers (and tests) control the clock. None of them owns a
// goroutine; sweeps are driven by the stream scheduler.
package pipeline
