// Package stream bridges archives to an asynchronous read engine.
//
// An [Engine] starts reads and reports completion through a callback that may
// run on any goroutine. An [Info] is the shared, reference-counted state one
// archive keeps for its outstanding requests: callbacks only append results to
// its inbox, and the owning archive drains the inbox on its next call. Nothing
// blocks on a stream; callers receive a pending result and poll again.
package stream
