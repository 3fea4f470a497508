// Package connmgr pools one adapter connection per server identity and
// enforces each server's concurrency budget.
//
// GetConnection shares a single in-progress connect between concurrent
// callers, retries failed connects with jittered exponential backoff and,
// once retries are exhausted, refuses new attempts until the backoff window
// has passed. CallTool admits at most max_in_flight concurrent calls per
// connection; the excess waits in a FIFO queue and is rejected with
// DeadlineExpiredError once its deadline passes. Connections that fail
// repeatedly are dropped and re-established on the next call, and idle ones
// are reaped by the background sweep started with Start.
package connmgr
