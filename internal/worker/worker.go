// Package worker provides the gateway's background tasks: the dispatch loop
// draining the admission queue, and periodic maintenance workers.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
