// Package queue provides the bounded FIFO of admitted requests awaiting
// dispatch to the upstream.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// chunkBuffer smooths bursts from the upstream stream reader without letting
// a slow client pin the whole response in memory.
const chunkBuffer = 8

// Job is one admitted request travelling from the admission front to the
// dispatcher.
type Job struct {
	ID        string
	Endpoint  string
	Body      json.RawMessage
	Principal *gateway.Principal
	Stream    bool
	Enqueued  time.Time

	// Ctx is the originating request's context. Processing honors it so a
	// client disconnect cancels the upstream call.
	Ctx context.Context

	// Chunks carries stream frames to the client. Nil for unary jobs.
	// Closed by the dispatcher when the upstream ends.
	Chunks chan gateway.StreamChunk

	result chan *Result
	once   sync.Once
}

// Result is the terminal outcome of a unary job.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	Err        string
	Usage      *gateway.Usage
}

// NewJob builds a Job for one admitted request.
func NewJob(ctx context.Context, endpoint string, body json.RawMessage, p *gateway.Principal, stream bool) *Job {
	j := &Job{
		ID:        gateway.NewID(),
		Endpoint:  endpoint,
		Body:      body,
		Principal: p,
		Stream:    stream,
		Enqueued:  time.Now(),
		Ctx:       ctx,
		result:    make(chan *Result, 1),
	}
	if stream {
		j.Chunks = make(chan gateway.StreamChunk, chunkBuffer)
	}
	return j
}

// Complete delivers the job's terminal result. Later calls are no-ops, so
// every processing path may complete unconditionally.
func (j *Job) Complete(r *Result) {
	j.once.Do(func() { j.result <- r })
}

// Done returns the channel carrying the terminal result. It yields at most
// one value.
func (j *Job) Done() <-chan *Result {
	return j.result
}

// Queue is a bounded FIFO. Admission order equals dequeue order.
type Queue struct {
	jobs chan *Job
}

// New creates a queue holding at most capacity jobs.
func New(capacity int) *Queue {
	return &Queue{jobs: make(chan *Job, capacity)}
}

// TryEnqueue adds the job without blocking. A full queue returns
// gateway.ErrQueueFull.
func (q *Queue) TryEnqueue(j *Job) error {
	select {
	case q.jobs <- j:
		return nil
	default:
		return gateway.ErrQueueFull
	}
}

// Dequeue blocks until a job is available or ctx is cancelled, reporting
// ok=false on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*Job, bool) {
	select {
	case j := <-q.jobs:
		return j, true
	case <-ctx.Done():
		return nil, false
	}
}

// TryDequeue removes the next job without blocking.
func (q *Queue) TryDequeue() (*Job, bool) {
	select {
	case j := <-q.jobs:
		return j, true
	default:
		return nil, false
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.jobs) }
