package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/queue"
	"github.com/eugener/heimdall/internal/telemetry"
	"github.com/eugener/heimdall/internal/upstream"
)

// tracer is a noop unless a tracer provider was installed at startup.
var tracer = telemetry.Tracer("heimdall/worker")

// drainTimeout bounds how long in-flight jobs may run once shutdown begins.
const drainTimeout = 5 * time.Second

// UpstreamClient is the inference-server surface the dispatcher drives.
type UpstreamClient interface {
	ChatCompletion(ctx context.Context, body json.RawMessage) (json.RawMessage, *gateway.Usage, error)
	ChatCompletionStream(ctx context.Context, body json.RawMessage) (<-chan gateway.StreamChunk, error)
}

// Dispatcher is the single worker draining the admission queue. A weighted
// semaphore caps how many jobs are in the upstream phase at once, and since
// one loop dequeues and acquires, jobs reach the upstream in admission order.
type Dispatcher struct {
	queue      *queue.Queue
	client     UpstreamClient
	sem        *semaphore.Weighted
	metrics    *telemetry.Metrics
	drainAfter time.Duration
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxConcurrency
// simultaneous upstream calls.
func NewDispatcher(q *queue.Queue, client UpstreamClient, maxConcurrency int, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:      q,
		client:     client,
		sem:        semaphore.NewWeighted(int64(maxConcurrency)),
		metrics:    metrics,
		drainAfter: drainTimeout,
	}
}

// Run dispatches jobs until ctx is cancelled, then completes still-queued
// jobs with a shutdown error and gives in-flight ones drainTimeout to finish
// before cancelling their contexts.
func (d *Dispatcher) Run(ctx context.Context) error {
	// stopCtx outlives ctx. It is cancelled only when the drain gives up
	// waiting, aborting whatever upstream calls are still running.
	stopCtx, forceStop := context.WithCancel(context.Background())
	defer forceStop()

	for {
		job, ok := d.queue.Dequeue(ctx)
		if !ok {
			break
		}
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.reject(job)
			break
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.process(stopCtx, job)
		}()
	}

	rejected := 0
	for {
		job, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		d.reject(job)
		rejected++
	}
	d.metrics.QueueDepth.Set(0)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.drainAfter):
		forceStop()
		<-done
	}
	slog.Info("dispatcher drained", "rejected", rejected)
	return nil
}

// process runs one job under the job's own request context, so a client
// disconnect cancels the upstream call. stopCtx cancellation aborts it too.
func (d *Dispatcher) process(stopCtx context.Context, job *queue.Job) {
	ctx, cancel := context.WithCancel(job.Ctx)
	defer cancel()
	defer context.AfterFunc(stopCtx, cancel)()

	ctx, span := tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.endpoint", job.Endpoint),
		attribute.Bool("job.stream", job.Stream),
	))
	defer span.End()

	if job.Endpoint != gateway.EndpointChatCompletions {
		slog.Warn("job for unknown endpoint", "job_id", job.ID, "endpoint", job.Endpoint)
		d.fail(job, http.StatusNotFound, "unknown endpoint")
		return
	}

	if job.Stream {
		d.processStream(ctx, job)
	} else {
		d.processUnary(ctx, job)
	}
}

func (d *Dispatcher) processUnary(ctx context.Context, job *queue.Job) {
	start := time.Now()
	body, usage, err := d.client.ChatCompletion(ctx, job.Body)
	d.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		var herr *upstream.HTTPError
		if errors.As(err, &herr) {
			job.Complete(&queue.Result{
				StatusCode: herr.StatusCode,
				Err:        herr.Message,
				Body:       json.RawMessage(herr.Body),
			})
			return
		}
		job.Complete(&queue.Result{StatusCode: http.StatusBadGateway, Err: err.Error()})
		return
	}
	job.Complete(&queue.Result{StatusCode: http.StatusOK, Body: body, Usage: usage})
}

func (d *Dispatcher) processStream(ctx context.Context, job *queue.Job) {
	start := time.Now()
	ch, err := d.client.ChatCompletionStream(ctx, job.Body)
	if err != nil {
		d.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
		d.fail(job, http.StatusBadGateway, err.Error())
		return
	}

	defer close(job.Chunks)
	for chunk := range ch {
		if chunk.Err != nil {
			slog.Warn("upstream stream failed", "job_id", job.ID, "error", chunk.Err)
			d.sendChunk(ctx, job, gateway.StreamChunk{
				Data: upstream.ErrorFrame(http.StatusBadGateway, chunk.Err.Error()),
			})
			break
		}
		if !d.sendChunk(ctx, job, chunk) {
			break
		}
	}
	d.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) sendChunk(ctx context.Context, job *queue.Job, chunk gateway.StreamChunk) bool {
	select {
	case job.Chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail completes a job with an error before any of its output was produced.
// Stream jobs get a terminal error frame, unary jobs an error result.
func (d *Dispatcher) fail(job *queue.Job, status int, msg string) {
	if job.Stream {
		job.Chunks <- gateway.StreamChunk{Data: upstream.ErrorFrame(status, msg)}
		close(job.Chunks)
		return
	}
	job.Complete(&queue.Result{StatusCode: status, Err: msg})
}

func (d *Dispatcher) reject(job *queue.Job) {
	d.fail(job, http.StatusServiceUnavailable, gateway.ErrShuttingDown.Error())
}
