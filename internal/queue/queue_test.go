package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

func testJob(t *testing.T, stream bool) *Job {
	t.Helper()
	p := &gateway.Principal{KeyID: "key1", OrgID: "org1"}
	return NewJob(context.Background(), gateway.EndpointChatCompletions,
		json.RawMessage(`{"model":"default"}`), p, stream)
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := New(4)

	var ids []string
	for range 3 {
		j := testJob(t, false)
		ids = append(ids, j.ID)
		if err := q.TryEnqueue(j); err != nil {
			t.Fatal("enqueue:", err)
		}
	}

	for i, want := range ids {
		j, ok := q.Dequeue(context.Background())
		if !ok {
			t.Fatalf("dequeue %d: not ok", i)
		}
		if j.ID != want {
			t.Errorf("dequeue %d = %s, want %s", i, j.ID, want)
		}
	}
}

func TestQueue_TryEnqueueFull(t *testing.T) {
	t.Parallel()
	q := New(1)

	if err := q.TryEnqueue(testJob(t, false)); err != nil {
		t.Fatal("first enqueue:", err)
	}
	err := q.TryEnqueue(testJob(t, false))
	if !errors.Is(err, gateway.ErrQueueFull) {
		t.Errorf("second enqueue = %v, want ErrQueueFull", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_DequeueCancelled(t *testing.T) {
	t.Parallel()
	q := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	select {
	case ok := <-done:
		if ok {
			t.Error("Dequeue on cancelled ctx should report ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after cancellation")
	}
}

func TestQueue_TryDequeueEmpty(t *testing.T) {
	t.Parallel()
	q := New(1)

	if j, ok := q.TryDequeue(); ok {
		t.Errorf("TryDequeue on empty queue returned %v", j)
	}
}

func TestQueue_CapAndLen(t *testing.T) {
	t.Parallel()
	q := New(3)

	if q.Cap() != 3 {
		t.Errorf("Cap() = %d, want 3", q.Cap())
	}
	q.TryEnqueue(testJob(t, false)) //nolint:errcheck
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	q.TryDequeue()
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestJob_CompleteOnce(t *testing.T) {
	t.Parallel()
	j := testJob(t, false)

	j.Complete(&Result{StatusCode: 200})
	j.Complete(&Result{StatusCode: 500})

	r := <-j.Done()
	if r.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200 from first Complete", r.StatusCode)
	}

	select {
	case extra := <-j.Done():
		t.Errorf("Done() yielded a second result: %v", extra)
	default:
	}
}

func TestNewJob_StreamChunks(t *testing.T) {
	t.Parallel()

	if j := testJob(t, true); j.Chunks == nil {
		t.Error("stream job should carry a chunk channel")
	}
	if j := testJob(t, false); j.Chunks != nil {
		t.Error("unary job should not carry a chunk channel")
	}
}
