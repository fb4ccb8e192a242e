package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/queue"
)

const (
	// maxChatBody caps how much of a completion request is read into memory.
	maxChatBody = 10 << 20
	// recordTimeout bounds the accounting write that runs after the response,
	// detached from the client's context.
	recordTimeout = 5 * time.Second
)

// handleChatCompletion runs the admission sequence: rate limit, quota, body
// validation, enqueue, then await (unary) or pump (stream). The order is
// always compute -> respond -> record.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())

	// Rate limit before reading the body; a denied request costs nothing.
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(r.Context(), p.KeyID) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitExceeded.Inc()
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse(gateway.ErrRateLimited.Error()))
		return
	}
	if s.deps.Quota != nil {
		if err := s.deps.Quota.Check(r.Context(), p); err != nil {
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return
	}
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return
	}
	stream := parsed.Get("stream").Bool()
	model := parsed.Get("model").String()

	started := time.Now()
	job := queue.NewJob(r.Context(), gateway.EndpointChatCompletions, body, p, stream)
	if err := s.deps.Queue.TryEnqueue(job); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueueRejected.Inc()
		}
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueueDepth.Set(float64(s.deps.Queue.Len()))
	}

	if stream {
		s.streamCompletion(w, r, job, model, started)
		return
	}
	s.awaitCompletion(w, r, job, model, started)
}

// awaitCompletion blocks on the job's result slot up to the request timeout.
func (s *server) awaitCompletion(w http.ResponseWriter, r *http.Request, job *queue.Job, model string, started time.Time) {
	timer := time.NewTimer(s.deps.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-job.Done():
		if res.StatusCode == http.StatusOK {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(res.Body)
		} else {
			writeJSON(w, res.StatusCode, errorResponse(res.Err))
		}
		s.record(r.Context(), job, model, res.StatusCode, res.Err, res.Body, res.Usage, started)

	case <-timer.C:
		writeJSON(w, http.StatusGatewayTimeout, errorResponse(gateway.ErrTimeout.Error()))
		s.record(r.Context(), job, model, http.StatusGatewayTimeout, gateway.ErrTimeout.Error(), nil, nil, started)

	case <-r.Context().Done():
		// Client gone while waiting. The dispatcher sees the cancelled job
		// context and abandons the upstream call; nothing to account.
	}
}

// streamCompletion copies chunk bytes from the job to the client verbatim,
// flushing per chunk, then records accounting exactly once with whatever
// usage frame was sniffed last.
func (s *server) streamCompletion(w http.ResponseWriter, r *http.Request, job *queue.Job, model string, started time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()

	var usage *gateway.Usage
	status := http.StatusOK
	errMsg := ""

pump:
	for {
		select {
		case chunk, open := <-job.Chunks:
			if !open {
				break pump
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			// A terminal error frame carries the status the accounting row
			// should show instead of 200.
			if st, msg, isErr := parseErrorFrame(chunk.Data); isErr {
				status, errMsg = st, msg
			}
			if _, err := w.Write(chunk.Data); err != nil {
				break pump
			}
			flusher.Flush()

		case <-r.Context().Done():
			break pump
		}
	}

	s.record(r.Context(), job, model, status, errMsg, nil, usage, started)
}

// record writes the accounting row after the response is finished. It runs on
// a context detached from the client's so a disconnect cannot lose the row,
// with a bounded budget so a slow database cannot pin the handler. Failures
// are logged and swallowed: accounting never breaks the data plane.
func (s *server) record(ctx context.Context, job *queue.Job, model string, status int, errMsg string, respBody json.RawMessage, usage *gateway.Usage, started time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := &gateway.RequestRecord{
		ID:           gateway.NewID(),
		KeyID:        job.Principal.KeyID,
		UserID:       job.Principal.UserID,
		OrgID:        job.Principal.OrgID,
		OwnerType:    job.Principal.OwnerType,
		OwnerID:      job.Principal.OwnerID,
		Endpoint:     job.Endpoint,
		Model:        model,
		RequestBody:  job.Body,
		ResponseBody: respBody,
		StatusCode:   status,
		ErrorMessage: errMsg,
		LatencyMS:    time.Since(started).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}

	if err := s.deps.Store.RecordRequest(rctx, rec); err != nil {
		slog.LogAttrs(rctx, slog.LevelError, "record request failed",
			slog.String("request_id", gateway.RequestIDFromContext(ctx)),
			slog.String("key_id", rec.KeyID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.deps.Metrics != nil && rec.TotalTokens > 0 {
		s.deps.Metrics.TokensTotal.WithLabelValues(rec.KeyID).Add(float64(rec.TotalTokens))
	}
}

var errorEventPrefix = []byte("event: error\ndata: ")

// parseErrorFrame extracts status and message from a terminal SSE error
// frame. Ordinary data frames report false.
func parseErrorFrame(data []byte) (int, string, bool) {
	if !bytes.HasPrefix(data, errorEventPrefix) {
		return 0, "", false
	}
	payload := bytes.TrimSpace(data[len(errorEventPrefix):])
	res := gjson.ParseBytes(payload)
	status := int(res.Get("status").Int())
	if status == 0 {
		status = http.StatusBadGateway
	}
	return status, res.Get("message").String(), true
}

// apiError is the JSON error envelope for every non-2xx unary response.
type apiError struct {
	Detail string `json:"detail"`
}

func errorResponse(msg string) apiError {
	return apiError{Detail: msg}
}

// errorStatus maps domain sentinels to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRateLimited), errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrQueueFull), errors.Is(err, gateway.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
