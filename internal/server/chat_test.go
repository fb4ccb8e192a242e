package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/queue"
	"github.com/eugener/heimdall/internal/testutil"
	"github.com/eugener/heimdall/internal/upstream"
)

const chatBody = `{"model":"fake-model","messages":[{"role":"user","content":"hello"}]}`

func postChat(e *env, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "hmd_test")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	rec := postChat(e, chatBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), "chatcmpl-fake") {
		t.Errorf("body missing upstream response, got: %s", rec.Body.String())
	}

	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.StatusCode != http.StatusOK {
		t.Errorf("record status = %d, want 200", r.StatusCode)
	}
	if r.TotalTokens != 21 || r.PromptTokens != 9 || r.CompletionTokens != 12 {
		t.Errorf("record tokens = %d/%d/%d, want 9/12/21", r.PromptTokens, r.CompletionTokens, r.TotalTokens)
	}
	if r.Model != "fake-model" {
		t.Errorf("record model = %q, want fake-model", r.Model)
	}
	if r.Endpoint != gateway.EndpointChatCompletions {
		t.Errorf("record endpoint = %q", r.Endpoint)
	}
	if r.KeyID != "key-test" || r.OrgID != "org-test" {
		t.Errorf("record principal = %s/%s, want key-test/org-test", r.KeyID, r.OrgID)
	}
	if string(r.RequestBody) != chatBody {
		t.Errorf("record request body not preserved: %s", r.RequestBody)
	}
}

func TestChatCompletionRateLimited(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{limiter: &testutil.FakeLimiter{Deny: true}})

	rec := postChat(e, chatBody)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %s, want rate limit detail", rec.Body.String())
	}
	// Rejected requests consume no quota and leave no accounting row.
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestChatCompletionQuotaDenied(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{quota: &testutil.FakeQuota{Err: gateway.ErrQuotaExceeded}})

	rec := postChat(e, chatBody)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "monthly token quota exceeded") {
		t.Errorf("body = %s, want quota detail", rec.Body.String())
	}
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestChatCompletionInvalidBody(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	for _, body := range []string{"{not json", "[1,2,3]", `"just a string"`} {
		rec := postChat(e, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid JSON body") {
			t.Errorf("body %q: detail = %s", body, rec.Body.String())
		}
	}
}

func TestChatCompletionQueueFull(t *testing.T) {
	t.Parallel()

	// Zero-capacity queue with no dispatcher: every enqueue is rejected.
	h := New(Deps{
		Auth:  &testutil.FakeAuth{},
		Queue: queue.New(0),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("X-Api-Key", "hmd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "queue full") {
		t.Errorf("body = %s, want queue full detail", rec.Body.String())
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	t.Parallel()
	up := &testutil.FakeUpstream{
		ChatFn: func(context.Context, json.RawMessage) (json.RawMessage, *gateway.Usage, error) {
			return nil, nil, &upstream.HTTPError{
				StatusCode: http.StatusInternalServerError,
				Message:    "boom",
				Body:       `{"error":{"message":"boom"}}`,
			}
		},
	}
	e := newEnv(t, envConfig{upstream: up})

	rec := postChat(e, chatBody)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body = %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"detail":"boom"}` {
		t.Errorf("body = %s, want {\"detail\":\"boom\"}", got)
	}

	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("record status = %d, want 500", records[0].StatusCode)
	}
	if records[0].ErrorMessage != "boom" {
		t.Errorf("record error = %q, want boom", records[0].ErrorMessage)
	}
}

func TestChatCompletionTimeout(t *testing.T) {
	t.Parallel()
	up := &testutil.FakeUpstream{
		ChatFn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, *gateway.Usage, error) {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return nil, nil, context.DeadlineExceeded
			}
		},
	}
	e := newEnv(t, envConfig{upstream: up, timeout: 50 * time.Millisecond})

	rec := postChat(e, chatBody)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504; body = %s", rec.Code, rec.Body.String())
	}
	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].StatusCode != http.StatusGatewayTimeout {
		t.Errorf("record status = %d, want 504", records[0].StatusCode)
	}
	if records[0].ErrorMessage != gateway.ErrTimeout.Error() {
		t.Errorf("record error = %q", records[0].ErrorMessage)
	}
}

func TestChatCompletionClientGone(t *testing.T) {
	t.Parallel()
	up := &testutil.FakeUpstream{
		ChatFn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, *gateway.Usage, error) {
			<-ctx.Done()
			return nil, nil, ctx.Err()
		},
	}
	e := newEnv(t, envConfig{upstream: up})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req = req.WithContext(ctx)
	req.Header.Set("X-Api-Key", "hmd_test")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	// A caller that vanished mid-wait gets nothing and is not accounted.
	if rec.Body.Len() != 0 {
		t.Errorf("body = %s, want empty", rec.Body.String())
	}
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}
