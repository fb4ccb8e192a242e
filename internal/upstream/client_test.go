package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(srv.URL, 5*time.Second)
	t.Cleanup(c.Close)
	return c
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	upstreamJSON := `{"id":"chatcmpl-1","object":"chat.completion","model":"default",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],` +
		`"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if _, ok := req["stream"]; ok {
			t.Error("stream key should be stripped")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, upstreamJSON)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	raw, usage, err := client.ChatCompletion(context.Background(),
		json.RawMessage(`{"model":"default","messages":[],"stream":true}`))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if string(raw) != upstreamJSON {
		t.Errorf("body not passed through verbatim:\n got %s\nwant %s", raw, upstreamJSON)
	}
	if usage == nil {
		t.Fatal("usage should be sniffed from the response")
	}
	if usage.PromptTokens != 5 || usage.CompletionTokens != 7 || usage.TotalTokens != 12 {
		t.Errorf("usage = %+v, want 5/7/12", usage)
	}
}

func TestChatCompletion_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, _, err := client.ChatCompletion(context.Background(), json.RawMessage(`{"model":"default"}`))

	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if herr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", herr.StatusCode)
	}
	if herr.Message != "boom" {
		t.Errorf("Message = %q, want %q", herr.Message, "boom")
	}
	if herr.Body != `{"error":{"message":"boom"}}` {
		t.Errorf("Body = %q", herr.Body)
	}
}

func TestChatCompletion_ErrorMessageFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain text", "model not loaded\n", "model not loaded"},
		{"empty body", "", "Service Unavailable"},
		{"non-openai json", `{"detail":"nope"}`, `{"detail":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := newTestClient(t, srv)
			_, _, err := client.ChatCompletion(context.Background(), json.RawMessage(`{}`))

			var herr *HTTPError
			if !errors.As(err, &herr) {
				t.Fatalf("err = %v, want *HTTPError", err)
			}
			if herr.Message != tt.want {
				t.Errorf("Message = %q, want %q", herr.Message, tt.want)
			}
		})
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	// Canned SSE response with two content chunks + usage + [DONE].
	sseBody := "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"},\"index\":0}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["stream"] != true {
			t.Error("stream should be forced true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ch, err := client.ChatCompletionStream(context.Background(), json.RawMessage(`{"model":"default"}`))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var forwarded bytes.Buffer
	var usage *gateway.Usage
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		forwarded.Write(c.Data)
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	if forwarded.String() != sseBody {
		t.Errorf("stream not byte-identical:\n got %q\nwant %q", forwarded.String(), sseBody)
	}
	if usage == nil {
		t.Fatal("usage should be sniffed from the stream")
	}
	if usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", usage.TotalTokens)
	}
}

func TestChatCompletionStream_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ch, err := client.ChatCompletionStream(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want exactly 1 error frame", len(chunks))
	}
	want := ErrorFrame(http.StatusTooManyRequests, "slow down")
	if !bytes.Equal(chunks[0].Data, want) {
		t.Errorf("frame = %q, want %q", chunks[0].Data, want)
	}
}

func TestChatCompletionStream_ContextCancel(t *testing.T) {
	t.Parallel()

	// Server that sends one chunk then blocks until the client disconnects.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, srv)
	ch, err := client.ChatCompletionStream(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	chunk := <-ch
	if len(chunk.Data) == 0 {
		t.Error("expected data in first chunk")
	}

	cancel()

	// Drain remaining -- the channel must close, usually after an error chunk.
	for c := range ch {
		if c.Err != nil {
			return
		}
	}
}

func TestStripStream(t *testing.T) {
	t.Parallel()

	out, err := stripStream(json.RawMessage(`{"model":"m","temperature":0.7,"max_tokens":1024,"stream":true}`))
	if err != nil {
		t.Fatal("stripStream:", err)
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		t.Fatal("decode:", err)
	}
	if _, ok := m["stream"]; ok {
		t.Error("stream key should be removed")
	}
	if m["temperature"] != json.Number("0.7") {
		t.Errorf("temperature = %v, want 0.7 preserved exactly", m["temperature"])
	}
	if m["max_tokens"] != json.Number("1024") {
		t.Errorf("max_tokens = %v, want 1024 preserved exactly", m["max_tokens"])
	}
}

func TestForceStream(t *testing.T) {
	t.Parallel()

	out, err := forceStream(json.RawMessage(`{"model":"m"}`))
	if err != nil {
		t.Fatal("forceStream:", err)
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal("decode:", err)
	}
	if m["stream"] != true {
		t.Error("stream should be true")
	}
}

func TestErrorFrame(t *testing.T) {
	t.Parallel()

	got := ErrorFrame(502, "upstream gone")
	want := "event: error\ndata: {\"status\":502,\"message\":\"upstream gone\"}\n\n"
	if string(got) != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestSniffUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want int64 // TotalTokens, 0 means nil
	}{
		{"present", `{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`, 3},
		{"zero total", `{"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`, 0},
		{"absent", `{"choices":[]}`, 0},
		{"wrong type", `{"usage":"lots"}`, 0},
		{"null", `{"usage":null}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := sniffUsage([]byte(tt.raw))
			if tt.want == 0 {
				if got != nil {
					t.Errorf("sniffUsage() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.TotalTokens != tt.want {
				t.Errorf("sniffUsage() = %+v, want total %d", got, tt.want)
			}
		})
	}
}
