// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"encoding/json"

	gateway "github.com/eugener/heimdall/internal"
)

// FakeUpstream is a configurable worker.UpstreamClient for testing.
type FakeUpstream struct {
	ChatFn   func(ctx context.Context, body json.RawMessage) (json.RawMessage, *gateway.Usage, error)
	StreamFn func(ctx context.Context, body json.RawMessage) (<-chan gateway.StreamChunk, error)
}

// ChatCompletion delegates to ChatFn or returns a canned completion.
func (f *FakeUpstream) ChatCompletion(ctx context.Context, body json.RawMessage) (json.RawMessage, *gateway.Usage, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, body)
	}
	usage := &gateway.Usage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21}
	resp := json.RawMessage(`{"id":"chatcmpl-fake","object":"chat.completion","created":1700000000,` +
		`"model":"fake-model","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},` +
		`"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`)
	return resp, usage, nil
}

// ChatCompletionStream delegates to StreamFn or returns a two-chunk stream
// ending in [DONE].
func (f *FakeUpstream) ChatCompletionStream(ctx context.Context, body json.RawMessage) (<-chan gateway.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, body)
	}
	return FakeStreamChan(
		gateway.StreamChunk{Data: []byte(`data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n\n")},
		gateway.StreamChunk{
			Data:  []byte(`data: {"choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}` + "\n\n"),
			Usage: &gateway.Usage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21},
		},
		gateway.StreamChunk{Data: []byte("data: [DONE]\n\n")},
	), nil
}

// FakeStreamChan returns a closed channel pre-loaded with the given chunks.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
