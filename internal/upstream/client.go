// Package upstream implements the HTTP client for the vLLM-compatible
// inference server behind the gateway.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	chunkBuffer         = 8
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// Client talks to the single inference server. The unary client carries an
// end-to-end timeout; the stream client has none, since generation time is
// unbounded and dial and TLS handshake deadlines still apply.
type Client struct {
	baseURL string
	unary   *http.Client
	stream  *http.Client
	done    chan struct{}
}

// New creates a client for the server at baseURL with the given unary
// timeout.
func New(baseURL string, timeout time.Duration) *Client {
	resolver := &dnscache.Resolver{}
	transport := newTransport(resolver)
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		unary:   &http.Client{Transport: transport, Timeout: timeout},
		stream:  &http.Client{Transport: transport},
		done:    make(chan struct{}),
	}
	go c.refreshDNS(resolver)
	return c
}

// Close stops the DNS refresh loop and drops idle connections.
func (c *Client) Close() {
	close(c.done)
	c.unary.CloseIdleConnections()
}

// ChatCompletion sends a non-streaming chat completion request. Any stream
// flag in body is dropped. Status >= 400 returns a *HTTPError; success
// returns the raw upstream JSON and the usage block sniffed from it.
func (c *Client) ChatCompletion(ctx context.Context, body json.RawMessage) (json.RawMessage, *gateway.Usage, error) {
	out, err := stripStream(body)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	req, err := c.newRequest(ctx, out)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.unary.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, parseHTTPError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return raw, sniffUsage(raw), nil
}

// ChatCompletionStream sends a streaming chat completion request with the
// stream flag forced true. The upstream SSE body is forwarded line by line
// with its bytes untouched; data payloads are inspected for a usage block
// along the way. An upstream HTTP error arrives as exactly one pre-framed
// error event, then the channel closes.
func (c *Client) ChatCompletionStream(ctx context.Context, body json.RawMessage) (<-chan gateway.StreamChunk, error) {
	out, err := forceStream(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	req, err := c.newRequest(ctx, out)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}

	ch := make(chan gateway.StreamChunk, chunkBuffer)
	if resp.StatusCode >= 400 {
		herr := parseHTTPError(resp)
		resp.Body.Close()
		ch <- gateway.StreamChunk{Data: ErrorFrame(herr.StatusCode, herr.Message)}
		close(ch)
		return ch, nil
	}

	go c.readStream(ctx, resp, ch)
	return ch, nil
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// readStream forwards raw SSE lines from resp to ch. The channel is closed
// when the upstream ends or ctx is cancelled.
func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	send := func(chunk gateway.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			select {
			case ch <- gateway.StreamChunk{Err: ctx.Err()}:
			default:
			}
			return false
		}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			chunk := gateway.StreamChunk{Data: line}
			payload, isData := dataPayload(line)
			if isData {
				chunk.Usage = sniffUsage(payload)
			}
			if !send(chunk) {
				return
			}
			if isData && bytes.Equal(bytes.TrimSpace(payload), doneSentinel) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				send(gateway.StreamChunk{Err: fmt.Errorf("upstream: read stream: %w", err)})
			}
			return
		}
	}
}

// dataPayload returns the payload of an SSE data line, stripping the field
// name and the optional leading space.
func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	p := bytes.TrimPrefix(line, dataPrefix)
	return bytes.TrimPrefix(p, []byte(" ")), true
}

// sniffUsage extracts the usage block from an upstream payload, if one with
// counted tokens is present.
func sniffUsage(raw []byte) *gateway.Usage {
	u := gjson.GetBytes(raw, "usage")
	if !u.Exists() || u.Type != gjson.JSON {
		return nil
	}
	var usage gateway.Usage
	if json.Unmarshal([]byte(u.Raw), &usage) != nil || usage.TotalTokens <= 0 {
		return nil
	}
	return &usage
}

// stripStream removes the stream flag so the upstream runs the request as a
// unary completion. The rest of the body passes through untouched.
func stripStream(body json.RawMessage) ([]byte, error) {
	m, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	delete(m, "stream")
	return json.Marshal(m)
}

// forceStream sets stream=true regardless of what the client sent.
func forceStream(body json.RawMessage) ([]byte, error) {
	m, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	m["stream"] = true
	return json.Marshal(m)
}

func decodeObject(body json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
