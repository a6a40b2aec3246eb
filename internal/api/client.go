package api

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

	"github.com/kitechat/kite/internal/logger"
)

const maxErrorBody = 64 * 1024

// Client talks to the generation service. The API key is resolved per
// request through keyFn so a cleared or rotated credential takes effect
// without rebuilding the client.
//
// There is deliberately no request timeout: a hung generation is resolved
// by explicit cancellation of the caller's context.
type Client struct {
	baseURL    string
	keyFn      func() string
	httpClient *http.Client
}

// NewClient creates a Client for baseURL. keyFn returns the current API key.
func NewClient(baseURL string, keyFn func() string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyFn:      keyFn,
		httpClient: &http.Client{},
	}
}

// Chat submits a turn and returns a channel of Events. The channel keeps
// emitting until EventDone or EventError, then closes; the caller must
// drain it. A non-2xx status is returned synchronously as *StatusError.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.keyFn())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	ch := make(chan Event, 16)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		go c.readStream(ctx, resp.Body, ch)
	} else {
		go c.readSingle(resp.Body, ch)
	}
	return ch, nil
}

// readSingle handles the non-streaming variant: one JSON object {reply}.
func (c *Client) readSingle(body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	var reply struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(body).Decode(&reply); err != nil {
		ch <- Event{Type: EventError, Err: fmt.Errorf("decode reply: %w", err)}
		return
	}
	if reply.Reply != "" {
		ch <- Event{Type: EventTextDelta, TextDelta: reply.Reply}
	}
	ch <- Event{Type: EventDone}
}

// streamFrame is the payload of one "data:" line.
type streamFrame struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// readStream consumes SSE-style frames: data: {"text": ...} increments,
// an optional data: {"error": ...} frame, and a data: [DONE] terminator.
//
// A frame that fails to parse is skipped rather than aborting the stream:
// corruption of one event must not discard text already received.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			payload, ok = strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
		}
		payload = strings.TrimSpace(payload)

		if payload == "[DONE]" {
			ch <- Event{Type: EventDone}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			logger.Debug("skipping malformed stream frame", "payload", payload)
			continue
		}
		if frame.Error != "" {
			ch <- Event{Type: EventError, Err: errors.New(frame.Error)}
			return
		}
		if frame.Text != "" {
			ch <- Event{Type: EventTextDelta, TextDelta: frame.Text}
		}
	}

	// The read loop ended without a [DONE]. Either the caller cancelled
	// (surface ctx.Err so the controller can tell cancellation from
	// failure) or the connection dropped mid-stream.
	if ctx.Err() != nil {
		ch <- Event{Type: EventError, Err: ctx.Err()}
		return
	}
	if err := scanner.Err(); err != nil {
		ch <- Event{Type: EventError, Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	ch <- Event{Type: EventError, Err: errors.New("stream ended before completion")}
}

// ListModels fetches the model catalog.
func (c *Client) ListModels(ctx context.Context) (*ModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.keyFn())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return &list, nil
}
