package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, func() string { return "test-key" }), srv
}

// drain collects all events from a chat stream.
func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestChatNonStreaming(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply": "hello there"}`)
	})
	defer srv.Close()

	ch, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventTextDelta || events[0].TextDelta != "hello there" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != EventDone {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestChatStreaming(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\": \"Hel\"}\n\n")
		fmt.Fprint(w, "data: {not json at all}\n\n") // must be skipped, not fatal
		fmt.Fprint(w, "data: {\"text\": \"lo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer srv.Close()

	ch, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := drain(t, ch)

	var text string
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			text += ev.TextDelta
		}
	}
	if text != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text)
	}
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Errorf("last event = %+v, want EventDone", last)
	}
}

func TestChatStreamErrorFrame(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\": \"partial\"}\n\n")
		fmt.Fprint(w, "data: {\"error\": \"model overloaded\"}\n\n")
	})
	defer srv.Close()

	ch, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := drain(t, ch)

	if events[0].Type != EventTextDelta || events[0].TextDelta != "partial" {
		t.Fatalf("events[0] = %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want EventError", last)
	}
	if last.Err == nil || last.Err.Error() != "model overloaded" {
		t.Errorf("Err = %v", last.Err)
	}
}

func TestChatTruncatedStream(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\": \"cut off\"}\n\n")
		// No [DONE] terminator.
	})
	defer srv.Close()

	ch, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Errorf("truncated stream should end in EventError, got %+v", last)
	}
}

func TestChatQuotaStatus(t *testing.T) {
	const body = `quota exceeded, limit: 0`
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, body)
	})
	defer srv.Close()

	_, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if !se.IsQuota() {
		t.Error("IsQuota = false for 429")
	}
	if se.Body != body {
		t.Errorf("Body = %q, want %q", se.Body, body)
	}
}

func TestChatServerError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	defer srv.Close()

	_, err := client.Chat(context.Background(), &ChatRequest{Model: "m1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.IsQuota() {
		t.Error("IsQuota = true for 500")
	}
}

func TestListModels(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models": [{"value": "pro", "label": "Pro", "inputTokens": 1000000}], "fallback": true}`)
	})
	defer srv.Close()

	list, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list.Models) != 1 || list.Models[0].Value != "pro" {
		t.Errorf("Models = %+v", list.Models)
	}
	if list.Models[0].InputTokens != 1000000 {
		t.Errorf("InputTokens = %d", list.Models[0].InputTokens)
	}
	if !list.Fallback {
		t.Error("Fallback = false, want true")
	}
}
