package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentbridge/bridge/internal/connector"
)

func newTerminalOnlyRuntime(t *testing.T, terminalText string) *connector.Connector {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"kind":"terminal","text":%q,"conversation_id":"conv-1"}`+"\n", terminalText)
	}))
	t.Cleanup(srv.Close)
	return connector.New(srv.URL, "test-token", 1, nil)
}

func newPartialsThenTerminalRuntime(t *testing.T, terminalText string) *connector.Connector {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"kind":"partial-text","text":"Hello, "}`+"\n")
		fmt.Fprint(w, `{"kind":"partial-text","text":"world"}`+"\n")
		fmt.Fprintf(w, `{"kind":"terminal","text":%q,"conversation_id":"conv-1"}`+"\n", terminalText)
	}))
	t.Cleanup(srv.Close)
	return connector.New(srv.URL, "test-token", 1, nil)
}

// A runtime that streams a single Terminal event with no partials is a
// valid pattern (toolsurface's chat handler deals with it by reading
// evt.Text directly); drainReply must not silently drop that reply.
func TestDrainReplyUsesTerminalTextWhenNoPartials(t *testing.T) {
	conn := newTerminalOnlyRuntime(t, "the final answer")
	handle, err := conn.Send(context.Background(), "agent-1", "conv-1", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reply, err := drainReply(context.Background(), handle)
	if err != nil {
		t.Fatalf("drainReply() error = %v", err)
	}
	if reply != "the final answer" {
		t.Errorf("drainReply() = %q, want %q", reply, "the final answer")
	}
}

func TestDrainReplyFallsBackToAccumulatedPartialsWhenTerminalTextEmpty(t *testing.T) {
	conn := newPartialsThenTerminalRuntime(t, "")
	handle, err := conn.Send(context.Background(), "agent-1", "conv-1", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reply, err := drainReply(context.Background(), handle)
	if err != nil {
		t.Fatalf("drainReply() error = %v", err)
	}
	if reply != "Hello, world" {
		t.Errorf("drainReply() = %q, want %q", reply, "Hello, world")
	}
}

func TestDrainReplyPrefersTerminalTextOverAccumulatedPartials(t *testing.T) {
	conn := newPartialsThenTerminalRuntime(t, "the final answer")
	handle, err := conn.Send(context.Background(), "agent-1", "conv-1", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reply, err := drainReply(context.Background(), handle)
	if err != nil {
		t.Fatalf("drainReply() error = %v", err)
	}
	if reply != "the final answer" {
		t.Errorf("drainReply() = %q, want %q", reply, "the final answer")
	}
}
