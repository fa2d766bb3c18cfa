package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentplanet/acn/internal/task"
)

func TestHTTPTransportDeliver(t *testing.T) {
	var received Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"echo":"ok"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	env := Envelope{
		Sender:    "a1",
		ContextID: "ctx-1",
		Parts:     []task.Part{task.TextPart("hello")},
	}

	reply, err := tr.Deliver(context.Background(), server.URL, env)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(reply) != `{"echo":"ok"}` {
		t.Errorf("unexpected reply %s", reply)
	}
	if received.Sender != "a1" || received.ContextID != "ctx-1" || len(received.Parts) != 1 {
		t.Errorf("endpoint saw wrong envelope: %+v", received)
	}
}

func TestHTTPTransportRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	_, err := tr.Deliver(context.Background(), server.URL, Envelope{Sender: "a1"})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	if !Retryable(err) {
		t.Error("refused deliveries must be retryable")
	}

	var te *Error
	if !errors.As(err, &te) {
		t.Fatal("expected a transport Error wrapper")
	}
	if te.Endpoint != server.URL {
		t.Errorf("wrapper lost the endpoint: %s", te.Endpoint)
	}
}

func TestHTTPTransportConnectionError(t *testing.T) {
	tr := NewHTTPTransport()
	// Nothing listens here.
	_, err := tr.Deliver(context.Background(), "http://127.0.0.1:1/deliver", Envelope{Sender: "a1"})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport()
	_, err := tr.Deliver(ctx, server.URL, Envelope{Sender: "a1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !Retryable(err) {
		t.Error("timeouts must be retryable")
	}
}

func TestHTTPTransportCanceledPassthrough(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	tr := NewHTTPTransport()
	_, err := tr.Deliver(ctx, server.URL, Envelope{Sender: "a1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if Retryable(err) {
		t.Error("cancellation must not be retryable")
	}
}
