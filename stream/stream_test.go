package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevecastle/retinasim/optics"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	t.Cleanup(h.Shutdown)
	return h
}

func receive(t *testing.T, c clientChan) Message {
	t.Helper()
	select {
	case msg := <-c:
		return msg
	case <-time.After(time.Second):
		t.Fatal("did not receive broadcast message")
	}
	return Message{}
}

// TestStats verifies connection statistics
func TestStats(t *testing.T) {
	h := newHub(t)
	stats := h.Stats()
	if stats.MaxConnections != MaxConcurrentConnections {
		t.Errorf("MaxConnections = %d; want %d", stats.MaxConnections, MaxConcurrentConnections)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d; want 0", stats.ActiveConnections)
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"active_connections", "total_messages", "dropped_broadcasts", "rejected_connections"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Stats JSON %s missing %q", data, key)
		}
	}
}

// TestAddRemoveClient tests client registration and removal
func TestAddRemoveClient(t *testing.T) {
	h := newHub(t)
	c := make(chan Message, ClientChannelBuffer)

	if !h.addClient(c, "127.0.0.1:12345", "TestAgent/1.0") {
		t.Fatal("addClient() should succeed")
	}
	if n := atomic.LoadInt64(&h.activeCount); n != 1 {
		t.Errorf("activeCount = %d; want 1", n)
	}

	h.removeClient(c)
	if n := atomic.LoadInt64(&h.activeCount); n != 0 {
		t.Errorf("activeCount after remove = %d; want 0", n)
	}
	if _, ok := <-c; ok {
		t.Error("client channel should be closed")
	}

	// removing again is a no-op
	h.removeClient(c)
}

// TestConnectionLimit verifies clients beyond the limit are rejected
func TestConnectionLimit(t *testing.T) {
	h := newHub(t)
	h.maxConns = 1

	a := make(chan Message, 1)
	b := make(chan Message, 1)
	if !h.addClient(a, "a", "") {
		t.Fatal("first client rejected")
	}
	if h.addClient(b, "b", "") {
		t.Error("second client accepted past the limit")
	}
	if got := h.Stats().RejectedConnections; got != 1 {
		t.Errorf("RejectedConnections = %d; want 1", got)
	}
}

// TestBroadcast tests message broadcasting to several clients
func TestBroadcast(t *testing.T) {
	h := newHub(t)

	clients := make([]clientChan, 3)
	for i := range clients {
		clients[i] = make(chan Message, ClientChannelBuffer)
		h.addClient(clients[i], "127.0.0.1", "TestAgent")
	}

	h.Broadcast(Message{Type: "multi", Msg: "to all"})
	for i, c := range clients {
		if msg := receive(t, c); msg.Type != "multi" || msg.Msg != "to all" {
			t.Errorf("client %d received %+v", i, msg)
		}
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats().TotalMessages < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Stats().TotalMessages; got != 3 {
		t.Errorf("TotalMessages = %d; want 3", got)
	}
}

// TestBroadcastAfterShutdown verifies producers never block on a stopped hub
func TestBroadcastAfterShutdown(t *testing.T) {
	h := NewHub(nil)
	h.Shutdown()
	h.Shutdown()

	done := make(chan struct{})
	go func() {
		for i := 0; i < HubBroadcastBuffer*2; i++ {
			h.Broadcast(Message{Type: "late"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after Shutdown")
	}
}

// TestCleanupStaleConnections verifies idle clients are dropped
func TestCleanupStaleConnections(t *testing.T) {
	h := newHub(t)
	c := make(chan Message, 1)
	h.addClient(c, "idle", "")

	if n := h.cleanupStaleConnections(time.Now()); n != 0 {
		t.Errorf("cleanup removed %d fresh clients", n)
	}
	if n := h.cleanupStaleConnections(time.Now().Add(3 * CleanupInterval)); n != 1 {
		t.Errorf("cleanup removed %d clients; want 1", n)
	}
	if got := h.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections = %d; want 0", got)
	}
}

// TestStageChanged verifies engine stages become stage events
func TestStageChanged(t *testing.T) {
	h := newHub(t)
	c := make(chan Message, ClientChannelBuffer)
	h.addClient(c, "observer", "")

	var obs optics.Observer = h
	obs.StageChanged("req-1", optics.StageConvolve, nil)
	obs.StageChanged("req-1", optics.StageFailed, errors.New("boom"))

	tests := []StageEvent{
		{ID: "req-1", Stage: "convolve"},
		{ID: "req-1", Stage: "failed", Error: "boom"},
	}
	for _, want := range tests {
		msg := receive(t, c)
		if msg.Type != "stage" {
			t.Errorf("Type = %q; want %q", msg.Type, "stage")
		}
		var got StageEvent
		if err := json.Unmarshal([]byte(msg.Msg), &got); err != nil {
			t.Fatalf("payload %q: %v", msg.Msg, err)
		}
		if got != want {
			t.Errorf("event = %+v; want %+v", got, want)
		}
	}
}

// TestStreamHandler verifies the SSE handshake and event delivery
func TestStreamHandler(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.StreamHandler))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q; want %q", ct, "text/event-stream")
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || !strings.Contains(line, "connected") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	r.ReadString('\n')

	h.Broadcast(Message{Type: "stage", Msg: `{"id":"x"}`})
	event, _ := r.ReadString('\n')
	data, _ := r.ReadString('\n')
	if event != "event: stage\n" || data != "data: {\"id\":\"x\"}\n" {
		t.Errorf("got %q %q", event, data)
	}
}

// TestFormatSSEResponse tests SSE response formatting
func TestFormatSSEResponse(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: "update", Msg: "test"}, "event: update\ndata: test\n\n"},
		{Message{Type: "stage", Msg: `{"id":"123"}`}, "event: stage\ndata: {\"id\":\"123\"}\n\n"},
		{Message{Type: "", Msg: "empty type"}, "event: \ndata: empty type\n\n"},
	}

	for _, tt := range tests {
		result := formatSSEResponse(tt.msg)
		if result != tt.expected {
			t.Errorf("formatSSEResponse(%+v) = %q; want %q", tt.msg, result, tt.expected)
		}
	}
}
