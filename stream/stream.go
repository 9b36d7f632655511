// Package stream fans simulation progress out to Server-Sent Events clients.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevecastle/retinasim/optics"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 1000
	// Buffer size for each client's message channel
	ClientChannelBuffer = 256
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// How often to cleanup dead connections
	CleanupInterval = 60 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 2048
)

type clientChan chan Message

// Client represents a connected SSE client
type Client struct {
	ID           string
	Channel      clientChan
	LastSeen     int64 // Unix timestamp
	RemoteAddr   string
	UserAgent    string
	Connected    int64 // Unix timestamp when connected
	MessagesSent int64
}

type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	MaxConnections      int64 `json:"max_connections"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

// Hub manages SSE client connections and broadcasts to all of them.
type Hub struct {
	clients           sync.Map // map[clientChan]*Client
	activeCount       int64
	totalMessages     int64
	broadcast         chan Message
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	maxConns          int64
	mu                sync.RWMutex // held for write while a client channel is closed
	shutdown          chan struct{}
	shutdownOnce      sync.Once
	logger            *slog.Logger
}

// NewHub starts the broadcast and cleanup loops. Call Shutdown to stop them.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		shutdown:  make(chan struct{}),
		broadcast: make(chan Message, HubBroadcastBuffer),
		maxConns:  MaxConcurrentConnections,
		logger:    logger,
	}
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

// Stats returns current connection statistics
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   atomic.LoadInt64(&h.activeCount),
		TotalMessages:       atomic.LoadInt64(&h.totalMessages),
		MaxConnections:      h.maxConns,
		DroppedBroadcasts:   atomic.LoadInt64(&h.droppedBroadcasts),
		DroppedClientMsgs:   atomic.LoadInt64(&h.droppedClientMsgs),
		RejectedConnections: atomic.LoadInt64(&h.rejectedConns),
	}
}

// addClient registers a new client connection
func (h *Hub) addClient(c clientChan, remoteAddr, userAgent string) bool {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		atomic.AddInt64(&h.rejectedConns, 1)
		h.logger.Warn("connection limit reached, rejecting client", "limit", h.maxConns, "remote", remoteAddr)
		return false
	}

	client := &Client{
		ID:         fmt.Sprintf("%d-%s", time.Now().UnixNano(), remoteAddr),
		Channel:    c,
		LastSeen:   time.Now().Unix(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		Connected:  time.Now().Unix(),
	}

	h.clients.Store(c, client)
	atomic.AddInt64(&h.activeCount, 1)

	h.logger.Debug("stream client connected", "client", client.ID, "total", atomic.LoadInt64(&h.activeCount))
	return true
}

// removeClient removes a client connection and closes its channel
func (h *Hub) removeClient(c clientChan) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, exists := h.clients.LoadAndDelete(c); exists {
		clientData := client.(*Client)
		atomic.AddInt64(&h.activeCount, -1)

		select {
		case <-c:
		default:
		}
		close(c)

		h.logger.Debug("stream client disconnected", "client", clientData.ID, "total", atomic.LoadInt64(&h.activeCount))
	}
}

// Broadcast enqueues a message for fan-out without blocking callers
func (h *Hub) Broadcast(msg Message) {
	select {
	case <-h.shutdown:
		return
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		// hub busy; drop to protect producers
		atomic.AddInt64(&h.droppedBroadcasts, 1)
	}
}

func (h *Hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.mu.RLock()
			h.clients.Range(func(key, value any) bool {
				c := key.(clientChan)
				client := value.(*Client)
				select {
				case c <- msg:
					atomic.StoreInt64(&client.LastSeen, time.Now().Unix())
					atomic.AddInt64(&client.MessagesSent, 1)
					atomic.AddInt64(&h.totalMessages, 1)
				default:
					// client queue full; drop this message for this client
					atomic.AddInt64(&h.droppedClientMsgs, 1)
				}
				return true
			})
			h.mu.RUnlock()
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) cleanupRoutine() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupStaleConnections(time.Now())
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStaleConnections removes clients that haven't been seen recently
func (h *Hub) cleanupStaleConnections(now time.Time) int {
	staleThreshold := now.Unix() - int64(CleanupInterval.Seconds()*2)

	var staleClients []clientChan
	h.clients.Range(func(key, value any) bool {
		if atomic.LoadInt64(&value.(*Client).LastSeen) < staleThreshold {
			staleClients = append(staleClients, key.(clientChan))
		}
		return true
	})

	if len(staleClients) > 0 {
		h.logger.Info("cleaning up stale stream connections", "count", len(staleClients))
		for _, c := range staleClients {
			h.removeClient(c)
		}
	}
	return len(staleClients)
}

// Shutdown stops the loops and disconnects every client.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, value any) bool {
			h.removeClient(key.(clientChan))
			return true
		})
		h.logger.Info("stream hub shutdown complete")
	})
}

// StreamHandler serves the SSE endpoint.
func (h *Hub) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")
	w.Header().Del("Content-Encoding")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messageChan := make(chan Message, ClientChannelBuffer)
	if !h.addClient(messageChan, r.RemoteAddr, r.UserAgent()) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(messageChan)

	ctx := r.Context()
	keepAliveTicker := time.NewTicker(KeepAliveInterval)
	defer keepAliveTicker.Stop()

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\",\"msg\":\"SSE connection established\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAliveTicker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}

// StageEvent is the payload of a "stage" message.
type StageEvent struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
	Error string `json:"error,omitempty"`
}

// StageChanged lets a Hub observe engine progress. Each transition becomes
// a "stage" event.
func (h *Hub) StageChanged(id string, stage optics.Stage, err error) {
	ev := StageEvent{ID: id, Stage: stage.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	data, mErr := json.Marshal(ev)
	if mErr != nil {
		return
	}
	h.Broadcast(Message{Type: "stage", Msg: string(data)})
}

var _ optics.Observer = (*Hub)(nil)
