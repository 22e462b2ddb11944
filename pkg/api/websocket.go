package api

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
)

// wsMessage is the frame shape pushed to websocket clients.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// wsHub tracks connected websocket clients. Each client gets a buffered
// channel drained by its own writer goroutine; slow clients drop messages
// instead of stalling the broadcaster.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan interface{}
	logger  *logging.Logger
}

func newWSHub(logger *logging.Logger) *wsHub {
	return &wsHub{
		clients: make(map[*websocket.Conn]chan interface{}),
		logger:  logger,
	}
}

// serve registers the connection, sends the initial message and blocks until
// the client disconnects.
func (h *wsHub) serve(conn *websocket.Conn, initial interface{}) {
	clientChan := make(chan interface{}, 100)

	h.mu.Lock()
	h.clients[conn] = clientChan
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", map[string]interface{}{
		"remote": conn.RemoteAddr().String(),
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		// Safe to close once the entry is gone: broadcast holds the read
		// lock for the whole send loop.
		close(clientChan)
		conn.Close()

		h.logger.Debug("websocket client disconnected", map[string]interface{}{
			"remote": conn.RemoteAddr().String(),
		})
	}()

	if initial != nil {
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}

	go func() {
		for msg := range clientChan {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Drain reads until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcast queues msg for every client, skipping any whose buffer is full.
func (h *wsHub) broadcast(msg interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clientChan := range h.clients {
		select {
		case clientChan <- msg:
		default:
		}
	}
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll forces the read loops of every connected client to exit. Cleanup
// runs in each serve call's defer.
func (h *wsHub) closeAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
