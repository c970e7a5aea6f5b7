package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultHistoryCap   = 256
	observerSendBufSize = 128
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Monitoring is a local dev surface.
	},
}

// Hub fans bridge traffic and events out to any number of read-only
// WebSocket observers. Observers never touch the arbiter and cannot write
// to the interpreter; a slow observer is skipped, never back-pressured
// into the forwarding path. A nil *Hub is valid and discards everything,
// so callers publish unconditionally.
type Hub struct {
	history *RingBuffer

	// StatusFunc supplies the GET /status snapshot; set by the caller
	// before serving.
	StatusFunc func() Status

	mu        sync.RWMutex
	observers map[*observer]bool
}

type observer struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a monitor hub with the default history capacity.
func NewHub() *Hub {
	return &Hub{
		history:   NewRingBuffer(defaultHistoryCap),
		observers: make(map[*observer]bool),
	}
}

// Handler returns the monitor HTTP surface: /ws for the stream, /status
// for a JSON snapshot.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/status", h.handleStatus)
	return mux
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	if h.StatusFunc != nil {
		status = h.StatusFunc()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: websocket upgrade error: %v", err)
		return
	}

	o := &observer{
		conn: conn,
		send: make(chan []byte, defaultHistoryCap+observerSendBufSize),
		hub:  h,
	}

	// Catch the new observer up before it goes live; the send buffer is
	// sized to hold a full history, so the replay never drops messages.
	for _, msg := range h.history.ReadAll() {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		o.send <- data
	}

	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	go o.writePump()
	go o.readPump()
}

// readPump discards observer input; its purpose is detecting disconnects
// and answering pings.
func (o *observer) readPump() {
	defer func() {
		o.hub.remove(o)
		o.conn.Close()
	}()

	o.conn.SetReadDeadline(time.Now().Add(readDeadline))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *observer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case message, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(o *observer) {
	h.mu.Lock()
	if _, ok := h.observers[o]; ok {
		delete(h.observers, o)
		close(o.send)
	}
	h.mu.Unlock()
}

// publish records a message in history and fans it out.
func (h *Hub) publish(msgType string, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return
	}
	h.history.Write(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		select {
		case o.send <- data:
		default:
			// Observer buffer full, skip.
		}
	}
}

// Output mirrors an interpreter→client chunk.
func (h *Hub) Output(sessionID string, data []byte) {
	if h == nil {
		return
	}
	h.publish(TypeTraffic, TrafficPayload{
		SessionID: sessionID,
		Direction: "out",
		Data:      append([]byte(nil), data...),
	})
}

// Input mirrors a client→interpreter chunk.
func (h *Hub) Input(sessionID string, data []byte) {
	if h == nil {
		return
	}
	h.publish(TypeTraffic, TrafficPayload{
		SessionID: sessionID,
		Direction: "in",
		Data:      append([]byte(nil), data...),
	})
}

// Event publishes a connection lifecycle or interpreter event.
func (h *Hub) Event(event, sessionID, proto, detail string) {
	if h == nil {
		return
	}
	h.publish(TypeEvent, EventPayload{
		Event:     event,
		SessionID: sessionID,
		Proto:     proto,
		Detail:    detail,
	})
}

// Disconnected publishes a session's final throughput counters.
func (h *Hub) Disconnected(sessionID, proto string, bytesIn, bytesOut uint64) {
	if h == nil {
		return
	}
	h.publish(TypeDisconnected, DisconnectedPayload{
		SessionID: sessionID,
		Proto:     proto,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
	})
}
