// Package broadcast fans normalized events out to live websocket
// subscribers, keyed by device subscription and by owning account. All
// broadcast calls are non-blocking with respect to the ingestion pipeline:
// a slow or disconnected subscriber is dropped, never waited on.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is the wire unit sent to subscribers.
type Event struct {
	Event     string    `json:"event"`
	DeviceKey string    `json:"device_key,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	subscriberQueueSize = 64
	writeWait           = 10 * time.Second
)

// Subscriber is one live consumer connection. It belongs to exactly one
// account grouping and any number of device subscriptions.
type Subscriber struct {
	AccountID string

	hub     *Hub
	devices map[string]bool
	send    chan []byte

	mu     sync.Mutex
	closed bool
}

// Events exposes the subscriber's outbound queue, mainly for tests and
// custom transports.
func (s *Subscriber) Events() <-chan []byte {
	return s.send
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// trySend enqueues without blocking. It reports false when the queue is
// full, which marks the subscriber as too slow to keep.
func (s *Subscriber) trySend(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Hub is the subscriber registry. It is concurrently read by broadcasts and
// written by subscribe/unsubscribe, behind a reader-writer lock.
type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	byDevice  map[string]map[*Subscriber]bool
	byAccount map[string]map[*Subscriber]bool
	all       map[*Subscriber]bool

	upgrader websocket.Upgrader
}

// NewHub creates an empty broadcaster hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "broadcast_hub").Logger(),
		byDevice:  make(map[string]map[*Subscriber]bool),
		byAccount: make(map[string]map[*Subscriber]bool),
		all:       make(map[*Subscriber]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Subscribe registers a consumer for an account and a set of device keys
// and returns its subscriber handle. Attach a transport with ServeConn, or
// drain Events directly.
func (h *Hub) Subscribe(accountID string, deviceKeys ...string) *Subscriber {
	sub := &Subscriber{
		AccountID: accountID,
		hub:       h,
		devices:   make(map[string]bool, len(deviceKeys)),
		send:      make(chan []byte, subscriberQueueSize),
	}
	for _, key := range deviceKeys {
		sub.devices[key] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[sub] = true
	if accountID != "" {
		if h.byAccount[accountID] == nil {
			h.byAccount[accountID] = make(map[*Subscriber]bool)
		}
		h.byAccount[accountID][sub] = true
	}
	for _, key := range deviceKeys {
		if h.byDevice[key] == nil {
			h.byDevice[key] = make(map[*Subscriber]bool)
		}
		h.byDevice[key][sub] = true
	}
	return sub
}

// Unsubscribe removes a subscriber from every index and closes its queue.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.all, sub)
	if set := h.byAccount[sub.AccountID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byAccount, sub.AccountID)
		}
	}
	for key := range sub.devices {
		if set := h.byDevice[key]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.byDevice, key)
			}
		}
	}
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount reports how many consumers are registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BroadcastToDevice delivers an event to the subscribers of one device.
func (h *Hub) BroadcastToDevice(deviceKey string, data any) {
	h.deliver(h.snapshot(h.byDevice, deviceKey), Event{
		Event:     "device_update",
		DeviceKey: deviceKey,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// BroadcastToAccount delivers an event to every subscriber in an account
// grouping.
func (h *Hub) BroadcastToAccount(accountID, eventName string, data any) {
	h.deliver(h.snapshot(h.byAccount, accountID), Event{
		Event:     eventName,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// BroadcastGlobal delivers an event to all subscribers.
func (h *Hub) BroadcastGlobal(eventName string, data any) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.all))
	for sub := range h.all {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.deliver(subs, Event{
		Event:     eventName,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) snapshot(index map[string]map[*Subscriber]bool, key string) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := index[key]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// deliver enqueues the event on each subscriber, dropping any whose queue
// is full. Disconnecting a slow consumer is cheaper than letting it stall
// the next inbound message.
func (h *Hub) deliver(subs []*Subscriber, event Event) {
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Event).Msg("Failed to marshal broadcast event")
		return
	}
	for _, sub := range subs {
		if !sub.trySend(payload) {
			h.logger.Warn().Str("account_id", sub.AccountID).Str("event", event.Event).
				Msg("Subscriber queue full, disconnecting slow consumer")
			go h.Unsubscribe(sub)
		}
	}
}

// ServeConn pumps a subscriber's queue into a websocket connection until
// the queue closes or the write fails. It blocks; run it on the connection
// handler's goroutine.
func (h *Hub) ServeConn(sub *Subscriber, conn *websocket.Conn) {
	defer func() {
		h.Unsubscribe(sub)
		_ = conn.Close()
	}()
	for payload := range sub.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug().Err(err).Msg("Websocket write failed, closing subscriber")
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// ServeHTTP upgrades an HTTP request to a websocket subscription. Account
// and device filters come from query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	deviceKeys := r.URL.Query()["device"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to websocket")
		return
	}

	sub := h.Subscribe(accountID, deviceKeys...)
	h.logger.Info().Str("remote_addr", r.RemoteAddr).Str("account_id", accountID).
		Int("device_subscriptions", len(deviceKeys)).Msg("Websocket subscriber connected")

	// Reads are only used to detect client disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.Unsubscribe(sub)
				return
			}
		}
	}()

	h.ServeConn(sub, conn)
}
