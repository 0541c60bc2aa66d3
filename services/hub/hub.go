package hub

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Hub configuration defaults
const (
	MaxClients        = 256
	SendBufferSize    = 256
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = 30 * time.Second
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAtCapacity         = errors.New("hub at capacity")
)

// Stats is a read-only snapshot of hub state
type Stats struct {
	TotalConnections           int          `json:"total_connections"`
	TotalUsers                 int          `json:"total_users"`
	TotalSessions              int          `json:"total_sessions"`
	PerUserCounts              map[uint]int `json:"per_user_counts"`
	PerSessionSubscriberCounts map[uint]int `json:"per_session_subscriber_counts"`
}

type registerReq struct {
	client *Client
	reply  chan error
}

type subscribeReq struct {
	connID      string
	sessionID   uint
	unsubscribe bool
	reply       chan error
}

type disconnectReq struct {
	connID string
	reply  chan struct{}
}

// broadcast targets
const (
	scopeSession = iota
	scopeUser
	scopeConn
	scopeAll
)

type broadcastReq struct {
	scope     int
	sessionID uint
	userID    uint
	connID    string
	payload   []byte
}

// Hub is the in-memory pub/sub registry of live client connections and their
// session subscriptions. All registry state is owned by the run loop
// goroutine; every mutation path goes through its channels, so the forward
// and reverse subscription indices can never diverge.
type Hub struct {
	clients     map[string]*Client          // connection id -> client
	userConns   map[uint]map[string]*Client // user id -> connections
	sessionSubs map[uint]map[string]*Client // session id -> subscribers (forward index)
	connSubs    map[string]map[uint]bool    // connection id -> session ids (reverse index)

	register   chan registerReq
	disconnect chan disconnectReq
	subscribe  chan subscribeReq
	broadcast  chan broadcastReq
	statsReq   chan chan Stats
	shutdown   chan struct{}

	upgrader websocket.Upgrader

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	// snapshotFn, when set, produces an event sent to a connection right
	// after it subscribes to a session, so reconnecting clients see current
	// state immediately instead of waiting for the next report.
	snapshotFn func(sessionID uint) *Event
}

// New creates a hub with default heartbeat intervals
func New() *Hub {
	return NewWithIntervals(DefaultWriteWait, DefaultPongWait, DefaultPingPeriod)
}

// NewWithIntervals creates a hub with explicit heartbeat timing
func NewWithIntervals(writeWait, pongWait, pingPeriod time.Duration) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		userConns:   make(map[uint]map[string]*Client),
		sessionSubs: make(map[uint]map[string]*Client),
		connSubs:    make(map[string]map[uint]bool),
		register:    make(chan registerReq),
		disconnect:  make(chan disconnectReq),
		subscribe:   make(chan subscribeReq),
		broadcast:   make(chan broadcastReq, 256),
		statsReq:    make(chan chan Stats),
		shutdown:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// SetSnapshotFunc installs the on-subscribe snapshot hook
func (h *Hub) SetSnapshotFunc(fn func(sessionID uint) *Event) {
	h.snapshotFn = fn
}

// Run starts the hub loop. Call once, typically in a goroutine at startup.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			for _, client := range h.clients {
				h.removeClient(client)
			}
			return

		case req := <-h.register:
			req.reply <- h.addClient(req.client)

		case req := <-h.disconnect:
			if client, ok := h.clients[req.connID]; ok {
				h.removeClient(client)
			}
			close(req.reply)

		case req := <-h.subscribe:
			req.reply <- h.applySubscription(req)

		case req := <-h.broadcast:
			h.deliver(req)

		case reply := <-h.statsReq:
			reply <- h.snapshotStats()
		}
	}
}

// Shutdown stops the run loop and disconnects every client
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// HandleWebSocket upgrades an HTTP request and registers the connection for
// the authenticated user
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID uint) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := NewClient(userID)
	client.conn = conn

	if err := h.Register(client); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
		conn.Close()
		log.Printf("WebSocket client rejected: %v", err)
		return
	}

	go client.writePump(h)
	go client.readPump(h)
}

// Register adds a client to the hub and sends it the connection
// acknowledgement event
func (h *Hub) Register(client *Client) error {
	reply := make(chan error)
	h.register <- registerReq{client: client, reply: reply}
	return <-reply
}

// Disconnect removes a connection, clearing it from every session it was
// subscribed to. Idempotent: unknown ids are ignored.
func (h *Hub) Disconnect(connID string) {
	reply := make(chan struct{})
	h.disconnect <- disconnectReq{connID: connID, reply: reply}
	<-reply
}

// Subscribe adds the connection to a session's subscriber set
func (h *Hub) Subscribe(connID string, sessionID uint) error {
	reply := make(chan error)
	h.subscribe <- subscribeReq{connID: connID, sessionID: sessionID, reply: reply}
	return <-reply
}

// Unsubscribe removes the connection from a session's subscriber set
func (h *Hub) Unsubscribe(connID string, sessionID uint) error {
	reply := make(chan error)
	h.subscribe <- subscribeReq{connID: connID, sessionID: sessionID, unsubscribe: true, reply: reply}
	return <-reply
}

// SendToConnection delivers an event to a single connection, best-effort
func (h *Hub) SendToConnection(connID string, event Event) {
	if payload, ok := marshalEvent(event); ok {
		h.broadcast <- broadcastReq{scope: scopeConn, connID: connID, payload: payload}
	}
}

// SendToUser delivers an event to every live connection owned by the user
func (h *Hub) SendToUser(userID uint, event Event) {
	if payload, ok := marshalEvent(event); ok {
		h.broadcast <- broadcastReq{scope: scopeUser, userID: userID, payload: payload}
	}
}

// BroadcastToSession delivers an event to every connection subscribed to the
// session. Events for one session are delivered in call order.
func (h *Hub) BroadcastToSession(sessionID uint, event Event) {
	if payload, ok := marshalEvent(event); ok {
		h.broadcast <- broadcastReq{scope: scopeSession, sessionID: sessionID, payload: payload}
	}
}

// BroadcastAll delivers an event to every live connection
func (h *Hub) BroadcastAll(event Event) {
	if payload, ok := marshalEvent(event); ok {
		h.broadcast <- broadcastReq{scope: scopeAll, payload: payload}
	}
}

// Stats returns a read-only snapshot of hub state
func (h *Hub) Stats() Stats {
	reply := make(chan Stats)
	h.statsReq <- reply
	return <-reply
}

func marshalEvent(event Event) ([]byte, bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event %q: %v", event.Type, err)
		return nil, false
	}
	return payload, true
}

// --- run loop internals; only ever called from Run ---

func (h *Hub) addClient(client *Client) error {
	if len(h.clients) >= MaxClients {
		return ErrAtCapacity
	}
	h.clients[client.ID] = client
	if h.userConns[client.UserID] == nil {
		h.userConns[client.UserID] = make(map[string]*Client)
	}
	h.userConns[client.UserID][client.ID] = client
	h.connSubs[client.ID] = make(map[uint]bool)

	h.sendLocked(client, Event{
		Type:         EventConnectionEstablished,
		ConnectionID: client.ID,
		Time:         time.Now().Format(time.RFC3339),
	})

	log.Printf("WebSocket client %s connected (user %d). Total clients: %d", client.ID, client.UserID, len(h.clients))
	return nil
}

// removeClient clears the connection from every index, using the reverse
// index to find its session subscriptions without scanning all sessions
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)

	if conns := h.userConns[client.UserID]; conns != nil {
		delete(conns, client.ID)
		if len(conns) == 0 {
			delete(h.userConns, client.UserID)
		}
	}

	for sessionID := range h.connSubs[client.ID] {
		if subs := h.sessionSubs[sessionID]; subs != nil {
			delete(subs, client.ID)
			if len(subs) == 0 {
				delete(h.sessionSubs, sessionID)
			}
		}
	}
	delete(h.connSubs, client.ID)

	close(client.send)
	log.Printf("WebSocket client %s disconnected. Total clients: %d", client.ID, len(h.clients))
}

// applySubscription mutates the forward and reverse indices together so the
// two views of the subscription relation cannot diverge
func (h *Hub) applySubscription(req subscribeReq) error {
	client, ok := h.clients[req.connID]
	if !ok {
		return ErrConnectionNotFound
	}

	if req.unsubscribe {
		if subs := h.sessionSubs[req.sessionID]; subs != nil {
			delete(subs, req.connID)
			if len(subs) == 0 {
				delete(h.sessionSubs, req.sessionID)
			}
		}
		delete(h.connSubs[req.connID], req.sessionID)
		h.sendLocked(client, stamp(Event{Type: EventSessionUnsubscribed, SessionID: req.sessionID}))
		return nil
	}

	if h.sessionSubs[req.sessionID] == nil {
		h.sessionSubs[req.sessionID] = make(map[string]*Client)
	}
	h.sessionSubs[req.sessionID][req.connID] = client
	h.connSubs[req.connID][req.sessionID] = true

	h.sendLocked(client, stamp(Event{Type: EventSessionSubscribed, SessionID: req.sessionID}))
	if h.snapshotFn != nil {
		if snapshot := h.snapshotFn(req.sessionID); snapshot != nil {
			h.sendLocked(client, *snapshot)
		}
	}
	return nil
}

func (h *Hub) deliver(req broadcastReq) {
	switch req.scope {
	case scopeSession:
		for _, client := range h.sessionSubs[req.sessionID] {
			h.deliverPayload(client, req.payload)
		}
	case scopeUser:
		for _, client := range h.userConns[req.userID] {
			h.deliverPayload(client, req.payload)
		}
	case scopeConn:
		if client, ok := h.clients[req.connID]; ok {
			h.deliverPayload(client, req.payload)
		}
	case scopeAll:
		for _, client := range h.clients {
			h.deliverPayload(client, req.payload)
		}
	}
}

// deliverPayload hands the payload to the client's send buffer. A full buffer
// means the connection is too slow or dead; it is disconnected so one stalled
// client never blocks delivery to the rest.
func (h *Hub) deliverPayload(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		log.Printf("WebSocket client %s send buffer full, dropping connection", client.ID)
		h.removeClient(client)
	}
}

func (h *Hub) sendLocked(client *Client, event Event) {
	if payload, ok := marshalEvent(event); ok {
		h.deliverPayload(client, payload)
	}
}

func (h *Hub) snapshotStats() Stats {
	stats := Stats{
		TotalConnections:           len(h.clients),
		TotalUsers:                 len(h.userConns),
		TotalSessions:              len(h.sessionSubs),
		PerUserCounts:              make(map[uint]int, len(h.userConns)),
		PerSessionSubscriberCounts: make(map[uint]int, len(h.sessionSubs)),
	}
	for userID, conns := range h.userConns {
		stats.PerUserCounts[userID] = len(conns)
	}
	for sessionID, subs := range h.sessionSubs {
		stats.PerSessionSubscriberCounts[sessionID] = len(subs)
	}
	return stats
}
