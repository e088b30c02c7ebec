package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tutorfleet/tutorfleet/pkg/events"
)

// sendBuffer is the per-socket outbound queue. A full buffer means the
// socket is congested; further frames are dropped, never queued unbounded.
const sendBuffer = 32

// Hub holds one gateway instance's sockets. Each process has one Hub.
type Hub struct {
	registry *Registry

	// Active sockets: socket_id → *socket
	conns map[string]*socket
	mu    sync.RWMutex

	// Journey room subscriptions: journey_id → set of socket_ids
	rooms  map[string]map[string]bool
	roomMu sync.RWMutex

	maxConns     int
	writeTimeout time.Duration
	closed       bool
	log          *slog.Logger
}

// socket is a single WebSocket client.
//
// joined is accessed without a lock: all reads and writes happen on the one
// goroutine that owns the socket (HandleConnection's read loop and its
// deferred cleanup).
type socket struct {
	id     string
	userID string
	role   string
	conn   *websocket.Conn
	send   chan []byte
	joined map[string]bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds the hub for this instance.
func NewHub(registry *Registry, maxConns int, writeTimeout time.Duration) *Hub {
	return &Hub{
		registry:     registry,
		conns:        make(map[string]*socket),
		rooms:        make(map[string]map[string]bool),
		maxConns:     maxConns,
		writeTimeout: writeTimeout,
		log:          slog.With("component", "realtime"),
	}
}

// HandleConnection runs the lifecycle of one authenticated socket. Blocks
// until the connection closes. The caller has already resolved the bearer
// token to (userID, role).
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID, role string) {
	socketID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	s := &socket{
		id:     socketID,
		userID: userID,
		role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		joined: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}

	if !h.register(s) {
		cancel()
		_ = conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}
	defer h.unregister(s)

	if err := h.registry.Add(ctx, userID, role, socketID); err != nil {
		h.log.Error("Socket registration failed", "socket_id", socketID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	go h.writePump(s)

	h.emitFrame(s, &ServerFrame{Type: FrameConnected, SocketID: socketID})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Warn("Invalid client frame", "socket_id", socketID, "error", err)
			continue
		}
		h.handleClientFrame(ctx, s, &frame)
	}
}

// DispatchBusinessEvent fans one broadcast event out to this instance's
// sockets: resolve recipients, filter to local sockets, apply the visibility
// filter, emit. Best-effort throughout.
func (h *Hub) DispatchBusinessEvent(ctx context.Context, evt *events.EnrichedEvent, raw []byte) {
	frame, err := json.Marshal(ServerFrame{Type: FrameBusinessEvent, Event: raw})
	if err != nil {
		return
	}

	for _, userID := range events.Recipients(&evt.Event) {
		socketIDs, err := h.registry.LocalSockets(ctx, userID)
		if err != nil {
			h.log.Warn("Recipient lookup failed", "user_id", userID, "error", err)
			continue
		}
		for _, id := range socketIDs {
			h.mu.RLock()
			s, ok := h.conns[id]
			h.mu.RUnlock()
			if !ok {
				// Stale registry entry; the TTL will collect it.
				continue
			}
			if !shouldReceive(&evt.Event, s.userID, s.role) {
				continue
			}
			h.emit(s, frame)
		}
	}
}

// DispatchJourney delivers a journey channel message to the journey's room.
func (h *Hub) DispatchJourney(frameType, journeyID string, payload []byte) {
	frame, err := json.Marshal(ServerFrame{Type: frameType, JourneyID: journeyID, Payload: payload})
	if err != nil {
		return
	}

	h.roomMu.RLock()
	ids := make([]string, 0, len(h.rooms[journeyID]))
	for id := range h.rooms[journeyID] {
		ids = append(ids, id)
	}
	h.roomMu.RUnlock()

	h.mu.RLock()
	members := make([]*socket, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.conns[id]; ok {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range members {
		h.emit(s, frame)
	}
}

// ActiveConnections returns the number of sockets this instance holds.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown refuses new sockets and closes the existing ones with a close
// code that tells clients to reconnect later.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*socket, 0, len(h.conns))
	for _, s := range h.conns {
		conns = append(conns, s)
	}
	h.mu.Unlock()

	for _, s := range conns {
		_ = s.conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		s.cancel()
	}
}

func (h *Hub) handleClientFrame(ctx context.Context, s *socket, frame *ClientFrame) {
	switch frame.Type {
	case FrameSubscribeJourney:
		h.subscribeJourney(ctx, s, frame.JourneyID)
	case FrameUnsubscribeJourney:
		h.unsubscribeJourney(s, frame.JourneyID)
	case FramePing:
		h.emitFrame(s, &ServerFrame{Type: FramePong})
	}
}

// subscribeJourney admits a socket to a journey room after the ownership
// check: the journey's student, its trainer, or an admin.
func (h *Hub) subscribeJourney(ctx context.Context, s *socket, journeyID string) {
	if journeyID == "" {
		h.emitFrame(s, &ServerFrame{Type: FrameSubscribeJourneyError, Message: "journeyId is required"})
		return
	}

	own, err := h.registry.JourneyOwner(ctx, journeyID)
	if err != nil {
		h.log.Warn("Journey subscription refused", "socket_id", s.id, "journey_id", journeyID, "error", err)
		h.emitFrame(s, &ServerFrame{
			Type: FrameSubscribeJourneyError, JourneyID: journeyID,
			Message: "Access denied to this journey",
		})
		return
	}
	if !ownerAllowed(own, s.userID, s.role) {
		h.emitFrame(s, &ServerFrame{
			Type: FrameSubscribeJourneyError, JourneyID: journeyID,
			Message: "Access denied to this journey",
		})
		return
	}

	h.roomMu.Lock()
	if h.rooms[journeyID] == nil {
		h.rooms[journeyID] = make(map[string]bool)
	}
	h.rooms[journeyID][s.id] = true
	h.roomMu.Unlock()
	s.joined[journeyID] = true

	h.emitFrame(s, &ServerFrame{Type: FrameSubscribeJourneyOK, JourneyID: journeyID})
}

func ownerAllowed(own *JourneyOwnership, userID, role string) bool {
	switch role {
	case events.RoleAdmin:
		return true
	case events.RoleStudent:
		return own.StudentID == userID
	case events.RoleTrainer:
		return own.TrainerID == userID
	default:
		return false
	}
}

func (h *Hub) unsubscribeJourney(s *socket, journeyID string) {
	h.roomMu.Lock()
	if room, ok := h.rooms[journeyID]; ok {
		delete(room, s.id)
		if len(room) == 0 {
			delete(h.rooms, journeyID)
		}
	}
	h.roomMu.Unlock()
	delete(s.joined, journeyID)
}

// register adds the socket unless the hub is closed or at capacity.
func (h *Hub) register(s *socket) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.conns) >= h.maxConns {
		return false
	}
	h.conns[s.id] = s
	return true
}

func (h *Hub) unregister(s *socket) {
	for journeyID := range s.joined {
		h.unsubscribeJourney(s, journeyID)
	}

	h.mu.Lock()
	delete(h.conns, s.id)
	h.mu.Unlock()

	// Registry removal is non-fatal; the TTL garbage-collects leftovers.
	rmCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.registry.Remove(rmCtx, s.userID, s.id); err != nil {
		h.log.Warn("Socket deregistration failed", "socket_id", s.id, "error", err)
	}

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

// writePump drains the socket's send queue onto the connection.
func (h *Hub) writePump(s *socket) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			writeCtx, cancel := context.WithTimeout(s.ctx, h.writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// emit queues a frame without blocking; congested sockets drop it.
func (h *Hub) emit(s *socket, data []byte) {
	select {
	case s.send <- data:
	default:
		h.log.Warn("Socket congested, dropping frame", "socket_id", s.id, "user_id", s.userID)
	}
}

func (h *Hub) emitFrame(s *socket, frame *ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.emit(s, data)
}
