// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	wstypes "marketplace-auth/internal/domain/websocket"
	"marketplace-auth/internal/pkg/session"

	"go.uber.org/zap"
)

// Hub tracks live connections by session id and pushes session-ending
// events to them. It implements session.Notifier.
type Hub struct {
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	events     chan sessionEvent
	done       chan struct{}
	stopOnce   sync.Once

	handlerRegistry *HandlerRegistry
	sessions        *session.Manager
	logger          *zap.Logger
}

type sessionEvent struct {
	sessionID string
	reason    string
}

var _ session.Notifier = (*Hub)(nil)

func NewHub(sessions *session.Manager, logger *zap.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		events:          make(chan sessionEvent, 256),
		done:            make(chan struct{}),
		handlerRegistry: NewHandlerRegistry(),
		sessions:        sessions,
		logger:          logger.Named("ws"),
	}
}

// AuthenticateClient resolves a session cookie value to a live session.
func (h *Hub) AuthenticateClient(ctx context.Context, sessionID string) (*ClientAuth, error) {
	rec, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &ClientAuth{
		SessionID: rec.SessionID,
		Tenant:    rec.Tenant,
		UserID:    rec.UserID,
		Device:    rec.Device,
	}, nil
}

// RegisterHandler registers a message handler. Call before Run.
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// HandleClientMessage dispatches msg to its registered handler. handled is
// false when no handler claims the event type.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (handled bool, err error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

// Register adds a client. After the hub stops the client is closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SessionEnded queues a force-logout for every connection of the session.
// It never blocks the caller; events are dropped when the queue is full.
func (h *Hub) SessionEnded(sessionID, reason string) {
	select {
	case h.events <- sessionEvent{sessionID: sessionID, reason: reason}:
	default:
		h.logger.Warn("session event dropped, queue full",
			zap.String("session", shortID(sessionID)),
			zap.String("reason", reason),
		)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case ev := <-h.events:
			h.endSession(ev)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.sessionID] == nil {
		h.clients[client.sessionID] = make(map[*Client]bool)
	}
	h.clients[client.sessionID][client] = true
	total := h.totalClientsLocked()
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.String("session", shortID(client.sessionID)),
		zap.String("tenant", client.tenant),
		zap.Int("total", total),
	)

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"tenant": client.tenant,
		"device": client.device,
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if clients, ok := h.clients[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.sessionID)
		}
	}
	total := h.totalClientsLocked()
	h.mu.Unlock()

	client.Close()
	h.logger.Debug("client disconnected",
		zap.String("session", shortID(client.sessionID)),
		zap.Int("total", total),
	)
}

// endSession tells every connection of the session why it ended and closes
// them after the message is flushed.
func (h *Hub) endSession(ev sessionEvent) {
	h.mu.Lock()
	clients := h.clients[ev.sessionID]
	delete(h.clients, ev.sessionID)
	h.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	msg := sessionEndedMessage(ev)
	for client := range clients {
		client.SendMessage(msg)
		client.Finish()
	}

	h.logger.Info("session connections closed",
		zap.String("session", shortID(ev.sessionID)),
		zap.String("reason", ev.reason),
		zap.Int("connections", len(clients)),
	)
}

func sessionEndedMessage(ev sessionEvent) *wstypes.WSMessage {
	data := wstypes.SessionEventData{
		SessionID: shortID(ev.sessionID),
		Reason:    ev.reason,
	}

	switch ev.reason {
	case session.ReasonExpired:
		data.Message = "Your session has expired"
		return wstypes.NewMessage(wstypes.EventTypeSessionExpired, data)
	case session.ReasonRevoked:
		data.Message = "Your session is no longer valid, please sign in again"
		return wstypes.NewMessage(wstypes.EventTypeSessionRevoked, data)
	default:
		data.Message = "You have been logged out"
		return wstypes.NewMessage(wstypes.EventTypeForceLogout, data)
	}
}

// ConnectedClients returns the number of live connections for a session.
func (h *Hub) ConnectedClients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClientsLocked()
}

func (h *Hub) totalClientsLocked() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		delete(h.clients, id)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
