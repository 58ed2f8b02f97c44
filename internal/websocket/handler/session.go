// internal/websocket/handler/session.go
package handler

import (
	"context"
	"errors"
	"time"

	wstypes "marketplace-auth/internal/domain/websocket"
	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/session"
	ws "marketplace-auth/internal/websocket"
)

// SessionHandler answers session:status requests from connected clients.
type SessionHandler struct {
	sessions *session.Manager
}

func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypeSessionStatus}
}

func (h *SessionHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	rec, err := h.sessions.Get(ctx, client.GetSessionID())
	if errors.Is(err, xerrors.ErrSessionNotFound) {
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeSessionExpired, wstypes.SessionEventData{
			Reason:  session.ReasonExpired,
			Message: "Your session has expired",
		}))
		client.Finish()
		return nil
	}
	if err != nil {
		return err
	}

	locked, remaining, err := h.sessions.IsSessionLocked(ctx, client.GetSessionID())
	if err != nil {
		return err
	}

	status := wstypes.SessionStatusData{
		Tenant:        rec.Tenant,
		LastRotatedAt: rec.LastRotatedAt,
		ExpiresAt:     rec.CreatedAt.Add(h.sessions.MaxAge()),
		Locked:        locked,
	}
	if locked {
		status.UnlocksIn = int64((remaining + time.Second - 1) / time.Second)
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeSessionStatus, status))
	return nil
}
