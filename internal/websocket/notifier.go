package websocket

import (
	"context"
	"log/slog"

	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/sanitize"
)

// Notifier broadcasts committed tournament events to every connected client
type Notifier struct {
	hub    *Hub
	logger *slog.Logger
}

// NewNotifier creates a notifier bound to hub
func NewNotifier(hub *Hub, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, event domain.Event) {
	data, err := sanitize.Message(event)
	if err != nil {
		n.logger.Error("failed to encode tournament event", "event", event.Kind, "error", err)
		return
	}
	n.hub.Broadcast(ctx, &Message{
		Type:      MessageTypeTournament,
		Event:     string(event.Kind),
		Data:      data,
		Timestamp: event.OccurredAt,
	})
}
