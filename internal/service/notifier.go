package service

import (
	"context"

	"github.com/pong-tournament/internal/domain"
)

// Notifier receives tournament events after they are committed
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}

// Notifiers fans an event out to every notifier in order
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, event domain.Event) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
