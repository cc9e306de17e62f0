package service

import (
	"context"
	"errors"
	"sync"

	"github.com/pong-tournament/internal/domain"
)

// ActiveTournament remembers the id of the single live tournament.
// A cached id is re-read on every lookup and dropped once its row is gone
// or no longer live, since another instance may have completed it.
type ActiveTournament struct {
	mu sync.Mutex
	id int64
}

// ID returns the live tournament id or nil when there is none
func (a *ActiveTournament) ID(ctx context.Context, q Queries) (*int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.id != 0 {
		t, err := q.GetTournament(ctx, a.id)
		switch {
		case err == nil && t.Status.Live():
			id := a.id
			return &id, nil
		case err != nil && !errors.Is(err, domain.ErrTournamentNotFound):
			return nil, err
		}
		a.id = 0
	}

	t, err := q.ActiveTournament(ctx)
	if errors.Is(err, domain.ErrTournamentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.id = t.ID
	id := t.ID
	return &id, nil
}

// Set records id as the live tournament
func (a *ActiveTournament) Set(id int64) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}

// Clear forgets id if it is the cached live tournament
func (a *ActiveTournament) Clear(id int64) {
	a.mu.Lock()
	if a.id == id {
		a.id = 0
	}
	a.mu.Unlock()
}
