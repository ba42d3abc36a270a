package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener is a registered polling agent.
type Listener struct {
	Queue        string
	ID           string
	RegisteredAt time.Time
}

// AddListener records listenerID as a member of queue's listener set.
// Registering the same listener twice is a no-op.
func (s *Store) AddListener(ctx context.Context, queue, listenerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listeners (queue, listener_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		queue, listenerID)
	if err != nil {
		return fmt.Errorf("add listener %s: %w", listenerID, err)
	}
	return nil
}

// ListListeners returns the listeners registered on queue, oldest first.
func (s *Store) ListListeners(ctx context.Context, queue string) ([]Listener, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue, listener_id, registered_at FROM listeners WHERE queue = $1 ORDER BY registered_at, listener_id`,
		queue)
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	listeners, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Listener])
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	return listeners, nil
}
