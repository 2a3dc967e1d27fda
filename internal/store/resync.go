package store

import (
	"context"
	"errors"

	"syncd/internal/model"
)

// Cursor names an entity and the last version a device has applied.
type Cursor struct {
	Type        model.EntityType
	ID          string
	LastVersion int64
}

// ResyncFailure marks a cursor whose history is unavailable; the device
// needs a full refetch for that entity.
type ResyncFailure struct {
	Type model.EntityType
	ID   string
}

// ChangedSince resolves resync cursors against current entity state. Entities
// with version strictly greater than the cursor are returned as backlog, in
// cursor order. Soft-deleted entities still resolve (Active=false) so the
// device can drop them; rows that are absent or not owned by the account come
// back as failures without confirming whether they ever existed.
func (s *Store) ChangedSince(ctx context.Context, accountID string, cursors []Cursor) ([]model.Entity, []ResyncFailure, error) {
	backlog := make([]model.Entity, 0, len(cursors))
	failures := make([]ResyncFailure, 0)

	for _, cur := range cursors {
		if !model.ValidEntityType(cur.Type) || cur.ID == "" {
			failures = append(failures, ResyncFailure{Type: cur.Type, ID: cur.ID})
			continue
		}
		e, err := s.getRow(ctx, cur.Type, cur.ID)
		if errors.Is(err, ErrNotFound) {
			failures = append(failures, ResyncFailure{Type: cur.Type, ID: cur.ID})
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if e.AccountID != accountID {
			failures = append(failures, ResyncFailure{Type: cur.Type, ID: cur.ID})
			continue
		}
		if e.Version > cur.LastVersion {
			backlog = append(backlog, e)
		}
	}
	return backlog, failures, nil
}
