package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"syncd/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrInvalidType  = errors.New("invalid entity type")
)

// ChangeEvent is produced exactly once per accepted mutation. OriginDeviceID
// is set when the mutation arrived over a device connection, so fan-out can
// suppress the echo.
type ChangeEvent struct {
	EntityType     model.EntityType
	EntityID       string
	AccountID      string
	Version        int64
	Payload        []byte
	Active         bool
	OriginDeviceID string
}

// EventSink receives change events in write-acceptance order per account.
type EventSink interface {
	HandleChange(ev ChangeEvent)
}

type Status string

const (
	StatusSuccess         Status = "success"
	StatusVersionMismatch Status = "version-mismatch"
)

// WriteResult reports the outcome of an optimistic write. On mismatch it
// carries the winner's state so the caller can rebase without a second
// round trip.
type WriteResult struct {
	Status         Status
	Version        int64
	CurrentVersion int64
	CurrentPayload []byte
}

type Store struct {
	db   *sql.DB
	sink EventSink

	// writeMu serializes mutation+emit so that event order matches
	// write-acceptance order within an account.
	writeMu sync.Mutex
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetSink installs the change-event consumer. Install before accepting
// writes that should fan out.
func (s *Store) SetSink(sink EventSink) {
	s.sink = sink
}

func (s *Store) emit(ev ChangeEvent) {
	if s.sink != nil {
		s.sink.HandleChange(ev)
	}
}

func (s *Store) Create(ctx context.Context, typ model.EntityType, accountID string, payload []byte, nowMillis int64) (model.Entity, error) {
	if !model.ValidEntityType(typ) {
		return model.Entity{}, ErrInvalidType
	}
	if accountID == "" {
		return model.Entity{}, errors.New("missing account id")
	}
	if payload == nil {
		payload = []byte{}
	}

	e := model.Entity{
		Type:      typ,
		ID:        uuid.NewString(),
		AccountID: accountID,
		Version:   1,
		Payload:   payload,
		Active:    true,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO entities(entity_type, id, account_id, version, payload, active, last_active_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
`, string(typ), e.ID, accountID, e.Version, payload, nowMillis, nowMillis)
	if err != nil {
		return model.Entity{}, fmt.Errorf("insert entity: %w", err)
	}

	s.emit(ChangeEvent{
		EntityType: typ,
		EntityID:   e.ID,
		AccountID:  accountID,
		Version:    e.Version,
		Payload:    payload,
		Active:     true,
	})
	return e, nil
}

func (s *Store) getRow(ctx context.Context, typ model.EntityType, id string) (model.Entity, error) {
	var e model.Entity
	var active int
	err := s.db.QueryRowContext(ctx, `
SELECT entity_type, id, account_id, version, payload, active, last_active_at, created_at, updated_at
FROM entities WHERE entity_type = ? AND id = ?
`, string(typ), id).Scan(&e.Type, &e.ID, &e.AccountID, &e.Version, &e.Payload, &active, &e.LastActiveAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("select entity: %w", err)
	}
	e.Active = active != 0
	return e, nil
}

// Get returns an active entity owned by the account. A row owned by another
// account yields ErrAccessDenied; absent or inactive rows yield ErrNotFound.
func (s *Store) Get(ctx context.Context, typ model.EntityType, accountID, id string) (model.Entity, error) {
	if !model.ValidEntityType(typ) {
		return model.Entity{}, ErrInvalidType
	}
	e, err := s.getRow(ctx, typ, id)
	if err != nil {
		return model.Entity{}, err
	}
	if e.AccountID != accountID {
		return model.Entity{}, ErrAccessDenied
	}
	if !e.Active {
		return model.Entity{}, ErrNotFound
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, typ model.EntityType, accountID string) ([]model.Entity, error) {
	if !model.ValidEntityType(typ) {
		return nil, ErrInvalidType
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_type, id, account_id, version, payload, active, last_active_at, created_at, updated_at
FROM entities WHERE entity_type = ? AND account_id = ? AND active = 1
ORDER BY updated_at DESC, id ASC
`, string(typ), accountID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	result := make([]model.Entity, 0)
	for rows.Next() {
		var e model.Entity
		var active int
		if err := rows.Scan(&e.Type, &e.ID, &e.AccountID, &e.Version, &e.Payload, &active, &e.LastActiveAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Active = active != 0
		result = append(result, e)
	}
	return result, rows.Err()
}

// Write applies an optimistic-concurrency mutation: it succeeds only when
// expectedVersion equals the stored version exactly, and atomically bumps
// the version by one. Exactly one change event is emitted per success.
func (s *Store) Write(ctx context.Context, typ model.EntityType, accountID, id string, expectedVersion int64, payload []byte, originDeviceID string, nowMillis int64) (WriteResult, error) {
	if !model.ValidEntityType(typ) {
		return WriteResult{}, ErrInvalidType
	}
	if payload == nil {
		payload = []byte{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.getRow(ctx, typ, id)
	if err != nil {
		return WriteResult{}, err
	}
	if e.AccountID != accountID {
		return WriteResult{}, ErrAccessDenied
	}
	if !e.Active {
		return WriteResult{}, ErrNotFound
	}
	if e.Version != expectedVersion {
		return WriteResult{Status: StatusVersionMismatch, CurrentVersion: e.Version, CurrentPayload: e.Payload}, nil
	}

	// The version guard in the UPDATE is the atomic compare-and-increment;
	// the mutex above only pins event ordering.
	res, err := s.db.ExecContext(ctx, `
UPDATE entities SET version = version + 1, payload = ?, updated_at = ?
WHERE entity_type = ? AND id = ? AND version = ?
`, payload, nowMillis, string(typ), id, expectedVersion)
	if err != nil {
		return WriteResult{}, fmt.Errorf("update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WriteResult{}, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		current, rerr := s.getRow(ctx, typ, id)
		if rerr != nil {
			return WriteResult{}, rerr
		}
		return WriteResult{Status: StatusVersionMismatch, CurrentVersion: current.Version, CurrentPayload: current.Payload}, nil
	}

	newVersion := expectedVersion + 1
	s.emit(ChangeEvent{
		EntityType:     typ,
		EntityID:       id,
		AccountID:      accountID,
		Version:        newVersion,
		Payload:        payload,
		Active:         true,
		OriginDeviceID: originDeviceID,
	})
	return WriteResult{Status: StatusSuccess, Version: newVersion}, nil
}

// Touch records a liveness signal. It never bumps the version and never
// emits a change event; at == 0 clears the signal.
func (s *Store) Touch(ctx context.Context, typ model.EntityType, accountID, id string, at int64, nowMillis int64) error {
	if !model.ValidEntityType(typ) {
		return ErrInvalidType
	}
	e, err := s.getRow(ctx, typ, id)
	if err != nil {
		return err
	}
	if e.AccountID != accountID {
		return ErrAccessDenied
	}
	if !e.Active {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE entities SET last_active_at = ?, updated_at = ? WHERE entity_type = ? AND id = ?
`, at, nowMillis, string(typ), id)
	if err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	return nil
}

// Deactivate soft-deletes an entity. The version is bumped so resyncing
// devices observe the deletion, and the change event carries Active=false.
func (s *Store) Deactivate(ctx context.Context, typ model.EntityType, accountID, id string, nowMillis int64) error {
	if !model.ValidEntityType(typ) {
		return ErrInvalidType
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.getRow(ctx, typ, id)
	if err != nil {
		return err
	}
	if e.AccountID != accountID {
		return ErrAccessDenied
	}
	if !e.Active {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE entities SET active = 0, version = version + 1, updated_at = ? WHERE entity_type = ? AND id = ?
`, nowMillis, string(typ), id)
	if err != nil {
		return fmt.Errorf("deactivate entity: %w", err)
	}

	s.emit(ChangeEvent{
		EntityType: typ,
		EntityID:   id,
		AccountID:  accountID,
		Version:    e.Version + 1,
		Payload:    e.Payload,
		Active:     false,
	})
	return nil
}
