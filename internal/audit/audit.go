// Package audit holds the audit events that the hash chain protects and
// the event log that stores them.
//
// The log is the chain's source of event content: full-chain verification
// looks every linked event up here and recomputes its digest, so a row
// edited after it was chained is detected.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/auditchain/internal/db"
)

// Event is a single audit event.
type Event struct {
	ID          string    `json:"audit_id"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id,omitempty"`
	Type        string    `json:"type"`
	DocumentID  string    `json:"document_id,omitempty"`
	RequestPath string    `json:"request_path,omitempty"`
	Description string    `json:"description,omitempty"`
}

// canonicalEvent fixes the field order and the version of the canonical
// form. Changing it invalidates every existing chain.
type canonicalEvent struct {
	V           int    `json:"v"`
	ID          string `json:"audit_id"`
	Timestamp   string `json:"timestamp"`
	UserID      string `json:"user_id"`
	Type        string `json:"type"`
	DocumentID  string `json:"document_id"`
	RequestPath string `json:"request_path"`
	Description string `json:"description"`
}

// Canonical returns the deterministic byte form of the event that the
// chain digests. Timestamps are normalized to UTC.
func (e Event) Canonical() []byte {
	// canonicalEvent holds only strings and an int, so Marshal cannot fail.
	data, _ := json.Marshal(canonicalEvent{
		V:           1,
		ID:          e.ID,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:      e.UserID,
		Type:        e.Type,
		DocumentID:  e.DocumentID,
		RequestPath: e.RequestPath,
		Description: e.Description,
	})
	return data
}

// Source looks up recorded events by audit id.
type Source interface {
	GetEvent(ctx context.Context, auditID string) (Event, bool, error)
}

var (
	// ErrDuplicateEvent is returned by Record when the audit id is taken.
	ErrDuplicateEvent = errors.New("audit: duplicate event id")

	// ErrInvalidEvent is returned when an event fails validation. Nothing
	// is stored.
	ErrInvalidEvent = errors.New("audit: invalid event")
)

// Log is the SQL-backed audit event log.
type Log struct {
	db *db.DB
}

// NewLog returns a Log over an opened (and migrated) database.
func NewLog(d *db.DB) *Log {
	return &Log{db: d}
}

// Record stores a new event. A missing id is filled with a random UUID and
// a zero timestamp with the current time. The stored event is returned.
func (l *Log) Record(ctx context.Context, e Event) (Event, error) {
	stored, err := l.RecordBatch(ctx, []Event{e})
	if err != nil {
		return Event{}, err
	}
	return stored[0], nil
}

// RecordBatch stores events all or nothing. Every event is validated
// before the first insert, and the inserts share one transaction, so a bad
// or duplicate event anywhere in the batch leaves the log untouched. A
// caller that chains what it recorded never ends up with a stored event it
// did not get back.
func (l *Log) RecordBatch(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	out := make([]Event, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		e, err := prepare(e)
		if err != nil {
			return nil, err
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: %s appears twice in the batch", ErrDuplicateEvent, e.ID)
		}
		seen[e.ID] = true
		out = append(out, e)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recording audit events: %w", err)
	}
	for _, e := range out {
		_, err := tx.ExecContext(ctx, l.db.Rebind(
			`INSERT INTO audit_events (audit_id, ts, user_id, type, document_id, request_path, description)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.Timestamp.Format(time.RFC3339Nano), e.UserID, e.Type,
			e.DocumentID, e.RequestPath, e.Description,
		)
		if err != nil {
			// Roll back before looking the id up: sqlite runs on one
			// connection and postgres refuses queries in a failed tx.
			tx.Rollback()
			if _, found, getErr := l.GetEvent(ctx, e.ID); getErr == nil && found {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.ID)
			}
			return nil, fmt.Errorf("recording audit event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recording audit events: %w", err)
	}

	for _, e := range out {
		slog.Debug("audit event recorded", "audit_id", e.ID, "type", e.Type)
	}
	return out, nil
}

// prepare fills defaults and validates e.
func prepare(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if strings.TrimSpace(e.Type) == "" {
		return Event{}, fmt.Errorf("%w: %s: type is required", ErrInvalidEvent, e.ID)
	}
	return e, nil
}

// GetEvent returns the stored event with the given audit id.
func (l *Log) GetEvent(ctx context.Context, auditID string) (Event, bool, error) {
	row := l.db.QueryRowContext(ctx, l.db.Rebind(
		`SELECT seq, audit_id, ts, user_id, type, document_id, request_path, description
		 FROM audit_events WHERE audit_id = ?`), auditID)

	e, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("loading audit event %s: %w", auditID, err)
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, int64, error) {
	var (
		e   Event
		seq int64
		ts  string
	)
	if err := row.Scan(&seq, &e.ID, &ts, &e.UserID, &e.Type, &e.DocumentID, &e.RequestPath, &e.Description); err != nil {
		return Event{}, 0, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, 0, fmt.Errorf("parsing timestamp %q of %s: %w", ts, e.ID, err)
	}
	e.Timestamp = t
	return e, seq, nil
}
