package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ErrInvalidQuery is returned by Query for malformed parameters.
var ErrInvalidQuery = errors.New("audit: invalid query")

// QueryParams defines filters for querying the event log.
// All fields are optional; empty/zero values mean "no filter".
type QueryParams struct {
	Type     string // Glob over event types, '.'-separated (e.g. "document.*").
	UserID   string // Exact match.
	Document string // Exact match on document id.
	Since    string // RFC3339 timestamp or duration string ("1h", "24h").
	Limit    int    // Maximum events to return, newest first.
}

// Query returns the events matching params, newest first.
func (l *Log) Query(ctx context.Context, params QueryParams) ([]Event, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: since duration %q: %v", ErrInvalidQuery, params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	var typeGlob glob.Glob
	if params.Type != "" {
		g, err := glob.Compile(params.Type, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: type pattern %q: %v", ErrInvalidQuery, params.Type, err)
		}
		typeGlob = g
	}

	query := "SELECT seq, audit_id, ts, user_id, type, document_id, request_path, description FROM audit_events WHERE 1=1"
	var args []any
	if params.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, params.UserID)
	}
	if params.Document != "" {
		query += " AND document_id = ?"
		args = append(args, params.Document)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}
	query += " ORDER BY seq DESC"
	// The type glob is applied after the scan, so the SQL limit only
	// holds when there is no pattern.
	if params.Limit > 0 && typeGlob == nil {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if typeGlob != nil && !typeGlob.Match(e.Type) {
			continue
		}
		events = append(events, e)
		if params.Limit > 0 && len(events) == params.Limit {
			break
		}
	}
	return events, rows.Err()
}

// Tail returns the N most recent events.
func (l *Log) Tail(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, QueryParams{Limit: limit})
}

// All returns every event in recording order.
func (l *Log) All(ctx context.Context) ([]Event, error) {
	return l.after(ctx, 0)
}

func (l *Log) after(ctx context.Context, seq int64) ([]Event, error) {
	events, _, err := l.afterWithSeq(ctx, seq)
	return events, err
}

func (l *Log) afterWithSeq(ctx context.Context, seq int64) ([]Event, int64, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT seq, audit_id, ts, user_id, type, document_id, request_path, description
		 FROM audit_events WHERE seq > ? ORDER BY seq ASC`), seq)
	if err != nil {
		return nil, seq, fmt.Errorf("reading audit events: %w", err)
	}
	defer rows.Close()

	last := seq
	var events []Event
	for rows.Next() {
		e, s, err := scanEvent(rows)
		if err != nil {
			return nil, seq, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, e)
		last = s
	}
	return events, last, rows.Err()
}

// Follow calls fn for every event recorded after the call starts, polling
// every interval. Blocks until ctx is cancelled.
func (l *Log) Follow(ctx context.Context, interval time.Duration, fn func(Event)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	var lastSeq int64
	if err := l.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM audit_events").Scan(&lastSeq); err != nil {
		return fmt.Errorf("reading audit log position: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, last, err := l.afterWithSeq(ctx, lastSeq)
			if err != nil {
				slog.Error("follow: error reading events", "error", err)
				continue
			}
			for _, e := range events {
				fn(e)
			}
			lastSeq = last
		}
	}
}

// Export writes all events to w in the given format: "jsonl" (default),
// "json" or "csv".
func (l *Log) Export(ctx context.Context, w io.Writer, format string) error {
	events, err := l.All(ctx)
	if err != nil {
		return fmt.Errorf("reading events for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"audit_id", "ts", "user_id", "type", "document_id", "request_path", "description"}); err != nil {
			return err
		}
		for _, e := range events {
			if err := cw.Write([]string{
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.UserID,
				e.Type,
				e.DocumentID,
				e.RequestPath,
				e.Description,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
