package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ctrlai/auditchain/internal/db"
)

// SQLBridge stores records in verification_elements and the head snapshot
// in the single-row verification_head table.
type SQLBridge struct {
	db *db.DB
}

// NewSQLBridge returns a SQLBridge over an opened (and migrated) database.
func NewSQLBridge(d *db.DB) *SQLBridge {
	return &SQLBridge{db: d}
}

func (b *SQLBridge) PutVerificationElement(ctx context.Context, auditID string, content []byte) error {
	res, err := b.db.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO verification_elements (audit_id, content, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (audit_id) DO NOTHING`),
		auditID, content, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("storing verification element %s: %w", auditID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storing verification element %s: %w", auditID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrElementExists, auditID)
	}
	return nil
}

func (b *SQLBridge) GetVerificationElement(ctx context.Context, auditID string) ([]byte, bool, error) {
	var content []byte
	err := b.db.QueryRowContext(ctx, b.db.Rebind(
		"SELECT content FROM verification_elements WHERE audit_id = ?"), auditID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading verification element %s: %w", auditID, err)
	}
	return content, true, nil
}

func (b *SQLBridge) GetHeadVerificationElement(ctx context.Context) ([]byte, bool, error) {
	var content []byte
	err := b.db.QueryRowContext(ctx,
		"SELECT content FROM verification_head WHERE id = 1").Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading head verification element: %w", err)
	}
	return content, true, nil
}

func (b *SQLBridge) UpdateHeadVerificationElement(ctx context.Context, seq uint64, content []byte) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO verification_head (id, seq, content, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET seq = excluded.seq, content = excluded.content, updated_at = excluded.updated_at
		 WHERE verification_head.seq < excluded.seq`),
		int64(seq), content, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("updating head verification element: %w", err)
	}
	return nil
}
