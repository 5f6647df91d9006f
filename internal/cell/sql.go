package cell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ctrlai/auditchain/internal/db"
)

// SQLStore keeps cells in the atomic_cells table. Compare-and-swap is a
// single conditional statement, so the database's own row locking makes it
// linearizable: on postgres across every node of a cluster, on sqlite
// across the processes sharing one file.
type SQLStore struct {
	db *db.DB
}

// NewSQLStore returns a SQLStore over an opened (and migrated) database.
func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

func (s *SQLStore) Load(ctx context.Context, name string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT value FROM atomic_cells WHERE name = ?"), name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading cell %s: %w", name, err)
	}
	return v, true, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, name string, old, next []byte) (bool, error) {
	now := time.Now().UTC().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO atomic_cells (name, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (name) DO NOTHING`),
			name, next, now)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE atomic_cells SET value = ?, updated_at = ?
			 WHERE name = ? AND value = ?`),
			next, now, name, old)
	}
	if err != nil {
		return false, fmt.Errorf("swapping cell %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swapping cell %s: %w", name, err)
	}
	return n == 1, nil
}
