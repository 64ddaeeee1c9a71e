package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type spaceRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Active    bool   `db:"active"`
	CreatedAt string `db:"created_at"`
}

// spaceRepo implements domain.SpaceRepository. It is its own type (rather
// than methods on *DB directly) because several repository interfaces in
// this package declare a method named Get with a different signature, and
// Go has no method overloading.
type spaceRepo struct{ db *DB }

func (d *DB) Spaces() domain.SpaceRepository { return spaceRepo{db: d} }

func (r spaceRepo) Get(ctx context.Context, spaceID string) (domain.Space, error) {
	var row spaceRow
	if err := r.db.db.GetContext(ctx, &row, `SELECT id, name, active, created_at FROM spaces WHERE id = ?`, spaceID); err != nil {
		if rowNotFound(err) {
			return domain.Space{}, fmt.Errorf("sqlite: %w: space %s", domain.ErrNotFound, spaceID)
		}
		return domain.Space{}, err
	}
	return row.toDomain()
}

func (r spaceRepo) Active(ctx context.Context) (domain.Space, error) {
	var row spaceRow
	if err := r.db.db.GetContext(ctx, &row, `SELECT id, name, active, created_at FROM spaces WHERE active = 1 LIMIT 1`); err != nil {
		if rowNotFound(err) {
			return domain.Space{}, fmt.Errorf("sqlite: %w: no active space", domain.ErrNotFound)
		}
		return domain.Space{}, err
	}
	return row.toDomain()
}

func (r spaceRepo) List(ctx context.Context) ([]domain.Space, error) {
	var rows []spaceRow
	if err := r.db.db.SelectContext(ctx, &rows, `SELECT id, name, active, created_at FROM spaces ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]domain.Space, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r spaceRepo) Create(ctx context.Context, s domain.Space) error {
	_, err := r.db.db.ExecContext(ctx,
		`INSERT INTO spaces (id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Name, s.Active, formatTime(s.CreatedAt))
	return err
}

// SetActive flips the active flag atomically: exactly one space is active
// at a time (invariant carried from the teacher's single-profile model,
// generalized to multiple spaces).
func (r spaceRepo) SetActive(ctx context.Context, spaceID string) (err error) {
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer txClose(tx, &err)

	if _, err = tx.ExecContext(ctx, `UPDATE spaces SET active = 0`); err != nil {
		return err
	}
	var res sql.Result
	res, err = tx.ExecContext(ctx, `UPDATE spaces SET active = 1 WHERE id = ?`, spaceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = fmt.Errorf("sqlite: %w: space %s", domain.ErrNotFound, spaceID)
		return err
	}
	return tx.Commit()
}

func (r spaceRow) toDomain() (domain.Space, error) {
	t, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.Space{}, err
	}
	return domain.Space{ID: r.ID, Name: r.Name, Active: r.Active, CreatedAt: t}, nil
}
