package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type inboundClientRow struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	RedirectURIsJSON  string `db:"redirect_uris_json"`
	Approved          bool   `db:"approved"`
	ConnectionMode    string `db:"connection_mode"`
	LockedSpaceID     string `db:"locked_space_id"`
	IsCIMD            bool   `db:"is_cimd"`
	CreatedAt         string `db:"created_at"`
}

const selectInboundClient = `SELECT id, name, redirect_uris_json, approved, connection_mode, locked_space_id, is_cimd, created_at FROM inbound_clients`

func (row inboundClientRow) toDomain() (domain.InboundClient, error) {
	var uris []string
	if row.RedirectURIsJSON != "" {
		if err := json.Unmarshal([]byte(row.RedirectURIsJSON), &uris); err != nil {
			return domain.InboundClient{}, err
		}
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return domain.InboundClient{}, err
	}
	return domain.InboundClient{
		ID: row.ID, Name: row.Name, RedirectURIs: uris, Approved: row.Approved,
		ConnectionMode: domain.ConnectionMode(row.ConnectionMode), LockedSpaceID: row.LockedSpaceID,
		IsCIMD: row.IsCIMD, CreatedAt: created,
	}, nil
}

// inboundClientRepo implements domain.InboundClientRepository.
type inboundClientRepo struct{ db *DB }

func (d *DB) InboundClients() domain.InboundClientRepository { return inboundClientRepo{db: d} }

func (r inboundClientRepo) Get(ctx context.Context, clientID string) (domain.InboundClient, error) {
	var row inboundClientRow
	if err := r.db.db.GetContext(ctx, &row, selectInboundClient+` WHERE id = ?`, clientID); err != nil {
		if rowNotFound(err) {
			return domain.InboundClient{}, fmt.Errorf("sqlite: %w: inbound client %s", domain.ErrNotFound, clientID)
		}
		return domain.InboundClient{}, err
	}
	return row.toDomain()
}

// GetByName backs DCR idempotency: a client re-registering with the same
// software name gets its prior registration back rather than a duplicate.
func (r inboundClientRepo) GetByName(ctx context.Context, name string) (domain.InboundClient, error) {
	var row inboundClientRow
	if err := r.db.db.GetContext(ctx, &row, selectInboundClient+` WHERE name = ?`, name); err != nil {
		if rowNotFound(err) {
			return domain.InboundClient{}, fmt.Errorf("sqlite: %w: inbound client %q", domain.ErrNotFound, name)
		}
		return domain.InboundClient{}, err
	}
	return row.toDomain()
}

func (r inboundClientRepo) Upsert(ctx context.Context, c domain.InboundClient) error {
	urisJSON, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO inbound_clients (id, name, redirect_uris_json, approved, connection_mode, locked_space_id, is_cimd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			redirect_uris_json = excluded.redirect_uris_json,
			connection_mode = excluded.connection_mode,
			locked_space_id = excluded.locked_space_id`,
		c.ID, c.Name, string(urisJSON), c.Approved, string(c.ConnectionMode), c.LockedSpaceID, c.IsCIMD, formatTime(c.CreatedAt))
	return err
}

func (r inboundClientRepo) SetApproved(ctx context.Context, clientID string, approved bool) error {
	return r.db.mustAffect(ctx, `UPDATE inbound_clients SET approved = ? WHERE id = ?`, approved, clientID)
}

func (r inboundClientRepo) List(ctx context.Context) ([]domain.InboundClient, error) {
	var rows []inboundClientRow
	if err := r.db.db.SelectContext(ctx, &rows, selectInboundClient+` ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]domain.InboundClient, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
