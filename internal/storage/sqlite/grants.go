package sqlite

import (
	"context"

	"github.com/localmcp/gateway/internal/domain"
)

type grantRow struct {
	ClientID     string `db:"client_id"`
	SpaceID      string `db:"space_id"`
	FeatureSetID string `db:"feature_set_id"`
	GrantedAt    string `db:"granted_at"`
}

func (row grantRow) toDomain() (domain.Grant, error) {
	t, err := parseTime(row.GrantedAt)
	if err != nil {
		return domain.Grant{}, err
	}
	return domain.Grant{ClientID: row.ClientID, SpaceID: row.SpaceID, FeatureSetID: row.FeatureSetID, GrantedAt: t}, nil
}

const selectGrant = `SELECT client_id, space_id, feature_set_id, granted_at FROM grants`

// grantRepo implements domain.GrantRepository.
type grantRepo struct{ db *DB }

func (d *DB) Grants() domain.GrantRepository { return grantRepo{db: d} }

func (r grantRepo) ListByClientSpace(ctx context.Context, clientID, spaceID string) ([]domain.Grant, error) {
	var rows []grantRow
	if err := r.db.db.SelectContext(ctx, &rows, selectGrant+` WHERE client_id = ? AND space_id = ?`, clientID, spaceID); err != nil {
		return nil, err
	}
	return toGrants(rows)
}

func (r grantRepo) ListByClient(ctx context.Context, clientID string) ([]domain.Grant, error) {
	var rows []grantRow
	if err := r.db.db.SelectContext(ctx, &rows, selectGrant+` WHERE client_id = ?`, clientID); err != nil {
		return nil, err
	}
	return toGrants(rows)
}

func toGrants(rows []grantRow) ([]domain.Grant, error) {
	out := make([]domain.Grant, 0, len(rows))
	for _, row := range rows {
		g, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (r grantRepo) Grant(ctx context.Context, g domain.Grant) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO grants (client_id, space_id, feature_set_id, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, space_id, feature_set_id) DO UPDATE SET granted_at = excluded.granted_at`,
		g.ClientID, g.SpaceID, g.FeatureSetID, formatTime(g.GrantedAt))
	return err
}

func (r grantRepo) Revoke(ctx context.Context, clientID, spaceID, featureSetID string) error {
	_, err := r.db.db.ExecContext(ctx,
		`DELETE FROM grants WHERE client_id = ? AND space_id = ? AND feature_set_id = ?`,
		clientID, spaceID, featureSetID)
	return err
}
