package sqlite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/localmcp/gateway/internal/domain"
)

type serverFeatureRow struct {
	ID           string `db:"id"`
	SpaceID      string `db:"space_id"`
	ServerID     string `db:"server_id"`
	Type         string `db:"type"`
	Name         string `db:"name"`
	DisplayName  string `db:"display_name"`
	Description  string `db:"description"`
	RawJSON      string `db:"raw_json"`
	DiscoveredAt string `db:"discovered_at"`
	LastSeenAt   string `db:"last_seen_at"`
	IsAvailable  bool   `db:"is_available"`
}

func (row serverFeatureRow) toDomain() (domain.ServerFeature, error) {
	discovered, err := parseTime(row.DiscoveredAt)
	if err != nil {
		return domain.ServerFeature{}, err
	}
	lastSeen, err := parseTime(row.LastSeenAt)
	if err != nil {
		return domain.ServerFeature{}, err
	}
	return domain.ServerFeature{
		ID: row.ID, SpaceID: row.SpaceID, ServerID: row.ServerID, Type: domain.FeatureType(row.Type),
		Name: row.Name, DisplayName: row.DisplayName, Description: row.Description,
		RawJSON: []byte(row.RawJSON), DiscoveredAt: discovered, LastSeenAt: lastSeen, IsAvailable: row.IsAvailable,
	}, nil
}

const selectServerFeature = `SELECT id, space_id, server_id, type, name, display_name, description, raw_json, discovered_at, last_seen_at, is_available FROM server_features`

// featureRepo implements domain.FeatureRepository.
type featureRepo struct{ db *DB }

func (d *DB) Features() domain.FeatureRepository { return featureRepo{db: d} }

// Upsert keys on the (space_id, server_id, type, name) unique constraint.
// The caller (featuresvc.Reconcile) never sets f.ID for a fresh discovery;
// a new random ID is generated on insert, and preserved across updates via
// the excluded-row trick below.
func (r featureRepo) Upsert(ctx context.Context, f domain.ServerFeature) (err error) {
	id := f.ID
	if id == "" {
		id = newID()
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO server_features (id, space_id, server_id, type, name, display_name, description, raw_json, discovered_at, last_seen_at, is_available)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, server_id, type, name) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			raw_json = excluded.raw_json,
			last_seen_at = excluded.last_seen_at,
			is_available = excluded.is_available`,
		id, f.SpaceID, f.ServerID, string(f.Type), f.Name, f.DisplayName, f.Description,
		string(f.RawJSON), formatTime(f.DiscoveredAt), formatTime(f.LastSeenAt), f.IsAvailable)
	return err
}

func (r featureRepo) MarkUnavailableExcept(ctx context.Context, spaceID, serverID string, t domain.FeatureType, seenNames []string, now time.Time) (err error) {
	if len(seenNames) == 0 {
		_, err = r.db.db.ExecContext(ctx, `
			UPDATE server_features SET is_available = 0
			WHERE space_id = ? AND server_id = ? AND type = ?`, spaceID, serverID, string(t))
		return err
	}
	query, args, err := sqlx.In(`
		UPDATE server_features SET is_available = 0
		WHERE space_id = ? AND server_id = ? AND type = ? AND name NOT IN (?)`,
		spaceID, serverID, string(t), seenNames)
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, r.db.db.Rebind(query), args...)
	return err
}

func (r featureRepo) MarkAllUnavailable(ctx context.Context) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE server_features SET is_available = 0`)
	return err
}

func (r featureRepo) Get(ctx context.Context, id string) (domain.ServerFeature, error) {
	var row serverFeatureRow
	if err := r.db.db.GetContext(ctx, &row, selectServerFeature+` WHERE id = ?`, id); err != nil {
		if rowNotFound(err) {
			return domain.ServerFeature{}, fmt.Errorf("sqlite: %w: feature %s", domain.ErrNotFound, id)
		}
		return domain.ServerFeature{}, err
	}
	return row.toDomain()
}

func (r featureRepo) GetByQualifiedParts(ctx context.Context, spaceID, serverID string, t domain.FeatureType, name string) (domain.ServerFeature, error) {
	var row serverFeatureRow
	err := r.db.db.GetContext(ctx, &row, selectServerFeature+` WHERE space_id = ? AND server_id = ? AND type = ? AND name = ?`,
		spaceID, serverID, string(t), name)
	if err != nil {
		if rowNotFound(err) {
			return domain.ServerFeature{}, fmt.Errorf("sqlite: %w: feature %s/%s/%s/%s", domain.ErrNotFound, spaceID, serverID, t, name)
		}
		return domain.ServerFeature{}, err
	}
	return row.toDomain()
}

func (r featureRepo) ListAvailable(ctx context.Context, spaceID string) ([]domain.ServerFeature, error) {
	var rows []serverFeatureRow
	if err := r.db.db.SelectContext(ctx, &rows, selectServerFeature+` WHERE space_id = ? AND is_available = 1 ORDER BY server_id, type, name`, spaceID); err != nil {
		return nil, err
	}
	return toServerFeatures(rows)
}

func (r featureRepo) ListAvailableByServer(ctx context.Context, spaceID, serverID string) ([]domain.ServerFeature, error) {
	var rows []serverFeatureRow
	if err := r.db.db.SelectContext(ctx, &rows, selectServerFeature+` WHERE space_id = ? AND server_id = ? AND is_available = 1 ORDER BY type, name`, spaceID, serverID); err != nil {
		return nil, err
	}
	return toServerFeatures(rows)
}

func (r featureRepo) ListAvailableByType(ctx context.Context, spaceID string, t domain.FeatureType) ([]domain.ServerFeature, error) {
	var rows []serverFeatureRow
	if err := r.db.db.SelectContext(ctx, &rows, selectServerFeature+` WHERE space_id = ? AND type = ? AND is_available = 1 ORDER BY server_id, name`, spaceID, string(t)); err != nil {
		return nil, err
	}
	return toServerFeatures(rows)
}

func toServerFeatures(rows []serverFeatureRow) ([]domain.ServerFeature, error) {
	out := make([]domain.ServerFeature, 0, len(rows))
	for _, row := range rows {
		f, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
