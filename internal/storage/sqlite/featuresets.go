package sqlite

import (
	"context"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type featureSetRow struct {
	ID        string `db:"id"`
	SpaceID   string `db:"space_id"`
	Kind      string `db:"kind"`
	Name      string `db:"name"`
	ServerID  string `db:"server_id"`
	Deleted   bool   `db:"deleted"`
	CreatedAt string `db:"created_at"`
}

func (row featureSetRow) toDomain() (domain.FeatureSet, error) {
	t, err := parseTime(row.CreatedAt)
	if err != nil {
		return domain.FeatureSet{}, err
	}
	return domain.FeatureSet{
		ID: row.ID, SpaceID: row.SpaceID, Kind: domain.FeatureSetKind(row.Kind),
		Name: row.Name, ServerID: row.ServerID, Deleted: row.Deleted, CreatedAt: t,
	}, nil
}

const selectFeatureSet = `SELECT id, space_id, kind, name, server_id, deleted, created_at FROM feature_sets`

type featureSetMemberRow struct {
	FeatureSetID     string `db:"feature_set_id"`
	MemberType       string `db:"member_type"`
	FeatureID        string `db:"feature_id"`
	MemberFeatureSet string `db:"member_feature_set"`
	Mode             string `db:"mode"`
}

func (row featureSetMemberRow) toDomain() domain.FeatureSetMember {
	return domain.FeatureSetMember{
		FeatureSetID: row.FeatureSetID, MemberType: domain.MemberType(row.MemberType),
		FeatureID: row.FeatureID, MemberFeatureSet: row.MemberFeatureSet, Mode: domain.MemberMode(row.Mode),
	}
}

// featureSetRepo implements domain.FeatureSetRepository.
type featureSetRepo struct{ db *DB }

func (d *DB) FeatureSets() domain.FeatureSetRepository { return featureSetRepo{db: d} }

func (r featureSetRepo) Get(ctx context.Context, id string) (domain.FeatureSet, error) {
	var row featureSetRow
	if err := r.db.db.GetContext(ctx, &row, selectFeatureSet+` WHERE id = ? AND deleted = 0`, id); err != nil {
		if rowNotFound(err) {
			return domain.FeatureSet{}, fmt.Errorf("sqlite: %w: feature set %s", domain.ErrNotFound, id)
		}
		return domain.FeatureSet{}, err
	}
	return row.toDomain()
}

func (r featureSetRepo) GetDefault(ctx context.Context, spaceID string) (domain.FeatureSet, error) {
	return r.getByKind(ctx, spaceID, domain.FeatureSetDefault, "")
}

func (r featureSetRepo) GetAll(ctx context.Context, spaceID string) (domain.FeatureSet, error) {
	return r.getByKind(ctx, spaceID, domain.FeatureSetAll, "")
}

func (r featureSetRepo) GetServerAll(ctx context.Context, spaceID, serverID string) (domain.FeatureSet, error) {
	return r.getByKind(ctx, spaceID, domain.FeatureSetServerAll, serverID)
}

func (r featureSetRepo) getByKind(ctx context.Context, spaceID string, kind domain.FeatureSetKind, serverID string) (domain.FeatureSet, error) {
	var row featureSetRow
	err := r.db.db.GetContext(ctx, &row, selectFeatureSet+` WHERE space_id = ? AND kind = ? AND server_id = ? AND deleted = 0`,
		spaceID, string(kind), serverID)
	if err != nil {
		if rowNotFound(err) {
			return domain.FeatureSet{}, fmt.Errorf("sqlite: %w: feature set %s/%s/%s", domain.ErrNotFound, spaceID, kind, serverID)
		}
		return domain.FeatureSet{}, err
	}
	return row.toDomain()
}

func (r featureSetRepo) List(ctx context.Context, spaceID string) ([]domain.FeatureSet, error) {
	var rows []featureSetRow
	if err := r.db.db.SelectContext(ctx, &rows, selectFeatureSet+` WHERE space_id = ? AND deleted = 0 ORDER BY created_at`, spaceID); err != nil {
		return nil, err
	}
	out := make([]domain.FeatureSet, 0, len(rows))
	for _, row := range rows {
		fs, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

func (r featureSetRepo) Create(ctx context.Context, fs domain.FeatureSet) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO feature_sets (id, space_id, kind, name, server_id, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fs.ID, fs.SpaceID, string(fs.Kind), fs.Name, fs.ServerID, fs.Deleted, formatTime(fs.CreatedAt))
	return err
}

func (r featureSetRepo) SoftDelete(ctx context.Context, id string) error {
	fs, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if isBuiltinFeatureSetKind(fs.Kind) {
		return fmt.Errorf("sqlite: %w: %s is a builtin feature set and cannot be deleted", domain.ErrConflictState, fs.Kind)
	}
	return r.db.mustAffect(ctx, `UPDATE feature_sets SET deleted = 1 WHERE id = ?`, id)
}

// isBuiltinFeatureSetKind reports whether kind is one of the feature sets
// the gateway maintains itself (All, Default, ServerAll), none of which a
// caller may delete directly.
func isBuiltinFeatureSetKind(kind domain.FeatureSetKind) bool {
	switch kind {
	case domain.FeatureSetAll, domain.FeatureSetDefault, domain.FeatureSetServerAll:
		return true
	default:
		return false
	}
}

func (r featureSetRepo) Members(ctx context.Context, featureSetID string) ([]domain.FeatureSetMember, error) {
	var rows []featureSetMemberRow
	if err := r.db.db.SelectContext(ctx, &rows, `
		SELECT feature_set_id, member_type, feature_id, member_feature_set, mode
		FROM feature_set_members WHERE feature_set_id = ?`, featureSetID); err != nil {
		return nil, err
	}
	out := make([]domain.FeatureSetMember, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r featureSetRepo) AddMember(ctx context.Context, m domain.FeatureSetMember) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO feature_set_members (feature_set_id, member_type, feature_id, member_feature_set, mode)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feature_set_id, member_type, feature_id, member_feature_set) DO UPDATE SET mode = excluded.mode`,
		m.FeatureSetID, string(m.MemberType), m.FeatureID, m.MemberFeatureSet, string(m.Mode))
	return err
}

func (r featureSetRepo) RemoveMember(ctx context.Context, featureSetID string, m domain.FeatureSetMember) error {
	_, err := r.db.db.ExecContext(ctx, `
		DELETE FROM feature_set_members
		WHERE feature_set_id = ? AND member_type = ? AND feature_id = ? AND member_feature_set = ?`,
		featureSetID, string(m.MemberType), m.FeatureID, m.MemberFeatureSet)
	return err
}
