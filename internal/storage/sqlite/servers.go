package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type installedServerRow struct {
	SpaceID        string `db:"space_id"`
	ServerID       string `db:"server_id"`
	DefinitionJSON string `db:"definition_json"`
	InputsJSON     string `db:"inputs_json"`
	Enabled        bool   `db:"enabled"`
	OAuthConnected bool   `db:"oauth_connected"`
	Alias          string `db:"alias"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (r installedServerRow) toDomain() (domain.InstalledServer, error) {
	var def domain.ServerDefinition
	if err := json.Unmarshal([]byte(r.DefinitionJSON), &def); err != nil {
		return domain.InstalledServer{}, fmt.Errorf("sqlite: decoding server definition: %w", err)
	}
	var inputs map[string]string
	if err := json.Unmarshal([]byte(r.InputsJSON), &inputs); err != nil {
		return domain.InstalledServer{}, fmt.Errorf("sqlite: decoding server inputs: %w", err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.InstalledServer{}, err
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return domain.InstalledServer{}, err
	}
	return domain.InstalledServer{
		SpaceID: r.SpaceID, ServerID: r.ServerID, Definition: def, Inputs: inputs,
		Enabled: r.Enabled, OAuthConnected: r.OAuthConnected, Alias: r.Alias,
		CreatedAt: created, UpdatedAt: updated,
	}, nil
}

const selectInstalledServer = `SELECT space_id, server_id, definition_json, inputs_json, enabled, oauth_connected, alias, created_at, updated_at FROM installed_servers`

// serverRepo implements domain.ServerRepository; see spaceRepo for why this
// is a distinct type rather than methods on *DB.
type serverRepo struct{ db *DB }

func (d *DB) Servers() domain.ServerRepository { return serverRepo{db: d} }

func (r serverRepo) Get(ctx context.Context, spaceID, serverID string) (domain.InstalledServer, error) {
	var row installedServerRow
	err := r.db.db.GetContext(ctx, &row, selectInstalledServer+` WHERE space_id = ? AND server_id = ?`, spaceID, serverID)
	if err != nil {
		if rowNotFound(err) {
			return domain.InstalledServer{}, fmt.Errorf("sqlite: %w: server %s/%s", domain.ErrNotFound, spaceID, serverID)
		}
		return domain.InstalledServer{}, err
	}
	return row.toDomain()
}

func (r serverRepo) List(ctx context.Context, spaceID string) ([]domain.InstalledServer, error) {
	var rows []installedServerRow
	if err := r.db.db.SelectContext(ctx, &rows, selectInstalledServer+` WHERE space_id = ? ORDER BY created_at`, spaceID); err != nil {
		return nil, err
	}
	return toInstalledServers(rows)
}

func (r serverRepo) ListEnabled(ctx context.Context, spaceID string) ([]domain.InstalledServer, error) {
	var rows []installedServerRow
	if err := r.db.db.SelectContext(ctx, &rows, selectInstalledServer+` WHERE space_id = ? AND enabled = 1 ORDER BY created_at`, spaceID); err != nil {
		return nil, err
	}
	return toInstalledServers(rows)
}

func (r serverRepo) ListAllEnabled(ctx context.Context) ([]domain.InstalledServer, error) {
	var rows []installedServerRow
	if err := r.db.db.SelectContext(ctx, &rows, selectInstalledServer+` WHERE enabled = 1 ORDER BY space_id, created_at`); err != nil {
		return nil, err
	}
	return toInstalledServers(rows)
}

func toInstalledServers(rows []installedServerRow) ([]domain.InstalledServer, error) {
	out := make([]domain.InstalledServer, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r serverRepo) Install(ctx context.Context, s domain.InstalledServer) error {
	defJSON, err := json.Marshal(s.Definition)
	if err != nil {
		return err
	}
	inputsJSON, err := json.Marshal(s.Inputs)
	if err != nil {
		return err
	}
	now := formatTime(s.CreatedAt)
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO installed_servers (space_id, server_id, definition_json, inputs_json, enabled, oauth_connected, alias, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, server_id) DO UPDATE SET
			definition_json = excluded.definition_json,
			inputs_json = excluded.inputs_json,
			alias = excluded.alias,
			updated_at = excluded.updated_at`,
		s.SpaceID, s.ServerID, string(defJSON), string(inputsJSON), s.Enabled, s.OAuthConnected, s.Alias, now, now)
	return err
}

func (r serverRepo) SetEnabled(ctx context.Context, spaceID, serverID string, enabled bool) error {
	return r.db.mustAffect(ctx, `UPDATE installed_servers SET enabled = ? WHERE space_id = ? AND server_id = ?`, enabled, spaceID, serverID)
}

func (r serverRepo) SetOAuthConnected(ctx context.Context, spaceID, serverID string, connected bool) error {
	return r.db.mustAffect(ctx, `UPDATE installed_servers SET oauth_connected = ? WHERE space_id = ? AND server_id = ?`, connected, spaceID, serverID)
}

func (r serverRepo) SaveInputs(ctx context.Context, spaceID, serverID string, inputs map[string]string) error {
	b, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	return r.db.mustAffect(ctx, `UPDATE installed_servers SET inputs_json = ? WHERE space_id = ? AND server_id = ?`, string(b), spaceID, serverID)
}

// Uninstall removes an installed server and cascades to everything scoped
// to it: its credentials, its discovered features, and its ServerAll
// feature set (including any membership rows that reference that set from
// elsewhere), so uninstalling then reinstalling a server leaves no orphaned
// rows behind.
func (r serverRepo) Uninstall(ctx context.Context, spaceID, serverID string) (err error) {
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer txClose(tx, &err)

	if _, err = tx.ExecContext(ctx, `DELETE FROM credentials WHERE space_id = ? AND server_id = ?`, spaceID, serverID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM server_features WHERE space_id = ? AND server_id = ?`, spaceID, serverID); err != nil {
		return err
	}

	var serverAllID string
	getErr := tx.GetContext(ctx, &serverAllID, `SELECT id FROM feature_sets WHERE space_id = ? AND server_id = ? AND kind = ?`,
		spaceID, serverID, string(domain.FeatureSetServerAll))
	switch {
	case getErr == nil:
		if _, err = tx.ExecContext(ctx, `
			DELETE FROM feature_set_members
			WHERE feature_set_id = ? OR (member_type = ? AND member_feature_set = ?)`,
			serverAllID, string(domain.MemberFeatureSet), serverAllID); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM feature_sets WHERE id = ?`, serverAllID); err != nil {
			return err
		}
	case rowNotFound(getErr):
		// no ServerAll set was ever created for this server; nothing to cascade.
	default:
		err = getErr
		return err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `DELETE FROM installed_servers WHERE space_id = ? AND server_id = ?`, spaceID, serverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = fmt.Errorf("sqlite: %w: server %s/%s", domain.ErrNotFound, spaceID, serverID)
		return err
	}
	return tx.Commit()
}

// mustAffect runs an update and surfaces ErrNotFound when no row matched,
// the common shape for single-row mutations across every repo in this
// package.
func (d *DB) mustAffect(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %w", domain.ErrNotFound)
	}
	return nil
}
