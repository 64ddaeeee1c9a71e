package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/localmcp/gateway/internal/domain"
)

type credentialRow struct {
	SpaceID   string  `db:"space_id"`
	ServerID  string  `db:"server_id"`
	Type      string  `db:"type"`
	Value     []byte  `db:"value"`
	ExpiresAt *string `db:"expires_at"`
	Scope     string  `db:"scope"`
	TokenType string  `db:"token_type"`
}

// credentialRepo implements domain.CredentialRepository, sealing and
// opening the Value column with the DB's AES-GCM sealer so plaintext
// secrets never touch disk.
type credentialRepo struct{ db *DB }

func (d *DB) Credentials() domain.CredentialRepository { return credentialRepo{db: d} }

func (r credentialRepo) Get(ctx context.Context, spaceID, serverID string, t domain.CredentialType) (domain.Credential, error) {
	var row credentialRow
	err := r.db.db.GetContext(ctx, &row, `
		SELECT space_id, server_id, type, value, expires_at, scope, token_type
		FROM credentials WHERE space_id = ? AND server_id = ? AND type = ?`,
		spaceID, serverID, string(t))
	if err != nil {
		if rowNotFound(err) {
			return domain.Credential{}, fmt.Errorf("sqlite: %w: credential %s/%s/%s", domain.ErrNotFound, spaceID, serverID, t)
		}
		return domain.Credential{}, err
	}
	return row.toDomain(r.db.seal)
}

func (r credentialRow) toDomain(seal *sealer) (domain.Credential, error) {
	plaintext, err := seal.open(r.Value)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sqlite: opening credential: %w", err)
	}
	expiresAt, err := parseTimePtr(r.ExpiresAt)
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{
		SpaceID: r.SpaceID, ServerID: r.ServerID, Type: domain.CredentialType(r.Type),
		Value: plaintext, ExpiresAt: expiresAt, Scope: r.Scope, TokenType: r.TokenType,
	}, nil
}

func (r credentialRepo) Upsert(ctx context.Context, c domain.Credential) error {
	ciphertext, err := r.db.seal.seal(c.Value)
	if err != nil {
		return fmt.Errorf("sqlite: sealing credential: %w", err)
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO credentials (space_id, server_id, type, value, expires_at, scope, token_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, server_id, type) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			token_type = excluded.token_type`,
		c.SpaceID, c.ServerID, string(c.Type), ciphertext, formatTimePtr(c.ExpiresAt), c.Scope, c.TokenType)
	return err
}

func (r credentialRepo) Clear(ctx context.Context, spaceID, serverID string, types ...domain.CredentialType) error {
	if len(types) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM credentials WHERE space_id = ? AND server_id = ? AND type IN (?)`,
		spaceID, serverID, credentialTypeStrings(types))
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, r.db.db.Rebind(query), args...)
	return err
}

func (r credentialRepo) ClearTokens(ctx context.Context, spaceID, serverID string) error {
	return r.Clear(ctx, spaceID, serverID, domain.CredentialAccessToken, domain.CredentialRefreshToken)
}

func credentialTypeStrings(types []domain.CredentialType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
