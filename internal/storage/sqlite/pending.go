package sqlite

import (
	"context"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type pendingAuthorizationRow struct {
	RequestID           string `db:"request_id"`
	ClientID            string `db:"client_id"`
	RedirectURI         string `db:"redirect_uri"`
	Scope               string `db:"scope"`
	State               string `db:"state"`
	CodeChallenge       string `db:"code_challenge"`
	CodeChallengeMethod string `db:"code_challenge_method"`
	CreatedAt           string `db:"created_at"`
}

func (row pendingAuthorizationRow) toDomain() (domain.PendingAuthorization, error) {
	t, err := parseTime(row.CreatedAt)
	if err != nil {
		return domain.PendingAuthorization{}, err
	}
	return domain.PendingAuthorization{
		RequestID: row.RequestID, ClientID: row.ClientID, RedirectURI: row.RedirectURI,
		Scope: row.Scope, State: row.State, CodeChallenge: row.CodeChallenge,
		CodeChallengeMethod: row.CodeChallengeMethod, CreatedAt: t,
	}, nil
}

// pendingAuthorizationRepo implements domain.PendingAuthorizationRepository.
type pendingAuthorizationRepo struct{ db *DB }

func (d *DB) PendingAuthorizations() domain.PendingAuthorizationRepository {
	return pendingAuthorizationRepo{db: d}
}

func (r pendingAuthorizationRepo) Create(ctx context.Context, p domain.PendingAuthorization) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO pending_authorizations (request_id, client_id, redirect_uri, scope, state, code_challenge, code_challenge_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.ClientID, p.RedirectURI, p.Scope, p.State, p.CodeChallenge, p.CodeChallengeMethod, formatTime(p.CreatedAt))
	return err
}

func (r pendingAuthorizationRepo) Get(ctx context.Context, requestID string) (domain.PendingAuthorization, error) {
	var row pendingAuthorizationRow
	err := r.db.db.GetContext(ctx, &row, `
		SELECT request_id, client_id, redirect_uri, scope, state, code_challenge, code_challenge_method, created_at
		FROM pending_authorizations WHERE request_id = ?`, requestID)
	if err != nil {
		if rowNotFound(err) {
			return domain.PendingAuthorization{}, fmt.Errorf("sqlite: %w: pending authorization %s", domain.ErrNotFound, requestID)
		}
		return domain.PendingAuthorization{}, err
	}
	return row.toDomain()
}

func (r pendingAuthorizationRepo) Delete(ctx context.Context, requestID string) error {
	_, err := r.db.db.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE request_id = ?`, requestID)
	return err
}
