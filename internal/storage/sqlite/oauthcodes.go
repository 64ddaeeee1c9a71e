package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/localmcp/gateway/internal/domain"
)

type oauthCodeRow struct {
	Code                string `db:"code"`
	ClientID            string `db:"client_id"`
	RedirectURI         string `db:"redirect_uri"`
	CodeChallenge       string `db:"code_challenge"`
	CodeChallengeMethod string `db:"code_challenge_method"`
	SpaceID             string `db:"space_id"`
	ExpiresAt           string `db:"expires_at"`
}

func (row oauthCodeRow) toDomain() (domain.OAuthCode, error) {
	t, err := parseTime(row.ExpiresAt)
	if err != nil {
		return domain.OAuthCode{}, err
	}
	return domain.OAuthCode{
		Code: row.Code, ClientID: row.ClientID, RedirectURI: row.RedirectURI,
		CodeChallenge: row.CodeChallenge, CodeChallengeMethod: row.CodeChallengeMethod,
		SpaceID: row.SpaceID, ExpiresAt: t,
	}, nil
}

// oauthCodeRepo implements domain.OAuthCodeRepository. Codes are single-use:
// Consume marks the row consumed inside a transaction and refuses a row
// that is already consumed or past its expiry, so a replayed code always
// looks identical to an unknown one to the caller.
type oauthCodeRepo struct{ db *DB }

func (d *DB) OAuthCodes() domain.OAuthCodeRepository { return oauthCodeRepo{db: d} }

func (r oauthCodeRepo) Create(ctx context.Context, code string, clientID, redirectURI, codeChallenge, codeChallengeMethod, spaceID string, expiresAt time.Time) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO oauth_codes (code, client_id, redirect_uri, code_challenge, code_challenge_method, space_id, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		code, clientID, redirectURI, codeChallenge, codeChallengeMethod, spaceID, formatTime(expiresAt))
	return err
}

func (r oauthCodeRepo) Consume(ctx context.Context, code string) (row domain.OAuthCode, err error) {
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.OAuthCode{}, err
	}
	defer txClose(tx, &err)

	var stored oauthCodeRow
	err = tx.GetContext(ctx, &stored, `
		SELECT code, client_id, redirect_uri, code_challenge, code_challenge_method, space_id, expires_at
		FROM oauth_codes WHERE code = ? AND consumed = 0`, code)
	if err != nil {
		if rowNotFound(err) {
			err = fmt.Errorf("sqlite: %w: oauth code", domain.ErrNotFound)
		}
		return domain.OAuthCode{}, err
	}

	domainRow, err := stored.toDomain()
	if err != nil {
		return domain.OAuthCode{}, err
	}
	if domainRow.ExpiresAt.Before(time.Now()) {
		err = fmt.Errorf("sqlite: %w: oauth code expired", domain.ErrNotFound)
		return domain.OAuthCode{}, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE oauth_codes SET consumed = 1 WHERE code = ?`, code); err != nil {
		return domain.OAuthCode{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.OAuthCode{}, err
	}
	return domainRow, nil
}
