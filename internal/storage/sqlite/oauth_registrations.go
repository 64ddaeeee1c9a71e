package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localmcp/gateway/internal/domain"
)

type oauthRegistrationRow struct {
	SpaceID               string `db:"space_id"`
	ServerID              string `db:"server_id"`
	ClientID              string `db:"client_id"`
	ServerURL             string `db:"server_url"`
	RedirectURI           string `db:"redirect_uri"`
	Issuer                string `db:"issuer"`
	AuthorizationEndpoint string `db:"authorization_endpoint"`
	TokenEndpoint         string `db:"token_endpoint"`
	RegistrationEndpoint  string `db:"registration_endpoint"`
	ScopesSupportedJSON   string `db:"scopes_supported_json"`
	CodeChallengeJSON     string `db:"code_challenge_methods_json"`
}

type oauthRegistrationRepo struct{ db *DB }

func (d *DB) OAuthRegistrations() domain.OAuthRegistrationRepository { return oauthRegistrationRepo{db: d} }

func (r oauthRegistrationRepo) Get(ctx context.Context, spaceID, serverID string) (domain.OutboundOAuthRegistration, error) {
	var row oauthRegistrationRow
	err := r.db.db.GetContext(ctx, &row, `
		SELECT space_id, server_id, client_id, server_url, redirect_uri, issuer,
		       authorization_endpoint, token_endpoint, registration_endpoint,
		       scopes_supported_json, code_challenge_methods_json
		FROM oauth_registrations WHERE space_id = ? AND server_id = ?`, spaceID, serverID)
	if err != nil {
		if rowNotFound(err) {
			return domain.OutboundOAuthRegistration{}, fmt.Errorf("sqlite: %w: oauth registration %s/%s", domain.ErrNotFound, spaceID, serverID)
		}
		return domain.OutboundOAuthRegistration{}, err
	}
	return row.toDomain()
}

func (row oauthRegistrationRow) toDomain() (domain.OutboundOAuthRegistration, error) {
	var scopes, methods []string
	if row.ScopesSupportedJSON != "" {
		if err := json.Unmarshal([]byte(row.ScopesSupportedJSON), &scopes); err != nil {
			return domain.OutboundOAuthRegistration{}, err
		}
	}
	if row.CodeChallengeJSON != "" {
		if err := json.Unmarshal([]byte(row.CodeChallengeJSON), &methods); err != nil {
			return domain.OutboundOAuthRegistration{}, err
		}
	}
	return domain.OutboundOAuthRegistration{
		SpaceID: row.SpaceID, ServerID: row.ServerID, ClientID: row.ClientID,
		ServerURL: row.ServerURL, RedirectURI: row.RedirectURI,
		Issuer: row.Issuer, AuthorizationEndpoint: row.AuthorizationEndpoint,
		TokenEndpoint: row.TokenEndpoint, RegistrationEndpoint: row.RegistrationEndpoint,
		ScopesSupported: scopes, CodeChallengeMethods: methods,
	}, nil
}

func (r oauthRegistrationRepo) Upsert(ctx context.Context, reg domain.OutboundOAuthRegistration) error {
	scopesJSON, err := json.Marshal(reg.ScopesSupported)
	if err != nil {
		return err
	}
	methodsJSON, err := json.Marshal(reg.CodeChallengeMethods)
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO oauth_registrations (space_id, server_id, client_id, server_url, redirect_uri, issuer,
			authorization_endpoint, token_endpoint, registration_endpoint, scopes_supported_json, code_challenge_methods_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, server_id) DO UPDATE SET
			client_id = excluded.client_id,
			server_url = excluded.server_url,
			redirect_uri = excluded.redirect_uri,
			issuer = excluded.issuer,
			authorization_endpoint = excluded.authorization_endpoint,
			token_endpoint = excluded.token_endpoint,
			registration_endpoint = excluded.registration_endpoint,
			scopes_supported_json = excluded.scopes_supported_json,
			code_challenge_methods_json = excluded.code_challenge_methods_json`,
		reg.SpaceID, reg.ServerID, reg.ClientID, reg.ServerURL, reg.RedirectURI, reg.Issuer,
		reg.AuthorizationEndpoint, reg.TokenEndpoint, reg.RegistrationEndpoint, string(scopesJSON), string(methodsJSON))
	return err
}

func (r oauthRegistrationRepo) Delete(ctx context.Context, spaceID, serverID string) error {
	_, err := r.db.db.ExecContext(ctx, `DELETE FROM oauth_registrations WHERE space_id = ? AND server_id = ?`, spaceID, serverID)
	return err
}
