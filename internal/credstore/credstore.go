// Package credstore bridges the gateway's typed credential rows to the
// unified credential-store shape that the outbound OAuth manager drives its
// automatic refresh against (golang.org/x/oauth2's TokenSource contract,
// adapted). Grounded on the teacher's credential handling in
// pkg/gateway/auth.go and pkg/mcp/remote.go, where bearer/OAuth material is
// always re-read per request rather than cached in memory.
package credstore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/localmcp/gateway/internal/domain"
)

// StoredCredentials bundles a DCR client_id with an optional token response.
type StoredCredentials struct {
	ClientID string
	Token    *oauth2.Token // nil if no OAuth token has ever been obtained
}

// Store implements load/save/clear for a single (space_id, server_id) pair.
// A new Store is created per server; it holds no cached state itself, so
// every Load recomputes ExpiresIn from the database.
type Store struct {
	creds   domain.CredentialRepository
	regs    domain.OAuthRegistrationRepository
	spaceID string
	serverID string
	now     func() time.Time
}

func New(creds domain.CredentialRepository, regs domain.OAuthRegistrationRepository, spaceID, serverID string) *Store {
	return &Store{creds: creds, regs: regs, spaceID: spaceID, serverID: serverID, now: time.Now}
}

// Load performs no caching: it reads the access_token row, refresh_token
// row, and outbound registration row, then recomputes ExpiresIn as
// max(0, expires_at - now). Returns (nil, nil) if no registration exists.
func (s *Store) Load(ctx context.Context) (*StoredCredentials, error) {
	reg, err := s.regs.Get(ctx, s.spaceID, s.serverID)
	if err != nil {
		return nil, nil //nolint:nilnil // "Option<StoredCredentials>" - absence is not an error
	}

	out := &StoredCredentials{ClientID: reg.ClientID}

	access, err := s.creds.Get(ctx, s.spaceID, s.serverID, domain.CredentialAccessToken)
	if err != nil {
		return out, nil
	}

	tok := &oauth2.Token{
		AccessToken: access.Value,
		TokenType:   access.TokenType,
	}
	if access.ExpiresAt != nil {
		tok.Expiry = *access.ExpiresAt
	}
	tok.ExpiresIn = int64(s.ExpiresIn(tok) / time.Second)

	if refresh, err := s.creds.Get(ctx, s.spaceID, s.serverID, domain.CredentialRefreshToken); err == nil {
		tok.RefreshToken = refresh.Value
	}

	out.Token = tok
	return out, nil
}

// ExpiresIn recomputes the access token's remaining lifetime relative to
// now; callers must never read an expiry cached from an earlier Load.
func (s *Store) ExpiresIn(tok *oauth2.Token) time.Duration {
	if tok == nil || tok.Expiry.IsZero() {
		return 0
	}
	d := tok.Expiry.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Save writes the access token row (upsert), writes the refresh token row
// only if present on tok (preserving any existing row otherwise), and
// upserts the registration when clientID differs from the stored one.
func (s *Store) Save(ctx context.Context, clientID string, tok *oauth2.Token) error {
	if tok == nil {
		return fmt.Errorf("credstore: save called with nil token")
	}

	expiry := tok.Expiry
	access := domain.Credential{
		SpaceID:   s.spaceID,
		ServerID:  s.serverID,
		Type:      domain.CredentialAccessToken,
		Value:     tok.AccessToken,
		ExpiresAt: &expiry,
		TokenType: tok.TokenType,
	}
	if err := s.creds.Upsert(ctx, access); err != nil {
		return fmt.Errorf("credstore: saving access token: %w", err)
	}

	if tok.RefreshToken != "" {
		refresh := domain.Credential{
			SpaceID:  s.spaceID,
			ServerID: s.serverID,
			Type:     domain.CredentialRefreshToken,
			Value:    tok.RefreshToken,
		}
		if err := s.creds.Upsert(ctx, refresh); err != nil {
			return fmt.Errorf("credstore: saving refresh token: %w", err)
		}
	}

	if reg, err := s.regs.Get(ctx, s.spaceID, s.serverID); err != nil || reg.ClientID != clientID {
		reg.SpaceID, reg.ServerID, reg.ClientID = s.spaceID, s.serverID, clientID
		if err := s.regs.Upsert(ctx, reg); err != nil {
			return fmt.Errorf("credstore: upserting registration: %w", err)
		}
	}

	return nil
}

// Clear removes only OAuth credentials (access + refresh), preserving
// non-OAuth credentials like API keys. The registration (client_id,
// metadata) is preserved so DCR need not repeat.
func (s *Store) Clear(ctx context.Context) error {
	return s.creds.ClearTokens(ctx, s.spaceID, s.serverID)
}
