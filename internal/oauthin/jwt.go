// Package oauthin implements the inbound OAuth 2.1 authorization server
// that MCP editor/assistant clients authenticate against: metadata, DCR,
// CIMD resolution, PKCE-verified authorization codes, and HS256 JWT
// issuance. The teacher delegates all of this to Docker Desktop and never
// issues its own JWTs; this package is grounded on the sibling pack's JWT
// pattern (golang-jwt/jwt/v5) combined with the teacher's own PKCE/DCR
// mechanics in cmd/docker-mcp/internal/oauth, generalized from an outbound
// client role to an inbound authorization-server role.
package oauthin

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// claims is the HS256 JWT payload for both access and refresh tokens; Kind
// distinguishes them so a refresh token can never be accepted as a bearer
// access token.
type claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	SpaceID  string `json:"space_id"`
	Kind     string `json:"kind"` // "access" | "refresh"
}

// TokenIssuer signs and verifies inbound access/refresh tokens.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

func (t *TokenIssuer) issue(clientID, spaceID, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
		SpaceID:  spaceID,
		Kind:     kind,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("oauthin: signing %s token: %w", kind, err)
	}
	return signed, nil
}

func (t *TokenIssuer) IssueAccessToken(clientID, spaceID string) (string, error) {
	return t.issue(clientID, spaceID, "access", AccessTokenTTL)
}

func (t *TokenIssuer) IssueRefreshToken(clientID, spaceID string) (string, error) {
	return t.issue(clientID, spaceID, "refresh", RefreshTokenTTL)
}

// Verified is the result of successfully verifying a token.
type Verified struct {
	ClientID string
	SpaceID  string
}

func (t *TokenIssuer) parse(token, expectKind string) (Verified, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Verified{}, fmt.Errorf("oauthin: invalid token: %w", err)
	}
	if c.Kind != expectKind {
		return Verified{}, fmt.Errorf("oauthin: expected %s token, got %s", expectKind, c.Kind)
	}
	return Verified{ClientID: c.ClientID, SpaceID: c.SpaceID}, nil
}

func (t *TokenIssuer) VerifyAccessToken(token string) (Verified, error) {
	return t.parse(token, "access")
}

func (t *TokenIssuer) VerifyRefreshToken(token string) (Verified, error) {
	return t.parse(token, "refresh")
}
