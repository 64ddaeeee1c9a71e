package oauthout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/localmcp/gateway/internal/log"
)

// PerformDCR registers a public client (RFC 7591) with the discovered
// registration endpoint, scoped to the given redirect URI (the loopback
// callback currently bound).
func PerformDCR(ctx context.Context, discovery *Discovery, serverName, redirectURI string) (*ClientCredentials, error) {
	if discovery.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("no registration endpoint advertised for %s", serverName)
	}

	registration := DCRRequest{
		ClientName:              fmt.Sprintf("mcp-gateway - %s", serverName),
		RedirectURIs:             []string{redirectURI},
		TokenEndpointAuthMethod:  "none",
		GrantTypes:               []string{"authorization_code", "refresh_token"},
		ResponseTypes:            []string{"code"},
		ClientURI:                "https://github.com/localmcp/gateway",
		SoftwareID:               "mcp-gateway",
	}
	if len(discovery.ScopesSupported) > 0 {
		registration.Scope = joinScopes(discovery.ScopesSupported)
	}

	body, err := json.Marshal(registration)
	if err != nil {
		return nil, fmt.Errorf("marshaling DCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discovery.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building DCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending DCR request to %s: %w", discovery.RegistrationEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Warnf("oauthout: DCR failed for %s: status %d body %s", serverName, resp.StatusCode, string(errBody))
		return nil, fmt.Errorf("DCR failed with status %d for %s", resp.StatusCode, serverName)
	}

	var dcrResp DCRResponse
	if err := json.NewDecoder(resp.Body).Decode(&dcrResp); err != nil {
		return nil, fmt.Errorf("decoding DCR response: %w", err)
	}
	if dcrResp.ClientID == "" {
		return nil, fmt.Errorf("DCR response missing client_id for %s", serverName)
	}

	return &ClientCredentials{
		ClientID:              dcrResp.ClientID,
		ServerURL:             discovery.ResourceURL,
		AuthorizationEndpoint: discovery.AuthorizationEndpoint,
		TokenEndpoint:         discovery.TokenEndpoint,
	}, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
