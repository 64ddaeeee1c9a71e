package oauthout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/localmcp/gateway/internal/log"
)

// DiscoverOAuthRequirements probes serverURL, expecting a 401 challenge that
// points at RFC 9728 protected-resource metadata, then follows that to RFC
// 8414 authorization-server metadata. Falls back to an origin-level
// well-known path if the spec-compliant location is absent.
func DiscoverOAuthRequirements(ctx context.Context, serverURL string) (*Discovery, error) {
	challenge, err := probeUnauthorized(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("probing %s for oauth requirements: %w", serverURL, err)
	}

	resourceMetadataURL := challenge.ResourceMetadataURL
	if resourceMetadataURL == "" {
		resourceMetadataURL, err = wellKnownProtectedResourceURL(serverURL)
		if err != nil {
			return nil, err
		}
	}

	prm, err := fetchProtectedResourceMetadata(ctx, resourceMetadataURL)
	if err != nil {
		log.Warnf("oauthout: protected-resource metadata fetch failed for %s: %v; falling back to origin", serverURL, err)
		prm = &protectedResourceMetadata{Resource: serverURL}
	}

	authServer := serverURL
	if len(prm.AuthorizationServers) > 0 {
		authServer = prm.AuthorizationServers[0]
	}

	asm, err := fetchAuthorizationServerMetadata(ctx, authServer)
	if err != nil {
		return nil, fmt.Errorf("fetching authorization server metadata from %s: %w", authServer, err)
	}

	return &Discovery{
		ResourceURL:           serverURL,
		Issuer:                asm.Issuer,
		AuthorizationEndpoint: asm.AuthorizationEndpoint,
		TokenEndpoint:         asm.TokenEndpoint,
		RegistrationEndpoint:  asm.RegistrationEndpoint,
		ScopesSupported:       asm.ScopesSupported,
		CodeChallengeMethods:  asm.CodeChallengeMethodsSupported,
	}, nil
}

type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type authorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

func probeUnauthorized(ctx context.Context, serverURL string) (wwwAuthenticateChallenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return wwwAuthenticateChallenge{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return wwwAuthenticateChallenge{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return wwwAuthenticateChallenge{}, nil
	}
	return parseWWWAuthenticate(resp.Header.Get("WWW-Authenticate")), nil
}

// parseWWWAuthenticate extracts realm/resource_metadata/scope from a Bearer
// challenge header per RFC 6750 §3 and RFC 9728 §5.1.
func parseWWWAuthenticate(header string) wwwAuthenticateChallenge {
	var c wwwAuthenticateChallenge
	if !strings.HasPrefix(strings.ToLower(header), "bearer") {
		return c
	}
	rest := header[len("Bearer"):]
	for _, part := range strings.Split(rest, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "resource_metadata":
			c.ResourceMetadataURL = val
		case "scope":
			c.Scope = val
		}
	}
	return c
}

func wellKnownProtectedResourceURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	return u.ResolveReference(&url.URL{Path: "/.well-known/oauth-protected-resource"}).String(), nil
}

func fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) (*protectedResourceMetadata, error) {
	var prm protectedResourceMetadata
	if err := fetchJSON(ctx, metadataURL, &prm); err != nil {
		return nil, err
	}
	return &prm, nil
}

func fetchAuthorizationServerMetadata(ctx context.Context, authServer string) (*authorizationServerMetadata, error) {
	u, err := url.Parse(authServer)
	if err != nil {
		return nil, fmt.Errorf("parsing authorization server url: %w", err)
	}

	var asm authorizationServerMetadata
	primary := u.ResolveReference(&url.URL{Path: "/.well-known/oauth-authorization-server"}).String()
	if err := fetchJSON(ctx, primary, &asm); err == nil {
		return &asm, nil
	}

	fallback := u.ResolveReference(&url.URL{Path: "/.well-known/openid-configuration"}).String()
	if err := fetchJSON(ctx, fallback, &asm); err != nil {
		return nil, fmt.Errorf("no authorization server metadata at %s or %s: %w", primary, fallback, err)
	}
	return &asm, nil
}

func fetchJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
