package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
)

// connectHTTP picks one auth path, from highest to lowest: an explicit
// Authorization header on the definition (opaque, discovery skipped); for an
// oauth definition, the stored access token as a bearer when it has a future
// expiry; otherwise an unauthenticated attempt. An oauth definition with no
// such token returns OAuthRequired without dialing. Expired tokens are not
// refreshed here, and stored authorization-server metadata is not consulted.
// Definition headers are applied regardless of which auth path is chosen.
func connectHTTP(ctx context.Context, def domain.ServerDefinition, creds CredentialSource) Outcome {
	rt := &headerRoundTripper{headers: def.Transport.Headers}

	switch {
	case def.Auth.Kind == domain.AuthHeader && def.Auth.Header != "":
		rt.headers = mergeHeaders(def.Transport.Headers, map[string]string{"Authorization": def.Auth.Header})

	case def.Auth.Kind == domain.AuthOAuth && creds != nil:
		token, ok := creds.BearerToken(ctx)
		if !ok {
			return Outcome{OAuthRequired: true, ServerURL: def.Transport.URL}
		}
		rt.bearer = token

	default:
		// unauthenticated attempt
	}

	httpClient := &http.Client{Transport: rt}
	transport := &mcp.StreamableClientTransport{Endpoint: def.Transport.URL, HTTPClient: httpClient}

	session, err := client().Connect(ctx, transport, nil)
	if err != nil {
		if isOAuthIndicator(err) {
			return Outcome{OAuthRequired: true, ServerURL: def.Transport.URL}
		}
		return Outcome{Err: fmt.Errorf("transport: http connect to %s: %w", def.Transport.URL, err)}
	}
	return Outcome{Client: session}
}

func mergeHeaders(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
