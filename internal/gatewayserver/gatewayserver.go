// Package gatewayserver owns the process's single HTTP listener: health,
// the inbound OAuth authorization server, and the MCP endpoint itself.
// Grounded on the teacher's telemetry-server/server.go use of
// mcp.NewStreamableHTTPHandler with a per-session server factory, and on
// pkg/gateway/custom_transport.go's mcp.NewServer/ServerOptions wiring,
// generalized from a single static tool set to one rebuilt per session from
// the caller's authorized feature catalog.
package gatewayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/notifier"
	"github.com/localmcp/gateway/internal/oauthin"
	"github.com/localmcp/gateway/internal/router"
)

var _ notifier.SpaceResolver = (*Server)(nil)

// Server is the process's top-level HTTP surface.
type Server struct {
	router  *router.Router
	oauth   *oauthin.Server
	tokens  *oauthin.TokenIssuer
	clients domain.InboundClientRepository
	spaces  domain.SpaceRepository
}

func New(rt *router.Router, oauth *oauthin.Server, tokens *oauthin.TokenIssuer, clients domain.InboundClientRepository, spaces domain.SpaceRepository) *Server {
	return &Server{router: rt, oauth: oauth, tokens: tokens, clients: clients, spaces: spaces}
}

// Handler assembles the full mux: health, the OAuth surface, and /mcp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/.well-known/", s.oauth.Handler())
	mux.Handle("/oauth/", s.oauth.Handler())
	mux.Handle("/mcp", s.authMiddleware(s.mcpHandler()))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authMiddleware verifies the bearer access token and attaches an
// AuthContext before delegating to the MCP handler; the inbound client's
// connection mode resolves which space the token's own space_id claim
// should be overridden by, per spec §4.9 (follow_active vs locked).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeUnauthorized(w, r)
			return
		}

		verified, err := s.tokens.VerifyAccessToken(token)
		if err != nil {
			writeUnauthorized(w, r)
			return
		}

		spaceID, err := s.resolveSpace(r.Context(), verified.ClientID, verified.SpaceID)
		if err != nil {
			http.Error(w, "space resolution failed", http.StatusInternalServerError)
			return
		}

		ac := router.AuthContext{ClientID: verified.ClientID, SpaceID: spaceID}
		ctx := router.WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveSpace implements the per-client connection mode: follow_active
// clients always track the currently active space regardless of what was
// true when their token was minted; locked clients pin to one space;
// ask_on_change behaves like locked at the transport layer (the prompt
// itself is a client-side concern, per spec Non-goals on UI).
func (s *Server) resolveSpace(ctx context.Context, clientID, tokenSpaceID string) (string, error) {
	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return tokenSpaceID, nil
	}
	switch client.ConnectionMode {
	case domain.ConnectionLocked, domain.ConnectionAskOnChange:
		if client.LockedSpaceID != "" {
			return client.LockedSpaceID, nil
		}
		return tokenSpaceID, nil
	default:
		active, err := s.spaces.Active(ctx)
		if err != nil {
			return tokenSpaceID, nil
		}
		return active.ID, nil
	}
}

// ResolveSpace implements notifier.SpaceResolver by delegating to the same
// per-client connection-mode logic the HTTP middleware uses, so a
// follow_active peer is notified against its current space even if it
// authenticated against a different one.
func (s *Server) ResolveSpace(ctx context.Context, clientID string) (string, error) {
	active, err := s.spaces.Active(ctx)
	tokenSpaceID := ""
	if err == nil {
		tokenSpaceID = active.ID
	}
	return s.resolveSpace(ctx, clientID, tokenSpaceID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+baseURL(r)+`/.well-known/oauth-protected-resource/mcp"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func baseURL(r *http.Request) string {
	return "http://" + r.Host
}

// mcpHandler builds one *mcp.Server per new session, seeded with the
// caller's currently authorized tools/prompts/resources; it is rebuilt
// whenever the protocol library starts a fresh session, never mutated
// in place mid-session (resync instead happens through the notifier, which
// re-adds/removes tools on the live instance - see peer.go).
func (s *Server) mcpHandler() http.Handler {
	factory := func(r *http.Request) *mcp.Server {
		ctx := r.Context()
		ac, ok := router.AuthContextFrom(ctx)

		var srv *mcp.Server
		impl := &mcp.Implementation{Name: "mcp-gateway", Version: "1.0.0"}
		srv = mcp.NewServer(impl, &mcp.ServerOptions{
			HasTools:     true,
			HasPrompts:   true,
			HasResources: true,
			InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
				if !ok {
					return
				}
				peer := newSessionPeer(srv, s.router)
				s.router.OnInitialized(ac.ClientID, ac.SpaceID, peer)
			},
		})

		if !ok {
			return srv
		}

		if err := populate(ctx, srv, s.router); err != nil {
			log.Warnf("gatewayserver: populating session tools: %v", err)
		}
		return srv
	}
	return mcp.NewStreamableHTTPHandler(factory, nil)
}

// populate registers every currently authorized tool/prompt/resource on a
// freshly created server, translating the router's per-feature handlers
// into the untyped ToolHandler/PromptHandler/ResourceHandler shape.
func populate(ctx context.Context, srv *mcp.Server, rt *router.Router) error {
	tools, err := rt.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	for _, t := range tools.Tools {
		srv.AddTool(t, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return rt.CallTool(ctx, req)
		})
	}

	prompts, err := rt.ListPrompts(ctx, &mcp.ListPromptsParams{})
	if err != nil {
		return err
	}
	for _, p := range prompts.Prompts {
		srv.AddPrompt(p, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return rt.GetPrompt(ctx, req)
		})
	}

	resources, err := rt.ListResources(ctx, &mcp.ListResourcesParams{})
	if err != nil {
		return err
	}
	for _, res := range resources.Resources {
		srv.AddResource(res, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return rt.ReadResource(ctx, req)
		})
	}
	return nil
}
