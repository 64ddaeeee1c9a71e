// Package router implements the MCP server side of the inbound connection:
// it resolves the caller's grants, authorizes against the feature catalog,
// and delegates invocations to the pool. Grounded on the teacher's
// pkg/gateway/handlers.go (mcpToolHandler/mcpServerToolHandler) and
// pkg/gateway/mcpexec.go's parameter-parsing idiom, generalized from a
// flat, ungranted catalog to the grant-checked one this spec requires.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/featuresvc"
	"github.com/localmcp/gateway/internal/grants"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/notifier"
	"github.com/localmcp/gateway/internal/pool"
	"github.com/localmcp/gateway/internal/prefix"
	"github.com/localmcp/gateway/internal/telemetry"
)

// MaxProtocolVersion is the highest MCP protocol version this router
// negotiates; a client that declares a newer one is answered with this
// value instead (never fatal - negotiate down).
const MaxProtocolVersion = "2025-06-18"

// AuthContext carries the identity the inbound auth middleware resolved.
type AuthContext struct {
	ClientID string
	SpaceID  string
}

type authContextKey struct{}

func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthContextFrom lets the HTTP layer's session factory recover the
// AuthContext the auth middleware attached to the request context.
func AuthContextFrom(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}

// Router implements list/call routing for one gateway process.
type Router struct {
	features *featuresvc.Service
	grants   *grants.Service
	pool     *pool.Service
	prefixes *prefix.Cache
	notify   *notifier.Notifier
}

func New(features *featuresvc.Service, grantsSvc *grants.Service, poolSvc *pool.Service, prefixes *prefix.Cache, notify *notifier.Notifier) *Router {
	return &Router{features: features, grants: grantsSvc, pool: poolSvc, prefixes: prefixes, notify: notify}
}

func (rt *Router) resolved(ctx context.Context) ([]domain.ServerFeature, AuthContext, error) {
	ac, ok := AuthContextFrom(ctx)
	if !ok {
		return nil, ac, fmt.Errorf("router: %w: missing auth context", domain.ErrAuthenticationRequired)
	}
	featureSetIDs, err := rt.grants.ListFeatureSetIDs(ctx, ac.ClientID, ac.SpaceID)
	if err != nil {
		return nil, ac, err
	}
	features, err := rt.features.ResolveFeatureSets(ctx, ac.SpaceID, featureSetIDs)
	return features, ac, err
}

// ListTools returns the qualified, grant-authorized tool catalog.
func (rt *Router) ListTools(ctx context.Context, _ *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	span, end := startSpan(ctx, "router.ListTools")
	defer end()
	_ = span

	features, ac, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	tools := make([]*mcp.Tool, 0, len(features))
	for _, f := range features {
		if f.Type != domain.FeatureTool {
			continue
		}
		qualified := rt.features.QualifiedName(ac.SpaceID, f.ServerID, f)
		var tool mcp.Tool
		if len(f.RawJSON) > 0 {
			_ = unmarshalLenient(f.RawJSON, &tool)
		}
		tool.Name = qualified
		tool.Description = f.Description
		if !schemaIsUsable(tool.InputSchema) {
			log.Warnf("router: dropping tool %s, backend declared an unresolvable input schema", qualified)
			continue
		}
		tools = append(tools, &tool)
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

// schemaIsUsable resolves a backend-declared input schema so a malformed
// one never reaches a client as an advertised tool. A nil schema (no
// parameters) is valid.
func schemaIsUsable(schema *jsonschema.Schema) bool {
	if schema == nil {
		return true
	}
	_, err := schema.Resolve(nil)
	return err == nil
}

// CallTool parses the qualified name, reverifies authorization and
// availability, and delegates to the pool. It passes no ReconnectFunc, so an
// authentication error from the backend is returned as is, with no
// reconnect and no retry.
func (rt *Router) CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	span, end := startSpan(ctx, "router.CallTool")
	defer end()
	_ = span

	features, ac, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	prefixStr, featureName, ok := prefix.SplitQualifiedName(req.Params.Name)
	if !ok {
		return nil, fmt.Errorf("router: %w: malformed qualified tool name %q", domain.ErrNotFound, req.Params.Name)
	}
	serverID, ok := rt.prefixes.Lookup(ac.SpaceID, prefixStr)
	if !ok {
		return nil, fmt.Errorf("router: %w: unknown prefix %q", domain.ErrNotFound, prefixStr)
	}

	var matched *domain.ServerFeature
	for i := range features {
		f := features[i]
		if f.Type == domain.FeatureTool && f.ServerID == serverID && f.Name == featureName {
			matched = &f
			break
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("router: %w: tool %q not authorized or unavailable", domain.ErrAuthorizationDenied, req.Params.Name)
	}

	args := map[string]any{}
	if req.Params.Arguments != nil {
		_ = unmarshalLenient(req.Params.Arguments, &args)
	}

	return rt.pool.CallTool(ctx, ac.SpaceID, serverID, featureName, args, nil)
}

// ListPrompts returns the qualified, grant-authorized prompt catalog.
func (rt *Router) ListPrompts(ctx context.Context, _ *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	features, ac, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	prompts := make([]*mcp.Prompt, 0, len(features))
	for _, f := range features {
		if f.Type != domain.FeaturePrompt {
			continue
		}
		qualified := rt.features.QualifiedName(ac.SpaceID, f.ServerID, f)
		var prompt mcp.Prompt
		if len(f.RawJSON) > 0 {
			_ = unmarshalLenient(f.RawJSON, &prompt)
		}
		prompt.Name = qualified
		prompt.Description = f.Description
		prompts = append(prompts, &prompt)
	}
	return &mcp.ListPromptsResult{Prompts: prompts}, nil
}

// GetPrompt parses the qualified name, reverifies authorization, and
// delegates to the pool.
func (rt *Router) GetPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	features, ac, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	prefixStr, featureName, ok := prefix.SplitQualifiedName(req.Params.Name)
	if !ok {
		return nil, fmt.Errorf("router: %w: malformed qualified prompt name %q", domain.ErrNotFound, req.Params.Name)
	}
	serverID, ok := rt.prefixes.Lookup(ac.SpaceID, prefixStr)
	if !ok {
		return nil, fmt.Errorf("router: %w: unknown prefix %q", domain.ErrNotFound, prefixStr)
	}

	if !hasMatch(features, domain.FeaturePrompt, serverID, featureName) {
		return nil, fmt.Errorf("router: %w: prompt %q not authorized or unavailable", domain.ErrAuthorizationDenied, req.Params.Name)
	}

	return rt.pool.GetPrompt(ctx, ac.SpaceID, serverID, featureName, req.Params.Arguments, nil)
}

// ListResources returns the grant-authorized resource catalog. Resources
// are not prefixed: their qualified name is their URI as-is.
func (rt *Router) ListResources(ctx context.Context, _ *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	features, _, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	resources := make([]*mcp.Resource, 0, len(features))
	for _, f := range features {
		if f.Type != domain.FeatureResource {
			continue
		}
		var resource mcp.Resource
		if len(f.RawJSON) > 0 {
			_ = unmarshalLenient(f.RawJSON, &resource)
		}
		resource.URI = f.Name
		resource.Description = f.Description
		resources = append(resources, &resource)
	}
	return &mcp.ListResourcesResult{Resources: resources}, nil
}

// ReadResource reverifies authorization by URI and delegates to the pool.
// Because resource URIs are not prefixed, the owning server is resolved by
// scanning the authorized set rather than splitting a qualified name.
func (rt *Router) ReadResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	features, ac, err := rt.resolved(ctx)
	if err != nil {
		return nil, err
	}

	var matched *domain.ServerFeature
	for i := range features {
		f := features[i]
		if f.Type == domain.FeatureResource && f.Name == req.Params.URI {
			matched = &f
			break
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("router: %w: resource %q not authorized or unavailable", domain.ErrAuthorizationDenied, req.Params.URI)
	}

	return rt.pool.ReadResource(ctx, ac.SpaceID, matched.ServerID, req.Params.URI, nil)
}

func hasMatch(features []domain.ServerFeature, t domain.FeatureType, serverID, name string) bool {
	for _, f := range features {
		if f.Type == t && f.ServerID == serverID && f.Name == name {
			return true
		}
	}
	return false
}

// InitializeVersion negotiates: if the client's declared protocol version
// is above our maximum, reply with our maximum; else reply with theirs.
func InitializeVersion(clientVersion string) string {
	if clientVersion > MaxProtocolVersion {
		return MaxProtocolVersion
	}
	return clientVersion
}

// OnInitialized registers the peer with the notifier immediately; the
// protocol library owns the SSE stream lifecycle from here.
func (rt *Router) OnInitialized(clientID, spaceID string, peer notifier.Peer) {
	rt.notify.RegisterPeer(clientID, spaceID, peer)
	rt.notify.PrimeHashes(spaceID)
}

func unmarshalLenient(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

func startSpan(ctx context.Context, name string) (any, func()) {
	_, span := telemetry.Tracer().Start(ctx, name)
	return span, func() { span.End() }
}
