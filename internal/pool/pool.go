package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/credstore"
	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/prefix"
	"github.com/localmcp/gateway/internal/telemetry"
	"github.com/localmcp/gateway/internal/transport"
)

// ConnectResult reports the outcome of a connect attempt.
type ConnectResult struct {
	Reused        bool
	OAuthRequired bool
	ServerURL     string
	Err           error
}

// Service owns every ServerInstance for the process (invariant 1: at most
// one ServerInstance per (space_id, server_id)).
type Service struct {
	servers domain.ServerRepository
	creds   domain.CredentialRepository
	regs    domain.OAuthRegistrationRepository
	bus     *eventbus.Bus
	prefix  *prefix.Cache

	mu        sync.RWMutex
	instances map[Key]*Instance
}

func NewService(servers domain.ServerRepository, creds domain.CredentialRepository, regs domain.OAuthRegistrationRepository, bus *eventbus.Bus, prefixCache *prefix.Cache) *Service {
	return &Service{
		servers:   servers,
		creds:     creds,
		regs:      regs,
		bus:       bus,
		prefix:    prefixCache,
		instances: make(map[Key]*Instance),
	}
}

// credentialSource adapts credstore.Store to transport.CredentialSource.
type credentialSource struct {
	store *credstore.Store
}

func (c credentialSource) BearerToken(ctx context.Context) (string, bool) {
	stored, err := c.store.Load(ctx)
	if err != nil || stored == nil || stored.Token == nil || stored.Token.AccessToken == "" {
		return "", false
	}
	if c.store.ExpiresIn(stored.Token) <= 0 {
		return "", false
	}
	return stored.Token.AccessToken, true
}

// ConnectServer connects (space, server), reusing a healthy existing
// instance, reconnecting through an unhealthy one, or creating a new one.
// It never opens a browser; an OAuth requirement is reported through
// ConnectResult.OAuthRequired.
func (s *Service) ConnectServer(ctx context.Context, spaceID, serverID, alias string, def domain.ServerDefinition, timeout time.Duration) ConnectResult {
	key := Key{SpaceID: spaceID, ServerID: serverID}

	s.mu.Lock()
	inst, exists := s.instances[key]
	if !exists {
		inst = newInstance(key)
		s.instances[key] = inst
	}
	s.mu.Unlock()

	if exists && inst.healthy() {
		return ConnectResult{Reused: true}
	}

	inst.setConnecting()

	store := credstore.New(s.creds, s.regs, spaceID, serverID)
	outcome := transport.Connect(ctx, def, credentialSource{store}, timeout)

	switch {
	case outcome.Err != nil:
		inst.setFailed(outcome.Err)
		// A never-connected instance that just failed is removed to avoid
		// leaking an entry nothing will ever retry through.
		if inst.connectedAt.IsZero() {
			s.mu.Lock()
			s.removeLocked(key)
			s.mu.Unlock()
		}
		s.publishStatus(spaceID, serverID, domain.StatusError)
		return ConnectResult{Err: outcome.Err}

	case outcome.OAuthRequired:
		inst.setOAuthPending()
		s.publishStatus(spaceID, serverID, domain.StatusAuthRequired)
		return ConnectResult{OAuthRequired: true, ServerURL: outcome.ServerURL}

	default:
		inst.setConnected(outcome.Client)
		s.prefix.Assign(spaceID, serverID, alias)
		s.publishStatus(spaceID, serverID, domain.StatusConnected)
		if exists {
			telemetry.ReconnectCounter.Add(ctx, 1)
		} else {
			telemetry.ConnectCounter.Add(ctx, 1)
		}
		return ConnectResult{}
	}
}

// ReconnectInstance is used by the OAuth completion consumer: it reconnects
// using the stored server definition, which the caller (servermanager)
// looks up and passes in.
func (s *Service) ReconnectInstance(ctx context.Context, spaceID, serverID, alias string, def domain.ServerDefinition, timeout time.Duration) ConnectResult {
	return s.ConnectServer(ctx, spaceID, serverID, alias, def, timeout)
}

// RemoveInstance drops the client without touching credentials.
func (s *Service) RemoveInstance(spaceID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(Key{SpaceID: spaceID, ServerID: serverID})
}

func (s *Service) removeLocked(key Key) {
	if inst, ok := s.instances[key]; ok {
		inst.teardown()
		delete(s.instances, key)
	}
}

// DisconnectServer removes the instance, releases its prefix, clears OAuth
// tokens (keeping the DCR registration) and publishes Disconnected. It does
// not cancel a pending OAuth flow (servermanager.Disable does that before
// calling it) and does not mark the server's features unavailable.
func (s *Service) DisconnectServer(ctx context.Context, spaceID, serverID string) error {
	s.RemoveInstance(spaceID, serverID)
	s.prefix.Release(spaceID, serverID)
	if err := s.creds.ClearTokens(ctx, spaceID, serverID); err != nil {
		return fmt.Errorf("pool: clearing tokens on disconnect: %w", err)
	}
	s.publishStatus(spaceID, serverID, domain.StatusDisconnected)
	return nil
}

func (s *Service) publishStatus(spaceID, serverID string, status domain.ConnectionStatus) {
	s.bus.Publish(domain.ServerStatusChanged{SpaceID: spaceID, ServerID: serverID, Status: status, At: time.Now()})
}

func (s *Service) get(spaceID, serverID string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[Key{SpaceID: spaceID, ServerID: serverID}]
	return inst, ok
}

// reconnectFn is supplied by servermanager so the pool need not depend on
// it; used for the single auth-error retry.
type ReconnectFunc func(ctx context.Context, spaceID, serverID string) error

// CallTool resolves the instance, invokes the tool, and on an
// authentication error retries once after triggering reconnect via
// reconnect. Non-auth errors surface unchanged.
func (s *Service) CallTool(ctx context.Context, spaceID, serverID, toolName string, args map[string]any, reconnect ReconnectFunc) (*mcp.CallToolResult, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}

	call := func() (*mcp.CallToolResult, error) {
		var result *mcp.CallToolResult
		err := inst.withClient(func(c *mcp.ClientSession) error {
			var err error
			result, err = c.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
			return err
		})
		inst.mu.Lock()
		inst.requestCount++
		inst.mu.Unlock()
		return result, err
	}

	result, err := call()
	if err != nil && isAuthError(err) && reconnect != nil {
		log.Debugf("pool: retrying %s/%s tool %s after auth error: %v", spaceID, serverID, toolName, err)
		if rerr := reconnect(ctx, spaceID, serverID); rerr == nil {
			return call()
		}
	}
	return result, err
}

// GetPrompt resolves the instance and fetches a prompt, with the same
// single-retry-on-auth-error policy as CallTool.
func (s *Service) GetPrompt(ctx context.Context, spaceID, serverID, name string, args map[string]string, reconnect ReconnectFunc) (*mcp.GetPromptResult, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}

	call := func() (*mcp.GetPromptResult, error) {
		var result *mcp.GetPromptResult
		err := inst.withClient(func(c *mcp.ClientSession) error {
			var err error
			result, err = c.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
			return err
		})
		return result, err
	}

	result, err := call()
	if err != nil && isAuthError(err) && reconnect != nil {
		if rerr := reconnect(ctx, spaceID, serverID); rerr == nil {
			return call()
		}
	}
	return result, err
}

// ReadResource resolves the instance and reads a resource by URI, with the
// same single-retry-on-auth-error policy as CallTool.
func (s *Service) ReadResource(ctx context.Context, spaceID, serverID, uri string, reconnect ReconnectFunc) (*mcp.ReadResourceResult, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}

	call := func() (*mcp.ReadResourceResult, error) {
		var result *mcp.ReadResourceResult
		err := inst.withClient(func(c *mcp.ClientSession) error {
			var err error
			result, err = c.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
			return err
		})
		return result, err
	}

	result, err := call()
	if err != nil && isAuthError(err) && reconnect != nil {
		if rerr := reconnect(ctx, spaceID, serverID); rerr == nil {
			return call()
		}
	}
	return result, err
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid_token")
}

// ListTools, ListPrompts, ListResources give the feature service read-only
// access to the live client handle for discovery, without letting it own
// the handle.
func (s *Service) ListTools(ctx context.Context, spaceID, serverID string) ([]*mcp.Tool, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}
	var tools []*mcp.Tool
	err := inst.withClient(func(c *mcp.ClientSession) error {
		res, err := c.ListTools(ctx, &mcp.ListToolsParams{})
		if err != nil {
			return err
		}
		tools = res.Tools
		return nil
	})
	return tools, err
}

func (s *Service) ListPrompts(ctx context.Context, spaceID, serverID string) ([]*mcp.Prompt, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}
	var prompts []*mcp.Prompt
	err := inst.withClient(func(c *mcp.ClientSession) error {
		res, err := c.ListPrompts(ctx, &mcp.ListPromptsParams{})
		if err != nil {
			return err
		}
		prompts = res.Prompts
		return nil
	})
	return prompts, err
}

func (s *Service) ListResources(ctx context.Context, spaceID, serverID string) ([]*mcp.Resource, error) {
	inst, ok := s.get(spaceID, serverID)
	if !ok {
		return nil, fmt.Errorf("pool: %w: no instance for %s/%s", domain.ErrNotFound, spaceID, serverID)
	}
	var resources []*mcp.Resource
	err := inst.withClient(func(c *mcp.ClientSession) error {
		res, err := c.ListResources(ctx, &mcp.ListResourcesParams{})
		if err != nil {
			return err
		}
		resources = res.Resources
		return nil
	})
	return resources, err
}

// Instances exposes a snapshot for the startup orchestrator and server
// manager to iterate (e.g. periodic refresh).
func (s *Service) Instances() map[Key]domain.InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]domain.InstanceState, len(s.instances))
	for k, v := range s.instances {
		out[k] = v.State()
	}
	return out
}
