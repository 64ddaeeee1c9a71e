// Package startup runs the boot-time sequence: resolve prefixes for every
// installed server up front, then auto-reconnect every enabled server in
// the active space concurrently. Grounded on the teacher's cmd/docker-mcp
// start-of-day client warmup (pkg/gateway clientpool priming), generalized
// from a single gateway's server list to the multi-space model and bounded
// with golang.org/x/sync/errgroup the way the rest of the pack uses it for
// fan-out with a shared error.
package startup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/featuresvc"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/pool"
	"github.com/localmcp/gateway/internal/prefix"
)

// connectTimeout bounds a single server's boot-time connect attempt so one
// unreachable server cannot stall the whole startup sequence.
const connectTimeout = 10 * time.Second

// Result summarizes one server's boot outcome for logging/diagnostics.
type Result struct {
	ServerID      string
	OAuthRequired bool
	Err           error
}

// Orchestrator wires the services startup needs without owning them.
type Orchestrator struct {
	spaces   domain.SpaceRepository
	servers  domain.ServerRepository
	features *featuresvc.Service
	pool     *pool.Service
	prefixes *prefix.Cache
	bus      *eventbus.Bus
}

func New(spaces domain.SpaceRepository, servers domain.ServerRepository, features *featuresvc.Service, poolSvc *pool.Service, prefixes *prefix.Cache, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{spaces: spaces, servers: servers, features: features, pool: poolSvc, prefixes: prefixes, bus: bus}
}

// Run resolves the active space, primes prefixes for every installed
// server (connected or not, so qualified names are stable even for
// not-yet-connected servers), and then connects every enabled one
// concurrently. A single server's failure never aborts the others; errors
// are collected into the returned Result slice instead of the error return.
func (o *Orchestrator) Run(ctx context.Context) ([]Result, error) {
	active, err := o.spaces.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("startup: resolving active space: %w", err)
	}

	installed, err := o.servers.List(ctx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("startup: listing installed servers: %w", err)
	}

	for _, s := range installed {
		o.prefixes.Assign(active.ID, s.ServerID, s.Alias)
	}

	results := make([]Result, len(installed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, s := range installed {
		i, s := i, s
		if !s.Enabled {
			results[i] = Result{ServerID: s.ServerID}
			continue
		}
		g.Go(func() error {
			connectCtx, cancel := context.WithTimeout(gctx, connectTimeout)
			defer cancel()

			r := o.pool.ConnectServer(connectCtx, active.ID, s.ServerID, s.Alias, s.Definition, connectTimeout)
			switch {
			case r.Err != nil:
				log.Warnf("startup: connecting %s failed: %v", s.ServerID, r.Err)
				results[i] = Result{ServerID: s.ServerID, Err: r.Err}
			case r.OAuthRequired:
				results[i] = Result{ServerID: s.ServerID, OAuthRequired: true}
			default:
				results[i] = Result{ServerID: s.ServerID}
				if err := Discover(ctx, o.features, o.pool, o.bus, active.ID, s.ServerID); err != nil {
					log.Warnf("startup: discovering features for %s: %v", s.ServerID, err)
				}
			}
			// Never propagate a single server's error to the group: every
			// server gets its own independent attempt.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Discover lists tools/prompts/resources from a connected instance,
// reconciles them through the feature service, and publishes change events
// for any type whose membership actually changed. Shared between boot-time
// discovery and servermanager's periodic refresh loop.
func Discover(ctx context.Context, features *featuresvc.Service, poolSvc *pool.Service, bus *eventbus.Bus, spaceID, serverID string) error {
	tools, err := poolSvc.ListTools(ctx, spaceID, serverID)
	if err != nil {
		return fmt.Errorf("startup: listing tools: %w", err)
	}
	toolsAdded, toolsRemoved, err := features.Reconcile(ctx, spaceID, serverID, domain.FeatureTool, toDiscovered(tools))
	if err != nil {
		return err
	}

	prompts, err := poolSvc.ListPrompts(ctx, spaceID, serverID)
	if err != nil {
		return fmt.Errorf("startup: listing prompts: %w", err)
	}
	promptsAdded, promptsRemoved, err := features.Reconcile(ctx, spaceID, serverID, domain.FeaturePrompt, toDiscoveredPrompts(prompts))
	if err != nil {
		return err
	}

	resources, err := poolSvc.ListResources(ctx, spaceID, serverID)
	if err != nil {
		return fmt.Errorf("startup: listing resources: %w", err)
	}
	resourcesAdded, resourcesRemoved, err := features.Reconcile(ctx, spaceID, serverID, domain.FeatureResource, toDiscoveredResources(resources))
	if err != nil {
		return err
	}

	if len(toolsAdded) > 0 || len(toolsRemoved) > 0 {
		bus.Publish(domain.ToolsChanged{SpaceID: spaceID, ServerID: serverID})
	}
	if len(promptsAdded) > 0 || len(promptsRemoved) > 0 {
		bus.Publish(domain.PromptsChanged{SpaceID: spaceID, ServerID: serverID})
	}
	if len(resourcesAdded) > 0 || len(resourcesRemoved) > 0 {
		bus.Publish(domain.ResourcesChanged{SpaceID: spaceID, ServerID: serverID})
	}
	bus.Publish(domain.ServerFeaturesRefreshed{
		SpaceID:  spaceID,
		ServerID: serverID,
		Added:    append(append(toolsAdded, promptsAdded...), resourcesAdded...),
		Removed:  append(append(toolsRemoved, promptsRemoved...), resourcesRemoved...),
		At:       time.Now(),
	})
	return nil
}

func toDiscovered(tools []*mcp.Tool) []featuresvc.DiscoveredFeature {
	out := make([]featuresvc.DiscoveredFeature, 0, len(tools))
	for _, t := range tools {
		raw, _ := json.Marshal(t)
		out = append(out, featuresvc.DiscoveredFeature{
			Type:        domain.FeatureTool,
			Name:        t.Name,
			DisplayName: t.Name,
			Description: t.Description,
			RawJSON:     raw,
		})
	}
	return out
}

func toDiscoveredPrompts(prompts []*mcp.Prompt) []featuresvc.DiscoveredFeature {
	out := make([]featuresvc.DiscoveredFeature, 0, len(prompts))
	for _, p := range prompts {
		raw, _ := json.Marshal(p)
		out = append(out, featuresvc.DiscoveredFeature{
			Type:        domain.FeaturePrompt,
			Name:        p.Name,
			DisplayName: p.Name,
			Description: p.Description,
			RawJSON:     raw,
		})
	}
	return out
}

func toDiscoveredResources(resources []*mcp.Resource) []featuresvc.DiscoveredFeature {
	out := make([]featuresvc.DiscoveredFeature, 0, len(resources))
	for _, r := range resources {
		raw, _ := json.Marshal(r)
		out = append(out, featuresvc.DiscoveredFeature{
			Type:        domain.FeatureResource,
			Name:        r.URI,
			DisplayName: r.Name,
			Description: r.Description,
			RawJSON:     raw,
		})
	}
	return out
}
