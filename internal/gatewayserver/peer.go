package gatewayserver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/router"
)

// sessionPeer implements notifier.Peer for one live MCP session. It has no
// direct "send notification" primitive of its own: the SDK's *mcp.Server
// emits list_changed notifications automatically when its tool/prompt/
// resource registry is mutated, so resyncing the registry against the
// router's current authorized set is how this peer "notifies" its client.
type sessionPeer struct {
	srv    *mcp.Server
	router *router.Router

	mu       sync.Mutex
	active   int32
	toolSet  map[string]bool
	promptSet map[string]bool
	resSet    map[string]bool
}

func newSessionPeer(srv *mcp.Server, rt *router.Router) *sessionPeer {
	return &sessionPeer{
		srv:       srv,
		router:    rt,
		active:    1,
		toolSet:   make(map[string]bool),
		promptSet: make(map[string]bool),
		resSet:    make(map[string]bool),
	}
}

func (p *sessionPeer) StreamActive() bool {
	return atomic.LoadInt32(&p.active) == 1
}

func (p *sessionPeer) markClosed() {
	atomic.StoreInt32(&p.active, 0)
}

// NotifyListChanged resyncs the relevant registry (or all three, for
// NotifyAll) against spaceID's current authorized catalog.
func (p *sessionPeer) NotifyListChanged(ctx context.Context, spaceID string, t domain.NotificationType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t == domain.NotifyAll || t == domain.NotifyTools {
		if err := p.resyncTools(ctx); err != nil {
			return err
		}
	}
	if t == domain.NotifyAll || t == domain.NotifyPrompts {
		if err := p.resyncPrompts(ctx); err != nil {
			return err
		}
	}
	if t == domain.NotifyAll || t == domain.NotifyResources {
		if err := p.resyncResources(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *sessionPeer) resyncTools(ctx context.Context) error {
	result, err := p.router.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(result.Tools))
	for _, t := range result.Tools {
		next[t.Name] = true
		if !p.toolSet[t.Name] {
			p.srv.AddTool(t, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return p.router.CallTool(ctx, req)
			})
		}
	}
	for name := range p.toolSet {
		if !next[name] {
			p.srv.RemoveTool(name)
		}
	}
	p.toolSet = next
	return nil
}

func (p *sessionPeer) resyncPrompts(ctx context.Context) error {
	result, err := p.router.ListPrompts(ctx, &mcp.ListPromptsParams{})
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(result.Prompts))
	for _, pr := range result.Prompts {
		next[pr.Name] = true
		if !p.promptSet[pr.Name] {
			p.srv.AddPrompt(pr, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
				return p.router.GetPrompt(ctx, req)
			})
		}
	}
	for name := range p.promptSet {
		if !next[name] {
			p.srv.RemovePrompt(name)
		}
	}
	p.promptSet = next
	return nil
}

func (p *sessionPeer) resyncResources(ctx context.Context) error {
	result, err := p.router.ListResources(ctx, &mcp.ListResourcesParams{})
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(result.Resources))
	for _, r := range result.Resources {
		next[r.URI] = true
		if !p.resSet[r.URI] {
			p.srv.AddResource(r, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
				return p.router.ReadResource(ctx, req)
			})
		}
	}
	for uri := range p.resSet {
		if !next[uri] {
			p.srv.RemoveResource(uri)
		}
	}
	p.resSet = next
	return nil
}
