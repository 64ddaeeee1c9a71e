// Package pool owns every live connection to a backend MCP server: the
// per-(space,server) ServerInstance state machine and the PoolService that
// maps instances and orchestrates connect/reconnect/disconnect. Grounded on
// the teacher's pkg/gateway/clientpool.go (clientKey, keptClient,
// clientPool, AcquireClient/ReleaseClient/runToolContainer).
package pool

import (
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
)

// Key identifies a server instance within the pool.
type Key struct {
	SpaceID  string
	ServerID string
}

// Instance is the runtime-only representation of a live (or attempted)
// connection. It exclusively owns its MCP client handle; the pool never
// hands the handle out by reference outside Instance's own methods.
type Instance struct {
	mu sync.RWMutex

	key   Key
	state domain.InstanceState

	client *mcp.ClientSession

	consecutiveFailures int
	lastError           error
	connectedAt         time.Time
	requestCount        int64

	lastFeatures map[domain.FeatureType][]string // feature names, for diffing on refresh
}

func newInstance(key Key) *Instance {
	return &Instance{key: key, state: domain.InstanceDisconnected}
}

func (i *Instance) State() domain.InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) setConnected(client *mcp.ClientSession) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.client = client
	i.state = domain.InstanceConnected
	i.connectedAt = time.Now()
	i.consecutiveFailures = 0
	i.lastError = nil
}

func (i *Instance) setFailed(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = domain.InstanceFailed
	i.lastError = err
	i.consecutiveFailures++
	i.client = nil
}

func (i *Instance) setOAuthPending() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = domain.InstanceOAuthPending
	i.client = nil
}

func (i *Instance) setConnecting() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = domain.InstanceConnecting
}

func (i *Instance) teardown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		i.client.Close()
	}
	i.client = nil
	i.state = domain.InstanceDisconnected
}

// withClient runs fn with the current client handle under a read lock, the
// only way callers may reach the handle.
func (i *Instance) withClient(fn func(*mcp.ClientSession) error) error {
	i.mu.RLock()
	c := i.client
	i.mu.RUnlock()
	if c == nil {
		return domain.ErrTransport
	}
	return fn(c)
}

func (i *Instance) healthy() bool {
	return i.State() == domain.InstanceConnected
}
