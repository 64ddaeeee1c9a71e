// Package servermanager is the UI-facing status surface for each
// (space, server): a state machine with flow_id race control, fair-use
// try-lock mutexes for connect/auth/refresh, browser-open debounce, and a
// periodic feature-refresh loop. Grounded in spirit on the teacher's
// connection-state handling in pkg/gateway/clientpool.go, generalized to
// the richer status set this spec requires.
package servermanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/featuresvc"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/oauthout"
	"github.com/localmcp/gateway/internal/pool"
)

const (
	refreshInterval  = 60 * time.Second
	browserDebounce  = 2 * time.Second
)

type key struct{ SpaceID, ServerID string }

// AuthFlowState tracks an in-flight outbound authorization for the UI.
type AuthFlowState struct {
	AuthURL        string
	StartedAt      time.Time
	BrowserOpenedAt time.Time
}

// entry is the per-server state record.
type entry struct {
	flowID               uint64
	hasConnectedBefore   bool
	status               domain.ConnectionStatus
	lastError            string
	auth                 *AuthFlowState
	lastFeatures         map[domain.FeatureType][]string

	connectBusy, authBusy, refreshBusy int32
}

// Manager owns one entry per (space, server).
type Manager struct {
	servers  domain.ServerRepository
	pool     *pool.Service
	features *featuresvc.Service
	oauth    *oauthout.Manager
	bus      *eventbus.Bus

	mu      sync.Mutex
	entries map[key]*entry
}

func New(servers domain.ServerRepository, poolSvc *pool.Service, features *featuresvc.Service, oauthMgr *oauthout.Manager, bus *eventbus.Bus) *Manager {
	return &Manager{
		servers:  servers,
		pool:     poolSvc,
		features: features,
		oauth:    oauthMgr,
		bus:      bus,
		entries:  make(map[key]*entry),
	}
}

func (m *Manager) get(spaceID, serverID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{spaceID, serverID}
	e, ok := m.entries[k]
	if !ok {
		e = &entry{status: domain.StatusDisconnected}
		m.entries[k] = e
	}
	return e
}

// tryLock implements a fair-use try-lock: failure to acquire is a distinct
// "already in progress" error, never blocking.
func tryLock(busy *int32) bool {
	return atomic.CompareAndSwapInt32(busy, 0, 1)
}

func unlock(busy *int32) {
	atomic.StoreInt32(busy, 0)
}

// Connect attempts a user-initiated connection. autoReconnect is false.
func (m *Manager) Connect(ctx context.Context, spaceID, serverID, alias string, def domain.ServerDefinition) error {
	e := m.get(spaceID, serverID)
	if !tryLock(&e.connectBusy) {
		return domain.ErrAlreadyInProgress
	}
	defer unlock(&e.connectBusy)

	flowID := atomic.AddUint64(&e.flowID, 1)
	e.status = domain.StatusConnecting

	result := m.pool.ConnectServer(ctx, spaceID, serverID, alias, def, 0)
	if flowID != atomic.LoadUint64(&e.flowID) {
		log.Debugf("servermanager: stale connect completion for %s/%s dropped", spaceID, serverID)
		return nil
	}

	switch {
	case result.Err != nil:
		e.status = domain.StatusError
		e.lastError = result.Err.Error()
		return result.Err

	case result.OAuthRequired:
		return m.beginAuth(ctx, spaceID, serverID, result.ServerURL, e, flowID)

	default:
		e.status = domain.StatusConnected
		e.hasConnectedBefore = true
		e.lastError = ""
		return nil
	}
}

// beginAuth starts an outbound OAuth flow and opens the browser, honoring
// the 2s debounce against double-clicks, and reopening at the existing
// auth_url if the window has elapsed (the tab may have been closed).
func (m *Manager) beginAuth(ctx context.Context, spaceID, serverID, serverURL string, e *entry, flowID uint64) error {
	if !tryLock(&e.authBusy) {
		return domain.ErrAlreadyInProgress
	}
	defer unlock(&e.authBusy)

	now := time.Now()
	if e.auth != nil && now.Sub(e.auth.BrowserOpenedAt) < browserDebounce {
		return nil
	}

	e.status = domain.StatusAuthenticating
	result, err := m.oauth.StartFlow(ctx, spaceID, serverID, serverURL)
	if flowID != atomic.LoadUint64(&e.flowID) {
		return nil
	}
	if err == domain.ErrAlreadyInProgress && e.auth != nil {
		e.auth.BrowserOpenedAt = now
		openBrowser(e.auth.AuthURL)
		return nil
	}
	if err != nil {
		e.status = domain.StatusAuthRequired
		e.lastError = err.Error()
		return err
	}
	if result.AlreadyAuthorized {
		e.status = domain.StatusConnecting
		return nil
	}

	e.auth = &AuthFlowState{AuthURL: result.AuthURL, StartedAt: now, BrowserOpenedAt: now}
	openBrowser(result.AuthURL)
	return nil
}

// Disable increments flow_id first (invalidating all outstanding
// callbacks), then tears the instance down.
func (m *Manager) Disable(ctx context.Context, spaceID, serverID string) error {
	e := m.get(spaceID, serverID)
	atomic.AddUint64(&e.flowID, 1)
	m.oauth.CancelFlow(spaceID, serverID)
	e.status = domain.StatusDisconnected
	e.auth = nil
	return m.pool.DisconnectServer(ctx, spaceID, serverID)
}

// Cancel aborts an in-flight auth flow without disabling the server.
func (m *Manager) Cancel(spaceID, serverID string) {
	e := m.get(spaceID, serverID)
	atomic.AddUint64(&e.flowID, 1)
	m.oauth.CancelFlow(spaceID, serverID)
	e.status = domain.StatusAuthRequired
	e.auth = nil
}

// Status returns the current UI-facing status for (spaceID, serverID).
func (m *Manager) Status(spaceID, serverID string) domain.ConnectionStatus {
	return m.get(spaceID, serverID).status
}

// HandleOAuthComplete reconnects the pool on a successful completion. A
// completion that arrives after Cancel or Disable (both bump flow_id and
// clear the entry's auth state), or whose reconnect is overtaken by a newer
// flow_id, drops the transition silently (scenario S6).
func (m *Manager) HandleOAuthComplete(ctx context.Context, evt domain.OAuthCompleteEvent, alias string, def domain.ServerDefinition) {
	e := m.get(evt.SpaceID, evt.ServerID)
	if e.auth == nil {
		log.Debugf("servermanager: oauth completion for %s/%s with no auth flow in progress dropped", evt.SpaceID, evt.ServerID)
		return
	}
	if !evt.Success {
		e.status = domain.StatusAuthRequired
		e.lastError = evt.Error
		return
	}

	flowID := atomic.LoadUint64(&e.flowID)
	result := m.pool.ReconnectInstance(ctx, evt.SpaceID, evt.ServerID, alias, def, 0)
	if flowID != atomic.LoadUint64(&e.flowID) {
		log.Debugf("servermanager: stale oauth-complete reconnect for %s/%s dropped", evt.SpaceID, evt.ServerID)
		return
	}
	if result.Err != nil {
		e.status = domain.StatusError
		e.lastError = result.Err.Error()
		return
	}
	e.status = domain.StatusConnected
	e.hasConnectedBefore = true
	e.auth = nil
}

// RunPeriodicRefresh iterates connected servers every refreshInterval and
// re-discovers features without changing status; the refresh lock prevents
// overlap. Status is never set to Refreshing (reserved, unemitted per the
// adopted open-question resolution).
func (m *Manager) RunPeriodicRefresh(ctx context.Context, discover func(ctx context.Context, spaceID, serverID string) error) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshOnce(ctx, discover)
		}
	}
}

func (m *Manager) refreshOnce(ctx context.Context, discover func(ctx context.Context, spaceID, serverID string) error) {
	for k, state := range m.pool.Instances() {
		if state != domain.InstanceConnected {
			continue
		}
		e := m.get(k.SpaceID, k.ServerID)
		if !tryLock(&e.refreshBusy) {
			continue
		}
		func() {
			defer unlock(&e.refreshBusy)
			if err := discover(ctx, k.SpaceID, k.ServerID); err != nil {
				log.Warnf("servermanager: periodic refresh failed for %s/%s: %v", k.SpaceID, k.ServerID, err)
			}
		}()
	}
}
