package oauthout

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/localmcp/gateway/internal/credstore"
	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/log"
)

const (
	flowTTL           = 10 * time.Minute
	callbackWaitLimit = 5 * time.Minute
	callbackPath      = "/oauth/outbound/callback"
	preferredPort     = 9876
)

type serverKey struct {
	SpaceID  string
	ServerID string
}

// pendingFlow is a registry entry keyed by OAuth state.
type pendingFlow struct {
	key        serverKey
	serverURL  string
	pkce       *PKCEFlow
	discovery  *Discovery
	clientID   string
	startedAt  time.Time
	codeCh     chan string
	cancelOnce sync.Once
}

// Manager is the outbound OAuth orchestrator: one shared loopback callback
// listener serving every concurrent flow, a flow registry keyed by state.
// Grounded on cmd/docker-mcp/internal/oauth/{pkce,server,dcr,discovery,
// exchange}.go, generalized from that package's single global flow to a
// registry supporting many servers at once.
type Manager struct {
	regs     domain.OAuthRegistrationRepository
	creds    domain.CredentialRepository
	settings domain.SettingsRepository
	bus      *eventbus.Bus

	mu             sync.Mutex
	pendingByState map[string]*pendingFlow
	activeByServer map[serverKey]string

	srv      *http.Server
	listener net.Listener
	port     int
}

func NewManager(regs domain.OAuthRegistrationRepository, creds domain.CredentialRepository, settings domain.SettingsRepository, bus *eventbus.Bus) *Manager {
	return &Manager{
		regs:           regs,
		creds:          creds,
		settings:       settings,
		bus:            bus,
		pendingByState: make(map[string]*pendingFlow),
		activeByServer: make(map[serverKey]string),
	}
}

// ensureCallbackServer starts the shared loopback listener if not already
// running. Port resolution order: persisted port, then preferred default,
// then an OS-assigned port; the resolved port is persisted.
func (m *Manager) ensureCallbackServer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return nil
	}

	port := 0
	if raw, ok, _ := m.settings.Get(ctx, "oauth.callback_port"); ok {
		fmt.Sscanf(raw, "%d", &port)
	}
	if port == 0 {
		port = preferredPort
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil && port != preferredPort {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
	}
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("binding outbound oauth callback listener: %w", err)
		}
	}

	m.listener = ln
	m.port = ln.Addr().(*net.TCPAddr).Port
	_ = m.settings.Set(ctx, "oauth.callback_port", fmt.Sprintf("%d", m.port))

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, m.handleCallback)
	m.srv = &http.Server{Handler: mux}
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("oauthout: callback server exited: %v", err)
		}
	}()
	return nil
}

func (m *Manager) redirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", m.port, callbackPath)
}

// handleCallback routes an incoming authorization redirect to its pending
// flow by state; duplicate delivery for the same state is rejected.
func (m *Manager) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	errParam := q.Get("error")

	m.mu.Lock()
	flow, ok := m.pendingByState[state]
	m.mu.Unlock()

	if !ok {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}

	if errParam != "" {
		select {
		case flow.codeCh <- "":
		default:
		}
		http.Error(w, "authorization denied: "+errParam, http.StatusBadRequest)
		return
	}

	select {
	case flow.codeCh <- code:
		fmt.Fprint(w, "<html><body>Authorization complete. You may close this tab.</body></html>")
	default:
		http.Error(w, "duplicate callback for this state", http.StatusConflict)
	}
}

// StartFlow begins authorization for (spaceID, serverID). It reports
// AlreadyAuthorized when a usable token is stored and ErrAlreadyInProgress
// while an earlier flow for the server is still pending; otherwise it
// registers a new flow and returns its authorization URL. It never opens a
// browser itself.
func (m *Manager) StartFlow(ctx context.Context, spaceID, serverID, serverURL string) (FlowResult, error) {
	key := serverKey{spaceID, serverID}

	if tok, ok := m.usableToken(ctx, spaceID, serverID); ok {
		_ = tok
		return FlowResult{AlreadyAuthorized: true}, nil
	}

	if err := m.ensureCallbackServer(ctx); err != nil {
		return FlowResult{}, err
	}

	m.mu.Lock()
	if state, exists := m.activeByServer[key]; exists {
		if flow, ok := m.pendingByState[state]; ok && time.Since(flow.startedAt) < flowTTL {
			m.mu.Unlock()
			return FlowResult{}, domain.ErrAlreadyInProgress
		}
		delete(m.pendingByState, state)
		delete(m.activeByServer, key)
	}
	m.mu.Unlock()

	discovery, err := DiscoverOAuthRequirements(ctx, serverURL)
	if err != nil {
		return FlowResult{}, fmt.Errorf("discovering oauth requirements: %w", err)
	}

	redirectURI := m.redirectURI()
	clientID, err := m.resolveClientID(ctx, spaceID, serverID, serverName(serverURL), discovery, redirectURI)
	if err != nil {
		return FlowResult{}, err
	}

	pkce, err := newPKCEFlow()
	if err != nil {
		return FlowResult{}, err
	}

	flow := &pendingFlow{
		key:       key,
		serverURL: serverURL,
		pkce:      pkce,
		discovery: discovery,
		clientID:  clientID,
		startedAt: time.Now(),
		codeCh:    make(chan string, 1),
	}

	m.mu.Lock()
	m.pendingByState[pkce.State] = flow
	m.activeByServer[key] = pkce.State
	m.mu.Unlock()

	authURL := buildAuthorizationURL(discovery, clientID, redirectURI, serverURL, pkce)

	go m.awaitCallback(flow)

	return FlowResult{AuthURL: authURL}, nil
}

func (m *Manager) resolveClientID(ctx context.Context, spaceID, serverID, name string, discovery *Discovery, redirectURI string) (string, error) {
	if reg, err := m.regs.Get(ctx, spaceID, serverID); err == nil && reg.RedirectURI == redirectURI && reg.ClientID != "" {
		return reg.ClientID, nil
	}
	// Stored redirect_uri is stale (port changed) or no registration exists: re-register.
	_ = m.regs.Delete(ctx, spaceID, serverID)

	creds, err := PerformDCR(ctx, discovery, name, redirectURI)
	if err != nil {
		return "", fmt.Errorf("performing DCR: %w", err)
	}

	if err := m.regs.Upsert(ctx, domain.OutboundOAuthRegistration{
		SpaceID:               spaceID,
		ServerID:              serverID,
		ClientID:              creds.ClientID,
		ServerURL:             discovery.ResourceURL,
		RedirectURI:           redirectURI,
		Issuer:                discovery.Issuer,
		AuthorizationEndpoint: discovery.AuthorizationEndpoint,
		TokenEndpoint:         discovery.TokenEndpoint,
		RegistrationEndpoint:  discovery.RegistrationEndpoint,
		ScopesSupported:       discovery.ScopesSupported,
		CodeChallengeMethods:  discovery.CodeChallengeMethods,
	}); err != nil {
		return "", fmt.Errorf("persisting registration: %w", err)
	}

	return creds.ClientID, nil
}

func buildAuthorizationURL(discovery *Discovery, clientID, redirectURI, resourceURL string, pkce *PKCEFlow) string {
	u, _ := url.Parse(discovery.AuthorizationEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("code_challenge", pkce.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.State)
	q.Set("resource", resourceURL)
	if len(discovery.ScopesSupported) > 0 {
		q.Set("scope", joinScopes(discovery.ScopesSupported))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// awaitCallback waits (with a hard timeout) for the callback handler to
// deliver a code for this flow, exchanges it for tokens, persists them, and
// publishes completion.
func (m *Manager) awaitCallback(flow *pendingFlow) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackWaitLimit)
	defer cancel()

	var code string
	select {
	case code = <-flow.codeCh:
	case <-ctx.Done():
		m.completeFlow(flow, false, "timeout")
		return
	}

	if code == "" {
		m.completeFlow(flow, false, "authorization denied")
		return
	}

	cfg := &oauth2.Config{
		ClientID:    flow.clientID,
		RedirectURL: m.redirectURI(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  flow.discovery.AuthorizationEndpoint,
			TokenURL: flow.discovery.TokenEndpoint,
		},
	}

	tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", flow.pkce.CodeVerifier))
	if err != nil {
		log.Warnf("oauthout: token exchange failed for %s/%s: %v", flow.key.SpaceID, flow.key.ServerID, err)
		m.completeFlow(flow, false, err.Error())
		return
	}

	store := credstore.New(m.creds, m.regs, flow.key.SpaceID, flow.key.ServerID)
	if err := store.Save(ctx, flow.clientID, tok); err != nil {
		log.Errorf("oauthout: saving token for %s/%s: %v", flow.key.SpaceID, flow.key.ServerID, err)
		m.completeFlow(flow, false, err.Error())
		return
	}

	m.completeFlow(flow, true, "")
}

func (m *Manager) completeFlow(flow *pendingFlow, success bool, errMsg string) {
	m.mu.Lock()
	delete(m.pendingByState, flow.pkce.State)
	if m.activeByServer[flow.key] == flow.pkce.State {
		delete(m.activeByServer, flow.key)
	}
	m.mu.Unlock()

	m.bus.Publish(domain.OAuthCompleteEvent{
		SpaceID:  flow.key.SpaceID,
		ServerID: flow.key.ServerID,
		Success:  success,
		Error:    errMsg,
		At:       time.Now(),
	})
}

// CancelFlow removes the registry entries for (spaceID, serverID) and wakes
// the waiter with a denial; the callback server itself keeps running.
func (m *Manager) CancelFlow(spaceID, serverID string) {
	key := serverKey{spaceID, serverID}
	m.mu.Lock()
	state, ok := m.activeByServer[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	flow := m.pendingByState[state]
	delete(m.pendingByState, state)
	delete(m.activeByServer, key)
	m.mu.Unlock()

	if flow != nil {
		flow.cancelOnce.Do(func() {
			select {
			case flow.codeCh <- "":
			default:
			}
		})
	}
}

func (m *Manager) usableToken(ctx context.Context, spaceID, serverID string) (*oauth2.Token, bool) {
	store := credstore.New(m.creds, m.regs, spaceID, serverID)
	stored, err := store.Load(ctx)
	if err != nil || stored == nil || stored.Token == nil {
		return nil, false
	}
	if stored.Token.AccessToken == "" {
		return nil, false
	}
	if store.ExpiresIn(stored.Token) <= 0 && stored.Token.RefreshToken == "" {
		return nil, false
	}
	return stored.Token, true
}

func serverName(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	return u.Hostname()
}
