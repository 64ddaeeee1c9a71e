package oauthin

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/log"
)

const pendingAuthTTL = 5 * time.Minute

// deepLinkScheme is the brand constant used to hand control to the desktop
// shell for consent; out of scope here beyond the constant itself (the
// shell is an external collaborator per spec §1).
const deepLinkScheme = "mcp-gateway"

// consentSentinelEnv enables the test-mode-only HTTP consent endpoint.
const consentSentinelEnv = "MCP_GATEWAY_E2E_CONSENT"

// Server is the inbound OAuth 2.1 authorization server.
type Server struct {
	clients  domain.InboundClientRepository
	pending  domain.PendingAuthorizationRepository
	codes    domain.OAuthCodeRepository
	tokens   *TokenIssuer
	spaces   domain.SpaceRepository
	bus      *eventbus.Bus
	limiter  *Limiter

	mux *http.ServeMux
}

func New(clients domain.InboundClientRepository, pending domain.PendingAuthorizationRepository, codes domain.OAuthCodeRepository, tokens *TokenIssuer, spaces domain.SpaceRepository, bus *eventbus.Bus) *Server {
	s := &Server{
		clients: clients,
		pending: pending,
		codes:   codes,
		tokens:  tokens,
		spaces:  spaces,
		bus:     bus,
		limiter: NewLimiter(5, 20),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleASMetadata)
	s.mux.HandleFunc("/.well-known/oauth-protected-resource", s.handlePRMetadata)
	s.mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", s.handlePRMetadata)
	s.mux.HandleFunc("/oauth/authorize", s.handleAuthorize)
	s.mux.HandleFunc("/oauth/token", s.handleToken)
	s.mux.HandleFunc("/oauth/register", s.handleRegister)
	if os.Getenv(consentSentinelEnv) != "" {
		s.mux.HandleFunc("/oauth/consent/approve", s.handleConsentApproveHTTP)
	}
	return s
}

// Handler returns the rate-limited HTTP handler for all /oauth/* and
// well-known paths.
func (s *Server) Handler() http.Handler {
	return s.limiter.Middleware(s.mux)
}

func (s *Server) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	writeJSON(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                         base + "/oauth/token",
		"registration_endpoint":                  base + "/oauth/register",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":        []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported":   []string{"none"},
		"client_id_metadata_document_supported":   true,
	})
}

func (s *Server) handlePRMetadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	writeJSON(w, map[string]any{
		"resource":              base + "/mcp",
		"authorization_servers": []string{base},
	})
}

// handleAuthorize validates the request, stores a PendingAuthorization, and
// responds with an HTML page that deep-links to the desktop app carrying
// request_id. Consent is never taken from the browser.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported_response_type", http.StatusBadRequest)
		return
	}

	clientID := q.Get("client_id")
	client, err := s.resolveClient(r.Context(), clientID)
	if err != nil {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !containsStr(client.RedirectURIs, redirectURI) {
		http.Error(w, "invalid_request: redirect_uri not registered", http.StatusBadRequest)
		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		http.Error(w, "invalid_request: code_challenge is required", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	pending := domain.PendingAuthorization{
		RequestID:           requestID,
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: orDefault(q.Get("code_challenge_method"), "S256"),
		CreatedAt:           time.Now(),
	}
	if err := s.pending.Create(r.Context(), pending); err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	deepLink := fmt.Sprintf("%s://authorize?request_id=%s", deepLinkScheme, requestID)
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><body><script>window.location="%s"</script>Continue in the desktop app to approve this request.</body></html>`, deepLink)
}

// ApproveConsent is the in-process command the desktop shell calls to
// approve a request_id; this is the production path (no HTTP endpoint).
func (s *Server) ApproveConsent(ctx context.Context, requestID string) (code string, redirectURI, state string, err error) {
	pending, err := s.pending.Get(ctx, requestID)
	if err != nil {
		return "", "", "", fmt.Errorf("oauthin: %w: unknown request_id", domain.ErrNotFound)
	}
	if pending.Expired(time.Now(), pendingAuthTTL) {
		_ = s.pending.Delete(ctx, requestID)
		return "", "", "", fmt.Errorf("oauthin: %w: authorization request expired", domain.ErrConflictState)
	}

	active, aerr := s.spaces.Active(ctx)
	spaceID := ""
	if aerr == nil {
		spaceID = active.ID
	}

	code = uuid.NewString()
	expiresAt := time.Now().Add(pendingAuthTTL)
	if err := s.codes.Create(ctx, code, pending.ClientID, pending.RedirectURI, pending.CodeChallenge, pending.CodeChallengeMethod, spaceID, expiresAt); err != nil {
		return "", "", "", fmt.Errorf("oauthin: storing authorization code: %w", err)
	}
	_ = s.pending.Delete(ctx, requestID)

	return code, pending.RedirectURI, pending.State, nil
}

// handleConsentApproveHTTP is enabled only when consentSentinelEnv is set,
// for end-to-end tests that cannot drive the desktop IPC path.
func (s *Server) handleConsentApproveHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	code, redirectURI, state, err := s.ApproveConsent(r.Context(), requestID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"code": code, "redirect_uri": redirectURI, "state": state})
}

// handleToken implements grant_type=authorization_code (PKCE mandatory) and
// grant_type=refresh_token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.FormValue("code")
	verifier := r.FormValue("code_verifier")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")

	row, err := s.codes.Consume(ctx, code)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or already-used code")
		return
	}

	if row.ClientID != clientID || row.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client_id or redirect_uri mismatch")
		return
	}

	if !verifyPKCE(row.CodeChallengeMethod, verifier, row.CodeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	access, err := s.tokens.IssueAccessToken(clientID, row.SpaceID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	refresh, err := s.tokens.IssueRefreshToken(clientID, row.SpaceID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	s.bus.Publish(domain.ClientTokenIssued{ClientID: clientID, At: time.Now()})

	writeJSON(w, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(AccessTokenTTL.Seconds()),
		"refresh_token": refresh,
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refreshToken := r.FormValue("refresh_token")

	verified, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired refresh token")
		return
	}

	if _, err := s.clients.Get(ctx, verified.ClientID); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client no longer registered")
		return
	}

	access, err := s.tokens.IssueAccessToken(verified.ClientID, verified.SpaceID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	// Refresh flow returns the same refresh token.
	writeJSON(w, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(AccessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
	})
}

// handleRegister implements DCR (RFC 7591), idempotent by client_name,
// union-merging redirect_uris on re-registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "")
		return
	}

	existing, err := s.clients.GetByName(r.Context(), req.ClientName)
	if err == nil {
		existing.RedirectURIs = unionStrings(existing.RedirectURIs, req.RedirectURIs)
		if err := s.clients.Upsert(r.Context(), existing); err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		writeJSON(w, map[string]any{"client_id": existing.ID, "redirect_uris": existing.RedirectURIs})
		return
	}

	client := domain.InboundClient{
		ID:             uuid.NewString(),
		Name:           req.ClientName,
		RedirectURIs:   req.RedirectURIs,
		ConnectionMode: domain.ConnectionFollowActive,
		CreatedAt:      time.Now(),
	}
	if err := s.clients.Upsert(r.Context(), client); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, map[string]any{"client_id": client.ID, "redirect_uris": client.RedirectURIs})
}

// resolveClient resolves clientID either as a CIMD URL (fetched and
// cached as an InboundClient) or as a previously stored/DCR id.
func (s *Server) resolveClient(ctx context.Context, clientID string) (domain.InboundClient, error) {
	if strings.HasPrefix(clientID, "https://") || strings.HasPrefix(clientID, "http://") {
		return s.resolveCIMDClient(ctx, clientID)
	}
	return s.clients.Get(ctx, clientID)
}

func (s *Server) resolveCIMDClient(ctx context.Context, url string) (domain.InboundClient, error) {
	if existing, err := s.clients.Get(ctx, url); err == nil {
		return existing, nil
	}

	resp, err := http.Get(url) //nolint:gosec,noctx // URL is the client_id itself, fetched by design (CIMD)
	if err != nil {
		return domain.InboundClient{}, fmt.Errorf("oauthin: fetching CIMD document: %w", err)
	}
	defer resp.Body.Close()

	var doc struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return domain.InboundClient{}, fmt.Errorf("oauthin: decoding CIMD document: %w", err)
	}

	client := domain.InboundClient{
		ID:             url,
		Name:           doc.ClientName,
		RedirectURIs:   doc.RedirectURIs,
		IsCIMD:         true,
		ConnectionMode: domain.ConnectionFollowActive,
		CreatedAt:      time.Now(),
	}
	if err := s.clients.Upsert(ctx, client); err != nil {
		log.Warnf("oauthin: caching CIMD client %s: %v", url, err)
	}
	return client, nil
}

// verifyPKCE implements S256 (base64url-no-pad(SHA-256(verifier)) ==
// challenge) and plain (string equality); unknown methods are rejected.
func verifyPKCE(method, verifier, challenge string) bool {
	switch method {
	case "S256", "":
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
	case "plain":
		return verifier == challenge
	default:
		return false
	}
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, x := range a {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for _, x := range b {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func baseURL(r *http.Request) string {
	scheme := "http"
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}
