// Package notifier is the smart consumer of the domain event bus: it fans
// out MCP list_changed notifications to inbound peers with content-hash
// dedupe and throttling, suppressing the oscillation a chatty backend's
// own list_changed can cause.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/telemetry"
)

// throttleWindow is the minimum interval between same-type notifications
// for a given space.
const throttleWindow = time.Second

// Peer is the minimal capability the notifier needs from an inbound
// connection: sending a named list-changed notification, and whether its
// stream is currently active.
type Peer interface {
	// NotifyListChanged tells the peer to resync against spaceID - the
	// client's currently resolved space, which may differ from whatever
	// space it was registered under (follow_active).
	NotifyListChanged(ctx context.Context, spaceID string, t domain.NotificationType) error
	StreamActive() bool
}

// SpaceResolver answers "what space is this client currently in", handling
// follow_active vs locked; resolved at notification time, never at peer
// registration time.
type SpaceResolver interface {
	ResolveSpace(ctx context.Context, clientID string) (string, error)
}

type peerHandle struct {
	peer    Peer
	spaceID string
}

type spaceType struct {
	SpaceID string
	Type    domain.NotificationType
}

// Notifier owns the peer map and the throttle/hash tables.
type Notifier struct {
	features domain.FeatureRepository
	servers  domain.ServerRepository
	resolver SpaceResolver

	mu             sync.Mutex
	peers          map[string]*peerHandle // client_id -> handle
	throttleTracker map[spaceType]time.Time
	stateHashes     map[spaceType]uint64
}

func New(features domain.FeatureRepository, servers domain.ServerRepository, resolver SpaceResolver) *Notifier {
	return &Notifier{
		features:        features,
		servers:         servers,
		resolver:        resolver,
		peers:           make(map[string]*peerHandle),
		throttleTracker: make(map[spaceType]time.Time),
		stateHashes:     make(map[spaceType]uint64),
	}
}

// SetResolver wires the SpaceResolver after construction, breaking the
// construction cycle between the notifier and the HTTP layer that
// implements SpaceResolver but itself depends on the router the notifier
// feeds into.
func (n *Notifier) SetResolver(resolver SpaceResolver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolver = resolver
}

// RegisterPeer adds a peer, marked stream-active immediately (the protocol
// library owns the SSE stream lifecycle from here).
func (n *Notifier) RegisterPeer(clientID, spaceID string, peer Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[clientID] = &peerHandle{peer: peer, spaceID: spaceID}
}

func (n *Notifier) UnregisterPeer(clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, clientID)
}

// PrimeHashes suppresses a spurious "first notification" by computing and
// storing the current hash for every notification type in spaceID, without
// sending anything.
func (n *Notifier) PrimeHashes(spaceID string) {
	for _, t := range []domain.NotificationType{domain.NotifyTools, domain.NotifyPrompts, domain.NotifyResources} {
		h, err := n.computeHash(context.Background(), spaceID, t)
		if err != nil {
			continue
		}
		n.mu.Lock()
		n.stateHashes[spaceType{spaceID, t}] = h
		n.mu.Unlock()
	}
}

// Run consumes the event bus until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			log.Warnf("notifier: lagged on the event bus; relying on hash/throttle reconciliation")
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			n.handle(ctx, evt)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, evt domain.DomainEvent) {
	switch e := evt.(type) {
	case domain.GrantIssued:
		n.notifyAllListChanged(ctx, e.SpaceID)
	case domain.GrantRevoked:
		n.notifyAllListChanged(ctx, e.SpaceID)
	case domain.ClientGrantsUpdated:
		n.notifyAllListChanged(ctx, e.SpaceID)
	case domain.FeatureSetMembersChanged:
		n.notifyAllListChanged(ctx, e.SpaceID)
	case domain.ToolsChanged:
		n.notifyType(ctx, e.SpaceID, domain.NotifyTools)
	case domain.PromptsChanged:
		n.notifyType(ctx, e.SpaceID, domain.NotifyPrompts)
	case domain.ResourcesChanged:
		n.notifyType(ctx, e.SpaceID, domain.NotifyResources)
	case domain.ServerStatusChanged:
		if e.Status == domain.StatusDisconnected {
			n.notifyAllListChanged(ctx, e.SpaceID)
		}
	case domain.ServerFeaturesRefreshed:
		n.notifyAllListChanged(ctx, e.SpaceID)
	}
}

// notifyAllListChanged atomically reserves the "All" throttle, computes the
// three per-type hashes, and sends tools/prompts/resources notifications to
// every active peer of spaceID. All three per-type throttles are marked as
// just-sent together with the "All" reservation, before any send, to
// suppress trailing individual events.
func (n *Notifier) notifyAllListChanged(ctx context.Context, spaceID string) {
	types := []domain.NotificationType{domain.NotifyTools, domain.NotifyPrompts, domain.NotifyResources}
	key := spaceType{spaceID, domain.NotifyAll}
	n.mu.Lock()
	if last, ok := n.throttleTracker[key]; ok && time.Since(last) < throttleWindow {
		n.mu.Unlock()
		return
	}
	now := time.Now()
	n.throttleTracker[key] = now
	for _, t := range types {
		n.throttleTracker[spaceType{spaceID, t}] = now
	}
	n.mu.Unlock()

	sent := false
	for _, t := range types {
		if n.sendIfChanged(ctx, spaceID, t, true) {
			sent = true
		}
	}
	if !sent {
		log.Debugf("notifier: batch notification for %s suppressed, no content change", spaceID)
	}
}

func (n *Notifier) notifyType(ctx context.Context, spaceID string, t domain.NotificationType) {
	n.sendIfChanged(ctx, spaceID, t, false)
}

// sendIfChanged computes the content hash for (spaceID, t); if it equals
// the stored hash, nothing is sent. force bypasses the individual
// per-type throttle because the caller (batch path) already reserved it.
func (n *Notifier) sendIfChanged(ctx context.Context, spaceID string, t domain.NotificationType, force bool) bool {
	key := spaceType{spaceID, t}

	if !force {
		n.mu.Lock()
		if last, ok := n.throttleTracker[key]; ok && time.Since(last) < throttleWindow {
			n.mu.Unlock()
			return false
		}
		n.mu.Unlock()
	}

	hash, err := n.computeHash(ctx, spaceID, t)
	if err != nil {
		log.Warnf("notifier: computing hash for %s/%s: %v", spaceID, t, err)
		return false
	}

	n.mu.Lock()
	if n.stateHashes[key] == hash {
		n.mu.Unlock()
		return false
	}
	n.stateHashes[key] = hash
	n.throttleTracker[key] = time.Now()
	peers := n.peersInSpace(ctx, spaceID)
	n.mu.Unlock()

	for _, p := range peers {
		if !p.StreamActive() {
			continue
		}
		if err := p.NotifyListChanged(ctx, spaceID, t); err != nil {
			log.Warnf("notifier: sending %s notification: %v", t, err)
			continue
		}
		telemetry.NotificationsSentCounter.Add(ctx, 1)
	}
	return true
}

// peersInSpace resolves each registered peer's current space dynamically
// (handles follow_active vs locked) and returns those currently in spaceID.
// Caller must hold n.mu.
func (n *Notifier) peersInSpace(ctx context.Context, spaceID string) []Peer {
	var out []Peer
	for clientID, handle := range n.peers {
		resolved := handle.spaceID
		if n.resolver != nil {
			if s, err := n.resolver.ResolveSpace(ctx, clientID); err == nil {
				resolved = s
			}
		}
		if resolved == spaceID {
			out = append(out, handle.peer)
		}
	}
	return out
}

// computeHash is a stable hash over the sorted (feature_id) list of
// currently available features of type t in spaceID, plus the sorted list
// of server aliases.
func (n *Notifier) computeHash(ctx context.Context, spaceID string, t domain.NotificationType) (uint64, error) {
	var types []domain.FeatureType
	switch t {
	case domain.NotifyTools:
		types = []domain.FeatureType{domain.FeatureTool}
	case domain.NotifyPrompts:
		types = []domain.FeatureType{domain.FeaturePrompt}
	case domain.NotifyResources:
		types = []domain.FeatureType{domain.FeatureResource}
	default:
		types = []domain.FeatureType{domain.FeatureTool, domain.FeaturePrompt, domain.FeatureResource}
	}

	var ids []string
	for _, ft := range types {
		features, err := n.features.ListAvailableByType(ctx, spaceID, ft)
		if err != nil {
			return 0, fmt.Errorf("notifier: listing %s features: %w", ft, err)
		}
		for _, f := range features {
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)

	var aliases []string
	if servers, err := n.servers.ListEnabled(ctx, spaceID); err == nil {
		for _, s := range servers {
			aliases = append(aliases, s.Alias)
		}
	}
	sort.Strings(aliases)

	return fnv1a(strings.Join(ids, "\x00") + "\x01" + strings.Join(aliases, "\x00")), nil
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
