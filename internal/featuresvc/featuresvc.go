// Package featuresvc discovers backend capabilities, keeps the feature
// repository reconciled against what is currently observed, resolves
// feature-set graphs into concrete authorized feature lists, and computes
// qualified names. Grounded on the teacher's pkg/gateway/handlers.go
// (inferServerType, tool registration) generalized to a persisted, grant-
// checked catalog instead of an in-memory one.
package featuresvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/prefix"
)

// maxResolveDepth caps feature-set graph recursion (design note: cap
// recursion depth).
const maxResolveDepth = 16

// Service implements feature discovery, reconciliation, and authorization.
type Service struct {
	features    domain.FeatureRepository
	featureSets domain.FeatureSetRepository
	prefixes    *prefix.Cache
	bus         *eventbus.Bus
}

func New(features domain.FeatureRepository, featureSets domain.FeatureSetRepository, prefixes *prefix.Cache, bus *eventbus.Bus) *Service {
	return &Service{features: features, featureSets: featureSets, prefixes: prefixes, bus: bus}
}

// EnsureBuiltinForSpace creates the space's builtin All and Default
// feature sets if they don't already exist. Idempotent: safe to call every
// time a space is touched, not just at creation.
func (s *Service) EnsureBuiltinForSpace(ctx context.Context, spaceID string) error {
	if _, err := s.featureSets.GetAll(ctx, spaceID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("featuresvc: loading All feature set for space %s: %w", spaceID, err)
		}
		if err := s.featureSets.Create(ctx, domain.FeatureSet{
			ID: uuid.NewString(), SpaceID: spaceID, Kind: domain.FeatureSetAll, Name: "All", CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("featuresvc: creating All feature set for space %s: %w", spaceID, err)
		}
	}
	if _, err := s.featureSets.GetDefault(ctx, spaceID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("featuresvc: loading Default feature set for space %s: %w", spaceID, err)
		}
		if err := s.featureSets.Create(ctx, domain.FeatureSet{
			ID: uuid.NewString(), SpaceID: spaceID, Kind: domain.FeatureSetDefault, Name: "Default", CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("featuresvc: creating Default feature set for space %s: %w", spaceID, err)
		}
	}
	return nil
}

// EnsureServerAll creates the per-server ServerAll feature set for
// (spaceID, serverID) if it doesn't already exist. Idempotent, so the
// install path can call it unconditionally.
func (s *Service) EnsureServerAll(ctx context.Context, spaceID, serverID string) error {
	if _, err := s.featureSets.GetServerAll(ctx, spaceID, serverID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("featuresvc: loading ServerAll feature set for %s/%s: %w", spaceID, serverID, err)
		}
		if err := s.featureSets.Create(ctx, domain.FeatureSet{
			ID: uuid.NewString(), SpaceID: spaceID, Kind: domain.FeatureSetServerAll, ServerID: serverID,
			Name: serverID, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("featuresvc: creating ServerAll feature set for %s/%s: %w", spaceID, serverID, err)
		}
	}
	return nil
}

// AddMember adds m to featureSetID, rejecting a self-reference, a member
// reference that would close a cycle back to featureSetID, and All/Default
// as a nested member of another set. This is the only sanctioned entry
// point for mutating feature-set membership; the resolution-time recursion
// guard in expand is a separate, independent safety net. Publishes
// FeatureSetMembersChanged on success.
func (s *Service) AddMember(ctx context.Context, featureSetID string, m domain.FeatureSetMember) error {
	target, err := s.featureSets.Get(ctx, featureSetID)
	if err != nil {
		return fmt.Errorf("featuresvc: loading feature set %s: %w", featureSetID, err)
	}

	if m.MemberType == domain.MemberFeatureSet {
		if m.MemberFeatureSet == featureSetID {
			return fmt.Errorf("featuresvc: %w: feature set %s cannot reference itself", domain.ErrConflictState, featureSetID)
		}
		member, err := s.featureSets.Get(ctx, m.MemberFeatureSet)
		if err != nil {
			return fmt.Errorf("featuresvc: loading member feature set %s: %w", m.MemberFeatureSet, err)
		}
		if member.Kind == domain.FeatureSetAll || member.Kind == domain.FeatureSetDefault {
			return fmt.Errorf("featuresvc: %w: %s cannot be added as a member of another feature set", domain.ErrConflictState, member.Kind)
		}
		if err := s.rejectsCycle(ctx, featureSetID, m.MemberFeatureSet, make(map[string]bool)); err != nil {
			return err
		}
	}

	if err := s.featureSets.AddMember(ctx, m); err != nil {
		return fmt.Errorf("featuresvc: adding member to %s: %w", featureSetID, err)
	}
	s.bus.Publish(domain.FeatureSetMembersChanged{SpaceID: target.SpaceID, FeatureSetID: featureSetID})
	return nil
}

// rejectsCycle walks candidateID's nested feature-set members looking for a
// path back to targetID; finding one means adding candidateID as a member
// of targetID would close a cycle.
func (s *Service) rejectsCycle(ctx context.Context, targetID, candidateID string, visited map[string]bool) error {
	if candidateID == targetID {
		return fmt.Errorf("featuresvc: %w: adding %s would create a feature-set cycle", domain.ErrConflictState, candidateID)
	}
	if visited[candidateID] {
		return nil
	}
	visited[candidateID] = true

	members, err := s.featureSets.Members(ctx, candidateID)
	if err != nil {
		return fmt.Errorf("featuresvc: loading members of %s: %w", candidateID, err)
	}
	for _, member := range members {
		if member.MemberType != domain.MemberFeatureSet {
			continue
		}
		if err := s.rejectsCycle(ctx, targetID, member.MemberFeatureSet, visited); err != nil {
			return err
		}
	}
	return nil
}

// DiscoveredFeature is a backend-reported tool/prompt/resource before it is
// upserted into the repository.
type DiscoveredFeature struct {
	Type        domain.FeatureType
	Name        string
	DisplayName string
	Description string
	RawJSON     []byte
}

// Reconcile upserts every discovered feature of the given type for
// (spaceID, serverID) with is_available=true, then marks unavailable every
// previously-seen row of that type that was not part of this discovery
// round. Returns the added/removed name lists for change-event diffing.
func (s *Service) Reconcile(ctx context.Context, spaceID, serverID string, t domain.FeatureType, discovered []DiscoveredFeature) (added, removed []string, err error) {
	previously, err := s.features.ListAvailableByServer(ctx, spaceID, serverID)
	if err != nil {
		return nil, nil, fmt.Errorf("featuresvc: listing previous features: %w", err)
	}
	prevNames := make(map[string]bool)
	for _, f := range previously {
		if f.Type == t {
			prevNames[f.Name] = true
		}
	}

	now := time.Now()
	seen := make([]string, 0, len(discovered))
	for _, d := range discovered {
		seen = append(seen, d.Name)
		if !prevNames[d.Name] {
			added = append(added, d.Name)
		}
		if err := s.features.Upsert(ctx, domain.ServerFeature{
			SpaceID:      spaceID,
			ServerID:     serverID,
			Type:         t,
			Name:         d.Name,
			DisplayName:  d.DisplayName,
			Description:  d.Description,
			RawJSON:      d.RawJSON,
			DiscoveredAt: now,
			LastSeenAt:   now,
			IsAvailable:  true,
		}); err != nil {
			return nil, nil, fmt.Errorf("featuresvc: upserting %s %s: %w", t, d.Name, err)
		}
	}

	for name := range prevNames {
		if !contains(seen, name) {
			removed = append(removed, name)
		}
	}

	if err := s.features.MarkUnavailableExcept(ctx, spaceID, serverID, t, seen, now); err != nil {
		return nil, nil, fmt.Errorf("featuresvc: marking unavailable: %w", err)
	}

	return added, removed, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// QualifiedName computes "<prefix>_<feature_name>" for tools/prompts; for
// resources the qualified name is simply the feature's URI (its Name).
func (s *Service) QualifiedName(spaceID, serverID string, f domain.ServerFeature) string {
	if f.Type == domain.FeatureResource {
		return f.Name
	}
	return prefix.QualifiedName(s.serverPrefix(spaceID, serverID), f.Name)
}

func (s *Service) serverPrefix(spaceID, serverID string) string {
	if p, ok := s.prefixes.PrefixFor(spaceID, serverID); ok {
		return p
	}
	return serverID
}

// ResolveFeatureSets expands the given feature-set ids into the union of
// Include members minus Exclude members (any Exclude wins over all
// Includes per the adopted open-question resolution), intersected with
// currently available features in the space.
func (s *Service) ResolveFeatureSets(ctx context.Context, spaceID string, featureSetIDs []string) ([]domain.ServerFeature, error) {
	included := make(map[string]bool)
	excluded := make(map[string]bool)

	for _, id := range featureSetIDs {
		if err := s.expand(ctx, spaceID, id, domain.MemberInclude, included, excluded, make(map[string]bool), 0); err != nil {
			return nil, err
		}
	}

	available, err := s.features.ListAvailable(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("featuresvc: listing available features: %w", err)
	}

	out := make([]domain.ServerFeature, 0, len(available))
	for _, f := range available {
		if included[f.ID] && !excluded[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Service) expand(ctx context.Context, spaceID, featureSetID string, mode domain.MemberMode, included, excluded, visited map[string]bool, depth int) error {
	if depth > maxResolveDepth {
		return fmt.Errorf("featuresvc: %w: feature-set recursion exceeded depth %d", domain.ErrConflictState, maxResolveDepth)
	}
	if visited[featureSetID] {
		return nil
	}
	visited[featureSetID] = true

	fs, err := s.featureSets.Get(ctx, featureSetID)
	if err != nil {
		return fmt.Errorf("featuresvc: loading feature set %s: %w", featureSetID, err)
	}

	switch fs.Kind {
	case domain.FeatureSetAll:
		return s.markAllAvailable(ctx, spaceID, mode, included, excluded)
	case domain.FeatureSetServerAll:
		return s.markServerAvailable(ctx, spaceID, fs.ServerID, mode, included, excluded)
	}

	members, err := s.featureSets.Members(ctx, featureSetID)
	if err != nil {
		return fmt.Errorf("featuresvc: loading members of %s: %w", featureSetID, err)
	}

	for _, m := range members {
		effectiveMode := m.Mode
		if mode == domain.MemberExclude {
			// Exclude propagates: an excluded nested set's includes still
			// count as exclusions of the outer resolution.
			effectiveMode = domain.MemberExclude
		}
		switch m.MemberType {
		case domain.MemberFeature:
			mark(effectiveMode, m.FeatureID, included, excluded)
		case domain.MemberFeatureSet:
			if err := s.expand(ctx, spaceID, m.MemberFeatureSet, effectiveMode, included, excluded, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func mark(mode domain.MemberMode, id string, included, excluded map[string]bool) {
	if mode == domain.MemberExclude {
		excluded[id] = true
	} else {
		included[id] = true
	}
}

func (s *Service) markAllAvailable(ctx context.Context, spaceID string, mode domain.MemberMode, included, excluded map[string]bool) error {
	features, err := s.features.ListAvailable(ctx, spaceID)
	if err != nil {
		return err
	}
	for _, f := range features {
		mark(mode, f.ID, included, excluded)
	}
	return nil
}

func (s *Service) markServerAvailable(ctx context.Context, spaceID, serverID string, mode domain.MemberMode, included, excluded map[string]bool) error {
	features, err := s.features.ListAvailableByServer(ctx, spaceID, serverID)
	if err != nil {
		return err
	}
	for _, f := range features {
		mark(mode, f.ID, included, excluded)
	}
	return nil
}

// Authorize reports whether featureID is present in the resolution of
// featureSetIDs.
func (s *Service) Authorize(ctx context.Context, spaceID, featureID string, featureSetIDs []string) (bool, error) {
	resolved, err := s.ResolveFeatureSets(ctx, spaceID, featureSetIDs)
	if err != nil {
		return false, err
	}
	for _, f := range resolved {
		if f.ID == featureID {
			return true, nil
		}
	}
	return false, nil
}

// ParseRawJSONName rewrites the "name" key of a feature's raw descriptor to
// its qualified name for inclusion in a list response.
func ParseRawJSONName(raw []byte, qualifiedName string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("featuresvc: unmarshaling raw descriptor: %w", err)
	}
	nameBytes, err := json.Marshal(qualifiedName)
	if err != nil {
		return nil, err
	}
	m["name"] = nameBytes
	return json.Marshal(m)
}
