// Package grants is the single writer for (client, space, feature_set)
// grant rows; every mutation emits a domain event that drives notifier
// fan-out.
package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
)

type Service struct {
	grants      domain.GrantRepository
	featureSets domain.FeatureSetRepository
	bus         *eventbus.Bus
}

func New(grants domain.GrantRepository, featureSets domain.FeatureSetRepository, bus *eventbus.Bus) *Service {
	return &Service{grants: grants, featureSets: featureSets, bus: bus}
}

// Grant authorizes clientID, in spaceID, to featureSetID's resolved
// features. Invariant 2: the referenced feature set must belong to the
// same space as the grant.
func (s *Service) Grant(ctx context.Context, clientID, spaceID, featureSetID string) error {
	fs, err := s.featureSets.Get(ctx, featureSetID)
	if err != nil {
		return fmt.Errorf("grants: loading feature set %s: %w", featureSetID, err)
	}
	if fs.SpaceID != spaceID {
		return fmt.Errorf("grants: %w: feature set %s belongs to a different space", domain.ErrConflictState, featureSetID)
	}

	if err := s.grants.Grant(ctx, domain.Grant{ClientID: clientID, SpaceID: spaceID, FeatureSetID: featureSetID, GrantedAt: time.Now()}); err != nil {
		return fmt.Errorf("grants: granting: %w", err)
	}

	s.bus.Publish(domain.GrantIssued{ClientID: clientID, SpaceID: spaceID, FeatureSetID: featureSetID})
	s.bus.Publish(domain.ClientGrantsUpdated{ClientID: clientID, SpaceID: spaceID})
	return nil
}

// Revoke removes a grant row and emits GrantRevoked/ClientGrantsUpdated.
func (s *Service) Revoke(ctx context.Context, clientID, spaceID, featureSetID string) error {
	if err := s.grants.Revoke(ctx, clientID, spaceID, featureSetID); err != nil {
		return fmt.Errorf("grants: revoking: %w", err)
	}
	s.bus.Publish(domain.GrantRevoked{ClientID: clientID, SpaceID: spaceID, FeatureSetID: featureSetID})
	s.bus.Publish(domain.ClientGrantsUpdated{ClientID: clientID, SpaceID: spaceID})
	return nil
}

// NotifyFeatureSetModified is used when feature-set membership changes
// outside a grant context; it drives the same notifier fan-out as a grant
// mutation.
func (s *Service) NotifyFeatureSetModified(spaceID, featureSetID string) {
	s.bus.Publish(domain.FeatureSetMembersChanged{SpaceID: spaceID, FeatureSetID: featureSetID})
}

// ListFeatureSetIDs returns the feature-set ids a client is granted in a
// space, for featuresvc.ResolveFeatureSets to expand.
func (s *Service) ListFeatureSetIDs(ctx context.Context, clientID, spaceID string) ([]string, error) {
	rows, err := s.grants.ListByClientSpace(ctx, clientID, spaceID)
	if err != nil {
		return nil, fmt.Errorf("grants: listing grants: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.FeatureSetID)
	}
	return ids, nil
}
