package featuresvc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/prefix"
	"github.com/localmcp/gateway/internal/storage/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.DB, *eventbus.Bus) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return New(db.Features(), db.FeatureSets(), prefix.New(), bus), db, bus
}

func TestEnsureBuiltinForSpaceIsIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))

	require.NoError(t, svc.EnsureBuiltinForSpace(ctx, "s1"))
	require.NoError(t, svc.EnsureBuiltinForSpace(ctx, "s1"))

	sets, err := db.FeatureSets().List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sets, 2)
}

func TestEnsureServerAllIsIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))

	require.NoError(t, svc.EnsureServerAll(ctx, "s1", "fs"))
	require.NoError(t, svc.EnsureServerAll(ctx, "s1", "fs"))

	sets, err := db.FeatureSets().List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.Equal(t, domain.FeatureSetServerAll, sets[0].Kind)
}

func TestAddMemberRejectsSelfReference(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, db.FeatureSets().Create(ctx, domain.FeatureSet{ID: "a", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "a", CreatedAt: time.Now().UTC()}))

	err := svc.AddMember(ctx, "a", domain.FeatureSetMember{FeatureSetID: "a", MemberType: domain.MemberFeatureSet, MemberFeatureSet: "a", Mode: domain.MemberInclude})
	require.ErrorIs(t, err, domain.ErrConflictState)
}

func TestAddMemberRejectsWouldBeCycle(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, db.FeatureSets().Create(ctx, domain.FeatureSet{ID: "a", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "a", CreatedAt: time.Now().UTC()}))
	require.NoError(t, db.FeatureSets().Create(ctx, domain.FeatureSet{ID: "b", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "b", CreatedAt: time.Now().UTC()}))

	// a includes b.
	require.NoError(t, svc.AddMember(ctx, "a", domain.FeatureSetMember{FeatureSetID: "a", MemberType: domain.MemberFeatureSet, MemberFeatureSet: "b", Mode: domain.MemberInclude}))

	// b including a would close the cycle a -> b -> a.
	err := svc.AddMember(ctx, "b", domain.FeatureSetMember{FeatureSetID: "b", MemberType: domain.MemberFeatureSet, MemberFeatureSet: "a", Mode: domain.MemberInclude})
	require.ErrorIs(t, err, domain.ErrConflictState)
}

func TestAddMemberRejectsAllAndDefaultAsMembers(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, svc.EnsureBuiltinForSpace(ctx, "s1"))
	require.NoError(t, db.FeatureSets().Create(ctx, domain.FeatureSet{ID: "custom", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "custom", CreatedAt: time.Now().UTC()}))

	all, err := db.FeatureSets().GetAll(ctx, "s1")
	require.NoError(t, err)

	err = svc.AddMember(ctx, "custom", domain.FeatureSetMember{FeatureSetID: "custom", MemberType: domain.MemberFeatureSet, MemberFeatureSet: all.ID, Mode: domain.MemberInclude})
	require.ErrorIs(t, err, domain.ErrConflictState)
}

func TestAddMemberPublishesFeatureSetMembersChanged(t *testing.T) {
	svc, db, bus := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, db.FeatureSets().Create(ctx, domain.FeatureSet{ID: "a", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "a", CreatedAt: time.Now().UTC()}))

	sub := bus.Subscribe()
	defer sub.Close()

	require.NoError(t, svc.AddMember(ctx, "a", domain.FeatureSetMember{FeatureSetID: "a", MemberType: domain.MemberFeature, FeatureID: "feat-1", Mode: domain.MemberInclude}))

	select {
	case evt := <-sub.Events():
		changed, ok := evt.(domain.FeatureSetMembersChanged)
		require.True(t, ok)
		require.Equal(t, "s1", changed.SpaceID)
		require.Equal(t, "a", changed.FeatureSetID)
	case <-time.After(time.Second):
		t.Fatal("expected FeatureSetMembersChanged to be published")
	}
}
