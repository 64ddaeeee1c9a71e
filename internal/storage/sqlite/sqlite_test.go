package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	db := openTestDB(t)

	spaces, err := db.Spaces().List(context.Background())
	require.NoError(t, err)
	require.Empty(t, spaces)
}

func TestSpacesCreateAndActivate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := domain.Space{ID: "space-a", Name: "a", Active: true, CreatedAt: time.Now().UTC()}
	b := domain.Space{ID: "space-b", Name: "b", CreatedAt: time.Now().UTC()}
	require.NoError(t, db.Spaces().Create(ctx, a))
	require.NoError(t, db.Spaces().Create(ctx, b))

	active, err := db.Spaces().Active(ctx)
	require.NoError(t, err)
	require.Equal(t, "space-a", active.ID)

	require.NoError(t, db.Spaces().SetActive(ctx, "space-b"))
	active, err = db.Spaces().Active(ctx)
	require.NoError(t, err)
	require.Equal(t, "space-b", active.ID)

	_, err = db.Spaces().Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServersInstallAndEnable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))

	installed := domain.InstalledServer{
		SpaceID:  "s1",
		ServerID: "fs",
		Definition: domain.ServerDefinition{
			Transport: domain.TransportConfig{Kind: domain.TransportStdio, Command: "fs-server"},
			Auth:      domain.AuthConfig{Kind: domain.AuthNone},
		},
		Inputs:    map[string]string{},
		Enabled:   true,
		Alias:     "fs",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Servers().Install(ctx, installed))

	got, err := db.Servers().Get(ctx, "s1", "fs")
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, "fs-server", got.Definition.Transport.Command)

	require.NoError(t, db.Servers().SetEnabled(ctx, "s1", "fs", false))
	got, err = db.Servers().Get(ctx, "s1", "fs")
	require.NoError(t, err)
	require.False(t, got.Enabled)

	enabled, err := db.Servers().ListEnabled(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, enabled)

	require.NoError(t, db.Servers().Uninstall(ctx, "s1", "fs"))
	_, err = db.Servers().Get(ctx, "s1", "fs")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServersUninstallCascadesCredentialsFeaturesAndServerAll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))

	installed := domain.InstalledServer{
		SpaceID: "s1", ServerID: "fs",
		Definition: domain.ServerDefinition{
			Transport: domain.TransportConfig{Kind: domain.TransportStdio, Command: "fs-server"},
			Auth:      domain.AuthConfig{Kind: domain.AuthNone},
		},
		Inputs: map[string]string{}, Enabled: true, Alias: "fs",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Servers().Install(ctx, installed))
	require.NoError(t, db.Credentials().Upsert(ctx, domain.Credential{SpaceID: "s1", ServerID: "fs", Type: domain.CredentialAPIKey, Value: "secret"}))
	require.NoError(t, db.Features().Upsert(ctx, domain.ServerFeature{SpaceID: "s1", ServerID: "fs", Type: domain.FeatureTool, Name: "read_file", IsAvailable: true}))

	serverAll := domain.FeatureSet{ID: "fs-all", SpaceID: "s1", Kind: domain.FeatureSetServerAll, ServerID: "fs", Name: "fs", CreatedAt: time.Now().UTC()}
	require.NoError(t, db.FeatureSets().Create(ctx, serverAll))
	other := domain.FeatureSet{ID: "default", SpaceID: "s1", Kind: domain.FeatureSetDefault, Name: "Default", CreatedAt: time.Now().UTC()}
	require.NoError(t, db.FeatureSets().Create(ctx, other))
	require.NoError(t, db.FeatureSets().AddMember(ctx, domain.FeatureSetMember{
		FeatureSetID: "default", MemberType: domain.MemberFeatureSet, MemberFeatureSet: "fs-all", Mode: domain.MemberInclude,
	}))

	require.NoError(t, db.Servers().Uninstall(ctx, "s1", "fs"))

	_, err := db.Servers().Get(ctx, "s1", "fs")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = db.Credentials().Get(ctx, "s1", "fs", domain.CredentialAPIKey)
	require.ErrorIs(t, err, domain.ErrNotFound)

	features, err := db.Features().ListAvailableByServer(ctx, "s1", "fs")
	require.NoError(t, err)
	require.Empty(t, features)

	_, err = db.FeatureSets().GetServerAll(ctx, "s1", "fs")
	require.ErrorIs(t, err, domain.ErrNotFound)

	members, err := db.FeatureSets().Members(ctx, "default")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestCredentialsRoundTripIsSealed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cred := domain.Credential{SpaceID: "s1", ServerID: "fs", Type: domain.CredentialAPIKey, Value: "super-secret"}
	require.NoError(t, db.Credentials().Upsert(ctx, cred))

	got, err := db.Credentials().Get(ctx, "s1", "fs", domain.CredentialAPIKey)
	require.NoError(t, err)
	require.Equal(t, "super-secret", got.Value)

	require.NoError(t, db.Credentials().Clear(ctx, "s1", "fs", domain.CredentialAPIKey))
	_, err = db.Credentials().Get(ctx, "s1", "fs", domain.CredentialAPIKey)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFeatureSetsSoftDeleteRejectsBuiltinKinds(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))

	all := domain.FeatureSet{ID: "all", SpaceID: "s1", Kind: domain.FeatureSetAll, Name: "All", CreatedAt: time.Now().UTC()}
	custom := domain.FeatureSet{ID: "custom", SpaceID: "s1", Kind: domain.FeatureSetCustom, Name: "Mine", CreatedAt: time.Now().UTC()}
	require.NoError(t, db.FeatureSets().Create(ctx, all))
	require.NoError(t, db.FeatureSets().Create(ctx, custom))

	err := db.FeatureSets().SoftDelete(ctx, "all")
	require.ErrorIs(t, err, domain.ErrConflictState)

	require.NoError(t, db.FeatureSets().SoftDelete(ctx, "custom"))
	_, err = db.FeatureSets().Get(ctx, "custom")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFeaturesUpsertAssignsIDAndReconciles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	f := domain.ServerFeature{SpaceID: "s1", ServerID: "fs", Type: domain.FeatureTool, Name: "read_file", IsAvailable: true}
	require.NoError(t, db.Features().Upsert(ctx, f))

	got, err := db.Features().GetByQualifiedParts(ctx, "s1", "fs", domain.FeatureTool, "read_file")
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)

	require.NoError(t, db.Features().MarkUnavailableExcept(ctx, "s1", "fs", domain.FeatureTool, nil, time.Now().UTC()))
	got, err = db.Features().GetByQualifiedParts(ctx, "s1", "fs", domain.FeatureTool, "read_file")
	require.NoError(t, err)
	require.False(t, got.IsAvailable)
}
