package notifier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/storage/sqlite"
)

type recordingPeer struct {
	active bool
	calls  []domain.NotificationType
}

func (p *recordingPeer) NotifyListChanged(_ context.Context, _ string, t domain.NotificationType) error {
	p.calls = append(p.calls, t)
	return nil
}

func (p *recordingPeer) StreamActive() bool { return p.active }

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNotifyTypeSendsOnceThenSuppressesUnchanged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Spaces().Create(ctx, domain.Space{ID: "s1", Name: "s1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, db.Features().Upsert(ctx, domain.ServerFeature{
		SpaceID: "s1", ServerID: "fs", Type: domain.FeatureTool, Name: "read_file", IsAvailable: true,
	}))

	n := New(db.Features(), db.Servers(), nil)
	peer := &recordingPeer{active: true}
	n.RegisterPeer("client-1", "s1", peer)

	n.notifyType(ctx, "s1", domain.NotifyTools)
	require.Len(t, peer.calls, 1)

	// No content change and still inside the throttle window: the second
	// call must be suppressed.
	n.notifyType(ctx, "s1", domain.NotifyTools)
	require.Len(t, peer.calls, 1)
}

func TestPeersInSpaceUsesResolverOverRegisteredSpace(t *testing.T) {
	db := openTestDB(t)
	n := New(db.Features(), db.Servers(), resolverFunc(func(context.Context, string) (string, error) {
		return "s2", nil
	}))

	peer := &recordingPeer{active: true}
	n.RegisterPeer("client-1", "s1", peer)

	n.mu.Lock()
	inS1 := n.peersInSpace(context.Background(), "s1")
	inS2 := n.peersInSpace(context.Background(), "s2")
	n.mu.Unlock()

	require.Empty(t, inS1)
	require.Len(t, inS2, 1)
}

type resolverFunc func(ctx context.Context, clientID string) (string, error)

func (f resolverFunc) ResolveSpace(ctx context.Context, clientID string) (string, error) {
	return f(ctx, clientID)
}
