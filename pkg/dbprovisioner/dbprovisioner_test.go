package dbprovisioner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records launches and removals of sqld containers.
type fakeRuntime struct {
	mu       sync.Mutex
	pulled   []string
	launched []string
	removed  []string
	nextIP   int
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, imageRef)
	return nil
}

func (f *fakeRuntime) CreateAndStartCommand(ctx context.Context, name, image string, env map[string]string, mounts map[string]string, command []string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, name)
	f.nextIP++
	return "cid-" + name, "10.1.0.1", nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error { return nil }

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func newTestProvisioner(t *testing.T) (*Provisioner, *fakeRuntime, string) {
	t.Helper()
	rt := &fakeRuntime{}
	dataDir := t.TempDir()
	return New(rt, dataDir, []byte("signing-secret")), rt, dataDir
}

func TestEnsureProductionDBIsSingleton(t *testing.T) {
	p, rt, dataDir := newTestProvisioner(t)

	first, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.URL)
	assert.NotEmpty(t, first.AuthToken)

	// The data file exists on disk at the expected layout.
	_, statErr := os.Stat(filepath.Join(dataDir, "p1", "data.db"))
	assert.NoError(t, statErr)

	second, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, first.URL, second.URL)
	assert.Len(t, rt.launched, 1, "second call must reuse the running container")
}

func TestForkBranchDBSnapshotsProduction(t *testing.T) {
	p, rt, dataDir := newTestProvisioner(t)

	_, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)
	prodFile := filepath.Join(dataDir, "p1", "data.db")
	require.NoError(t, os.WriteFile(prodFile, []byte("production rows"), 0o644))

	_, err = p.ForkBranchDB(context.Background(), "p1", "d1")
	require.NoError(t, err)

	snapshot, err := os.ReadFile(filepath.Join(dataDir, "p1", "d1", "data.db"))
	require.NoError(t, err)
	assert.Equal(t, "production rows", string(snapshot))

	// The fork is taken once; later production writes never leak in.
	require.NoError(t, os.WriteFile(prodFile, []byte("newer rows"), 0o644))
	_, err = p.ForkBranchDB(context.Background(), "p1", "d1")
	require.NoError(t, err)
	snapshot, err = os.ReadFile(filepath.Join(dataDir, "p1", "d1", "data.db"))
	require.NoError(t, err)
	assert.Equal(t, "production rows", string(snapshot))
	assert.Len(t, rt.launched, 2)
}

func TestManagedContainerNames(t *testing.T) {
	p, _, _ := newTestProvisioner(t)

	_, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)
	_, err = p.ForkBranchDB(context.Background(), "p1", "d1")
	require.NoError(t, err)

	names := p.ManagedContainerNames()
	assert.True(t, names["hearth-dbprod-p1"])
	assert.True(t, names["hearth-dbbranch-d1"])
	assert.Len(t, names, 2)
}

func TestPruneBranchesRemovesOrphans(t *testing.T) {
	p, rt, dataDir := newTestProvisioner(t)

	_, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)
	_, err = p.ForkBranchDB(context.Background(), "p1", "live")
	require.NoError(t, err)
	_, err = p.ForkBranchDB(context.Background(), "p1", "gone")
	require.NoError(t, err)

	require.NoError(t, p.PruneBranches(context.Background(), map[string]bool{"live": true}))

	assert.Equal(t, []string{"cid-hearth-dbbranch-gone"}, rt.removed)
	_, statErr := os.Stat(filepath.Join(dataDir, "p1", "gone"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(dataDir, "p1", "live", "data.db"))
	assert.NoError(t, statErr)

	names := p.ManagedContainerNames()
	assert.False(t, names["hearth-dbbranch-gone"])
	assert.True(t, names["hearth-dbbranch-live"])
}

func TestExpiringTokenDiffersFromPermanent(t *testing.T) {
	p, _, _ := newTestProvisioner(t)

	setup, err := p.EnsureProductionDB(context.Background(), "p1")
	require.NoError(t, err)

	expiring := p.ExpiringToken("p1", 0)
	assert.NotEmpty(t, expiring)
	assert.NotEqual(t, setup.AuthToken, expiring)
}
