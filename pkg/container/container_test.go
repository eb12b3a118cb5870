package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

type fakeRuntime struct {
	mu      sync.Mutex
	images  map[string]bool
	started map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{images: map[string]bool{}, started: map[string]string{}}
}

func (f *fakeRuntime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[imageName], nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, imageName, contextDir, dockerfilePath string, buildArgs map[string]string, onLog func(vertex, line string, isError bool)) error {
	onLog("build", "step 1/1 : FROM scratch", false)
	f.mu.Lock()
	f.images[imageName] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, name, image string, env map[string]string, mounts map[string]string) (string, string, error) {
	f.mu.Lock()
	f.started[name] = image
	f.mu.Unlock()
	return "cid-" + name, "10.0.0.5", nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error   { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error { return nil }

type fakeSource struct{}

func (fakeSource) FetchSource(ctx context.Context, repoID int64, sha, root string) (string, func(), error) {
	return ".", func() {}, nil
}

type fakeNixpacks struct{}

func (fakeNixpacks) Synthesize(ctx context.Context, dir, provider string) error { return nil }

type fakeDB struct{}

func (fakeDB) EnsureProductionDB(ctx context.Context, projectID string) (DBSetup, error) {
	return DBSetup{URL: "libsql://prod", AuthToken: "tok"}, nil
}

func (fakeDB) ForkBranchDB(ctx context.Context, projectID, deploymentID string) (DBSetup, error) {
	return DBSetup{URL: "libsql://branch", AuthToken: "tok"}, nil
}

type fakeStore struct {
	storage.Store
	logs []types.BuildLogEntry
}

func (s *fakeStore) UpdateDeploymentBuildStart(id string, at time.Time) error { return nil }
func (s *fakeStore) UpdateDeploymentBuildEnd(id string, at time.Time) error   { return nil }
func (s *fakeStore) UpdateDeploymentResult(id string, r types.BuildResult) error {
	return nil
}
func (s *fakeStore) ClearDeploymentBuildLogs(id string) error { return nil }
func (s *fakeStore) InsertDeploymentBuildLog(e types.BuildLogEntry) error {
	s.logs = append(s.logs, e)
	return nil
}

func newTestContainer(t *testing.T) (*Container, *fakeRuntime, *fakeStore) {
	t.Helper()
	rt := newFakeRuntime()
	store := &fakeStore{}
	deps := Deps{
		Runtime:  rt,
		Source:   fakeSource{},
		Nixpacks: fakeNixpacks{},
		DB:       fakeDB{},
		Store:    store,
	}
	deployment := types.Deployment{
		ID:              "dep1",
		Project:         "proj1",
		IsDefaultBranch: true,
		Result:          types.BuildResultUnset,
	}
	project := types.Project{ID: "proj1", Name: "demo"}
	c := New(deployment, project, deps)
	return c, rt, store
}

func TestEnqueueUpBuildsAndStarts(t *testing.T) {
	c, rt, store := newTestContainer(t)

	if err := c.EnqueueUp(context.Background(), ""); err != nil {
		t.Fatalf("EnqueueUp: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("state = %v, want Ready", c.State())
	}
	if c.IP() == "" {
		t.Fatal("expected an IP after becoming ready")
	}
	if len(store.logs) == 0 {
		t.Fatal("expected build logs to be recorded")
	}
	if _, ok := rt.started["hearth-dep1"]; !ok {
		t.Fatal("expected runtime to start the managed container")
	}
}

func TestEnqueueUpReadyIsNoop(t *testing.T) {
	c, _, _ := newTestContainer(t)
	if err := c.EnqueueUp(context.Background(), ""); err != nil {
		t.Fatalf("EnqueueUp: %v", err)
	}
	// Second call should return immediately without re-driving anything.
	if err := c.EnqueueUp(context.Background(), ""); err != nil {
		t.Fatalf("second EnqueueUp: %v", err)
	}
}

func TestDowngradeIfUnusedStopsIdleNonProd(t *testing.T) {
	c, _, _ := newTestContainer(t)
	if err := c.EnqueueUp(context.Background(), ""); err != nil {
		t.Fatalf("EnqueueUp: %v", err)
	}
	c.mu.Lock()
	c.lastRequest = time.Now().Add(-10 * time.Minute)
	c.mu.Unlock()

	c.DowngradeIfUnused(context.Background(), 5*time.Minute)
	if c.State() != StandBy {
		t.Fatalf("state = %v, want StandBy", c.State())
	}
}

func TestDowngradeIfUnusedSparesProd(t *testing.T) {
	c, _, _ := newTestContainer(t)
	if err := c.EnqueueUp(context.Background(), ""); err != nil {
		t.Fatalf("EnqueueUp: %v", err)
	}
	c.SetProdApp(true)
	c.mu.Lock()
	c.lastRequest = time.Now().Add(-10 * time.Minute)
	c.mu.Unlock()

	c.DowngradeIfUnused(context.Background(), 5*time.Minute)
	if c.State() != Ready {
		t.Fatalf("state = %v, want Ready (production apps are never downgraded)", c.State())
	}
}
