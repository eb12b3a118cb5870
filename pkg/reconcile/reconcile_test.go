package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/gitprovider"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

// fakeGCRuntime records which containers the GC pass removed.
type fakeGCRuntime struct {
	mu      sync.Mutex
	listed  []string
	removed []string
}

func (f *fakeGCRuntime) ListManagedContainers(ctx context.Context) ([]string, error) {
	return f.listed, nil
}

func (f *fakeGCRuntime) Stop(ctx context.Context, containerID string) error { return nil }

func (f *fakeGCRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

type staticNames map[string]bool

func (s staticNames) ManagedContainerNames() map[string]bool { return s }

func TestContainerGCRemovesStrays(t *testing.T) {
	rt := &fakeGCRuntime{listed: []string{"hearth-a", "hearth-b"}}
	w := &ContainerGCWorker{Runtime: rt, Sources: nil}

	w.Run()

	assert.ElementsMatch(t, []string{"hearth-a", "hearth-b"}, rt.removed)
}

func TestContainerGCSparesReferencedContainers(t *testing.T) {
	rt := &fakeGCRuntime{listed: []string{"hearth-live", "hearth-stray", "hearth-dbprod-p1"}}
	w := &ContainerGCWorker{
		Runtime: rt,
		Sources: []ManagedNames{
			staticNames{"hearth-live": true},
			staticNames{"hearth-dbprod-p1": true},
		},
	}

	w.Run()

	assert.Equal(t, []string{"hearth-stray"}, rt.removed)
}

// fakeSyncStore implements the slice of storage.Store the Git-sync worker
// touches, recording inserts.
type fakeSyncStore struct {
	storage.Store

	mu       sync.Mutex
	projects []*types.Project
	inserted []*types.Deployment
	logs     []types.BuildLogEntry
}

func (f *fakeSyncStore) ListProjects() ([]*types.Project, error) {
	return f.projects, nil
}

func (f *fakeSyncStore) HashExistsForProject(project, sha string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.inserted {
		if d.Project == project && d.SHA == sha {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSyncStore) InsertDeployment(d *types.Deployment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, d)
	return d.ID, nil
}

func (f *fakeSyncStore) InsertDeploymentBuildLog(e types.BuildLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
	return nil
}

// fakeGit serves a fixed default-branch head and PR heads, plus config
// files by path.
type fakeGit struct {
	head    gitprovider.Commit
	prHeads []gitprovider.Commit
	files   map[string][]byte
	fileErr error
}

func (f *fakeGit) DefaultBranchHeadByID(ctx context.Context, installationID, repoID int64) (gitprovider.Commit, error) {
	return f.head, nil
}

func (f *fakeGit) OpenPullRequestHeadsByID(ctx context.Context, installationID, repoID int64) ([]gitprovider.Commit, error) {
	return f.prHeads, nil
}

func (f *fakeGit) GetFileAtRefByID(ctx context.Context, installationID, repoID int64, path, sha string) ([]byte, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	if data, ok := f.files[path]; ok {
		return data, nil
	}
	return nil, hearterr.NotFoundf("no file %s", path)
}

func demoProject() *types.Project {
	return &types.Project{
		ID:     "p1",
		Name:   "demo",
		RepoID: 42,
		Env:    []types.EnvEntry{{Name: "FOO", Value: "bar", LastEdited: time.Now()}},
	}
}

func TestGitSyncInsertsDefaultBranchHead(t *testing.T) {
	store := &fakeSyncStore{projects: []*types.Project{demoProject()}}
	git := &fakeGit{head: gitprovider.Commit{SHA: "deadbeef", Branch: "main", Timestamp: time.Now()}}
	w := &GitSyncWorker{Store: store, Provider: git}

	w.Run()

	require.Len(t, store.inserted, 1)
	d := store.inserted[0]
	assert.Equal(t, "deadbeef", d.SHA)
	assert.Equal(t, "main", d.Branch)
	assert.True(t, d.IsDefaultBranch)
	assert.Equal(t, types.BuildResultUnset, d.Result)
	// The env snapshot freezes the project's entries at insert time.
	require.Len(t, d.Env, 1)
	assert.Equal(t, "FOO", d.Env[0].Name)

	// A second pass over the same head inserts nothing new.
	w.Run()
	assert.Len(t, store.inserted, 1)
}

func TestGitSyncInsertsPRHeads(t *testing.T) {
	store := &fakeSyncStore{projects: []*types.Project{demoProject()}}
	git := &fakeGit{
		head:    gitprovider.Commit{SHA: "deadbeef", Branch: "main", Timestamp: time.Now()},
		prHeads: []gitprovider.Commit{{SHA: "cafebabe", Branch: "feature", Timestamp: time.Now()}},
	}
	w := &GitSyncWorker{Store: store, Provider: git}

	w.Run()

	require.Len(t, store.inserted, 2)
	var pr *types.Deployment
	for _, d := range store.inserted {
		if d.SHA == "cafebabe" {
			pr = d
		}
	}
	require.NotNil(t, pr)
	assert.False(t, pr.IsDefaultBranch)
	assert.Equal(t, "feature", pr.Branch)
}

func TestGitSyncUsesRepoConfigFile(t *testing.T) {
	store := &fakeSyncStore{projects: []*types.Project{demoProject()}}
	git := &fakeGit{
		head: gitprovider.Commit{SHA: "deadbeef", Branch: "main"},
		files: map[string][]byte{
			"demo.prezel.json": []byte(`{"visibility":"private"}`),
			"prezel.json":      []byte(`{"visibility":"public"}`),
		},
	}
	w := &GitSyncWorker{Store: store, Provider: git}

	w.Run()

	require.Len(t, store.inserted, 1)
	// The app-scoped file wins over the generic one.
	assert.Equal(t, types.VisibilityPrivate, store.inserted[0].Config.Visibility)
}

func TestGitSyncBadConfigInsertsFailedWithLog(t *testing.T) {
	store := &fakeSyncStore{projects: []*types.Project{demoProject()}}
	git := &fakeGit{
		head: gitprovider.Commit{SHA: "deadbeef", Branch: "main"},
		files: map[string][]byte{
			"prezel.json": []byte(`{"visibility":"standard","bogus":true}`),
		},
	}
	w := &GitSyncWorker{Store: store, Provider: git}

	w.Run()

	require.Len(t, store.inserted, 1)
	assert.Equal(t, types.BuildResultFailed, store.inserted[0].Result)
	require.Len(t, store.logs, 1)
	assert.True(t, store.logs[0].IsError)
	assert.Contains(t, store.logs[0].Content, "deployment config")
}

func TestGitSyncConfigFetchErrorInsertsFailed(t *testing.T) {
	store := &fakeSyncStore{projects: []*types.Project{demoProject()}}
	git := &fakeGit{
		head:    gitprovider.Commit{SHA: "deadbeef", Branch: "main"},
		fileErr: errors.New("rate limited"),
	}
	w := &GitSyncWorker{Store: store, Provider: git}

	w.Run()

	// A non-NotFound config fetch error still inserts the deployment, but
	// marked Failed so the operator sees why it never built.
	require.Len(t, store.inserted, 1)
	assert.Equal(t, types.BuildResultFailed, store.inserted[0].Result)
}

// buildWorld exposes a fixed container set to the Build worker.
type buildWorld struct {
	containers []*container.Container
}

func (b *buildWorld) AllContainers() []*container.Container { return b.containers }

type buildRuntime struct{}

func (buildRuntime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	return true, nil
}
func (buildRuntime) BuildImage(ctx context.Context, imageName, contextDir, dockerfilePath string, buildArgs map[string]string, onLog func(vertex, line string, isError bool)) error {
	return nil
}
func (buildRuntime) CreateAndStart(ctx context.Context, name, image string, env map[string]string, mounts map[string]string) (string, string, error) {
	return "cid", "10.0.0.7", nil
}
func (buildRuntime) Stop(ctx context.Context, containerID string) error   { return nil }
func (buildRuntime) Remove(ctx context.Context, containerID string) error { return nil }

type buildStore struct {
	storage.Store
}

func (buildStore) UpdateDeploymentBuildStart(id string, at time.Time) error    { return nil }
func (buildStore) UpdateDeploymentBuildEnd(id string, at time.Time) error      { return nil }
func (buildStore) UpdateDeploymentResult(id string, r types.BuildResult) error { return nil }
func (buildStore) ClearDeploymentBuildLogs(id string) error                    { return nil }
func (buildStore) InsertDeploymentBuildLog(e types.BuildLogEntry) error        { return nil }

func TestBuildWorkerBuildsQueuedDeployments(t *testing.T) {
	deps := container.Deps{Runtime: buildRuntime{}, Store: buildStore{}}
	queued := container.New(types.Deployment{ID: "d1", Project: "p1", URLSlug: "s1"}, types.Project{ID: "p1"}, deps)
	failed := container.New(types.Deployment{ID: "d2", Project: "p1", URLSlug: "s2", Result: types.BuildResultFailed}, types.Project{ID: "p1"}, deps)

	w := &BuildWorker{World: &buildWorld{containers: []*container.Container{queued, failed}}}
	w.Run()

	assert.Equal(t, container.Built, queued.State())
	assert.Equal(t, container.Failed, failed.State())
}

type fakeChecks struct {
	mu      sync.Mutex
	results []gitprovider.CheckResult
	shas    []string
}

func (f *fakeChecks) UpsertCheckByID(ctx context.Context, installationID, repoID int64, sha string, result gitprovider.CheckResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shas = append(f.shas, sha)
	f.results = append(f.results, result)
	return nil
}

func TestBuildWorkerReportsChecksForPRDeploymentsOnly(t *testing.T) {
	deps := container.Deps{Runtime: buildRuntime{}, Store: buildStore{}}
	pr := container.New(
		types.Deployment{ID: "d1", Project: "p1", URLSlug: "s1", SHA: "cafebabe", Branch: "feature"},
		types.Project{ID: "p1", RepoID: 42, GithubInstallID: 7},
		deps,
	)
	def := container.New(
		types.Deployment{ID: "d2", Project: "p1", URLSlug: "s2", SHA: "deadbeef", Branch: "main", IsDefaultBranch: true},
		types.Project{ID: "p1", RepoID: 42, GithubInstallID: 7},
		deps,
	)

	checks := &fakeChecks{}
	w := &BuildWorker{World: &buildWorld{containers: []*container.Container{pr, def}}, Checks: checks}
	w.Run()

	require.Len(t, checks.shas, 1)
	assert.Equal(t, "cafebabe", checks.shas[0])
	assert.True(t, checks.results[0].Success)
	assert.Equal(t, "hearth/build", checks.results[0].Name)
}

// fakePruner records the live set it was handed.
type fakePruner struct {
	got map[string]bool
}

func (f *fakePruner) PruneBranches(ctx context.Context, live map[string]bool) error {
	f.got = live
	return nil
}

type staticLive map[string]bool

func (s staticLive) LiveDeploymentIDs() map[string]bool { return s }

func TestFilesGCPassesLiveSetToPruner(t *testing.T) {
	pruner := &fakePruner{}
	w := &FilesGCWorker{World: staticLive{"d1": true}, Branches: pruner}

	w.Run()

	assert.Equal(t, map[string]bool{"d1": true}, pruner.got)
}
