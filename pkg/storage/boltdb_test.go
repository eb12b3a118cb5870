package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)

	p := &types.Project{
		ID:            "proj123456",
		Name:          "demo",
		RepoID:        42,
		Root:          ".",
		CustomDomains: []string{"demo.example.com"},
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.UpsertProject(p))

	byID, err := store.GetProject("proj123456")
	require.NoError(t, err)
	assert.Equal(t, "demo", byID.Name)

	byName, err := store.GetProject("demo")
	require.NoError(t, err)
	assert.Equal(t, "proj123456", byName.ID)

	_, err = store.GetProject("missing")
	assert.Error(t, err)
}

func TestUpsertProjectRejectsDuplicateName(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertProject(&types.Project{ID: "aaaaaaaaaa", Name: "demo"}))

	err := store.UpsertProject(&types.Project{ID: "bbbbbbbbbb", Name: "demo"})
	require.Error(t, err)
	assert.Equal(t, hearterr.Conflict, hearterr.KindOf(err))

	// Re-upserting the same project under its own name is fine.
	assert.NoError(t, store.UpsertProject(&types.Project{ID: "aaaaaaaaaa", Name: "demo", Root: "app"}))
}

func TestEnvUpsertAndDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertProject(&types.Project{ID: "p1", Name: "demo"}))

	require.NoError(t, store.UpsertEnv("p1", "FOO", "bar"))
	require.NoError(t, store.UpsertEnv("p1", "FOO", "baz"))
	require.NoError(t, store.UpsertEnv("p1", "OTHER", "x"))

	p, err := store.GetProject("p1")
	require.NoError(t, err)
	require.Len(t, p.Env, 2)
	assert.Equal(t, "baz", p.Env[0].Value)

	require.NoError(t, store.DeleteEnv("p1", "FOO"))
	p, err = store.GetProject("p1")
	require.NoError(t, err)
	require.Len(t, p.Env, 1)
	assert.Equal(t, "OTHER", p.Env[0].Name)
}

func TestDeploymentSoftDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertProject(&types.Project{ID: "p1", Name: "demo"}))

	d := &types.Deployment{ID: "d1", Project: "p1", URLSlug: "slug000001", SHA: "deadbeef", CreatedAt: time.Now()}
	_, err := store.InsertDeployment(d)
	require.NoError(t, err)

	listed, err := store.ListDeployments()
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.DeleteDeployment("d1"))

	listed, err = store.ListDeployments()
	require.NoError(t, err)
	assert.Empty(t, listed)

	// The row itself survives the soft delete.
	got, err := store.GetDeployment("d1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestGetDeploymentsWithProjectsDropsOrphans(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertProject(&types.Project{ID: "p1", Name: "demo"}))

	_, err := store.InsertDeployment(&types.Deployment{ID: "d1", Project: "p1", URLSlug: "slug000001"})
	require.NoError(t, err)
	_, err = store.InsertDeployment(&types.Deployment{ID: "d2", Project: "ghost", URLSlug: "slug000002"})
	require.NoError(t, err)

	rows, err := store.GetDeploymentsWithProjects()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "d1", rows[0].Deployment.ID)
	assert.Equal(t, "demo", rows[0].Project.Name)
}

func TestHashExistsForProject(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertDeployment(&types.Deployment{ID: "d1", Project: "p1", URLSlug: "s1", SHA: "deadbeef"})
	require.NoError(t, err)

	exists, err := store.HashExistsForProject("p1", "deadbeef")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.HashExistsForProject("p1", "cafebabe")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.HashExistsForProject("p2", "deadbeef")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetLatestSuccessfulDefaultBranchDeployment(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	insert := func(id string, created time.Time, result types.BuildResult, def bool) {
		t.Helper()
		_, err := store.InsertDeployment(&types.Deployment{
			ID: id, Project: "p1", URLSlug: "slug-" + id, IsDefaultBranch: def,
			Result: result, CreatedAt: created,
		})
		require.NoError(t, err)
	}

	insert("old", base.Add(-2*time.Hour), types.BuildResultBuilt, true)
	insert("new", base.Add(-1*time.Hour), types.BuildResultBuilt, true)
	insert("failed", base, types.BuildResultFailed, true)
	insert("branch", base, types.BuildResultBuilt, false)

	got, err := store.GetLatestSuccessfulDefaultBranchDeployment("p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.ID)

	got, err = store.GetLatestSuccessfulDefaultBranchDeployment("p2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBuildLogLifecycle(t *testing.T) {
	store := newTestStore(t)

	// Clearing before anything was logged must be a no-op, not an error:
	// the first build of every deployment starts exactly this way.
	require.NoError(t, store.ClearDeploymentBuildLogs("d1"))

	for i, line := range []string{"step 1", "step 2", "boom"} {
		require.NoError(t, store.InsertDeploymentBuildLog(types.BuildLogEntry{
			Deployment: "d1",
			Timestamp:  time.Now(),
			Content:    line,
			IsError:    i == 2,
		}))
	}

	logs, err := store.GetDeploymentBuildLogs("d1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "step 1", logs[0].Content)
	assert.True(t, logs[2].IsError)

	require.NoError(t, store.ClearDeploymentBuildLogs("d1"))
	logs, err = store.GetDeploymentBuildLogs("d1")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestBuildTimestampsUpdate(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertDeployment(&types.Deployment{ID: "d1", Project: "p1", URLSlug: "s1"})
	require.NoError(t, err)

	start := time.Now().Truncate(time.Second)
	require.NoError(t, store.UpdateDeploymentBuildStart("d1", start))
	require.NoError(t, store.UpdateDeploymentBuildEnd("d1", start.Add(time.Minute)))
	require.NoError(t, store.UpdateDeploymentResult("d1", types.BuildResultBuilt))

	d, err := store.GetDeployment("d1")
	require.NoError(t, err)
	require.NotNil(t, d.BuildStarted)
	require.NotNil(t, d.BuildFinished)
	assert.Equal(t, types.BuildResultBuilt, d.Result)

	require.NoError(t, store.ResetDeploymentBuildEnd("d1"))
	d, err = store.GetDeployment("d1")
	require.NoError(t, err)
	assert.Nil(t, d.BuildFinished)
}
