package reconcile

import (
	"context"
	"time"

	"github.com/hearthhq/hearth/pkg/gitprovider"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

// GitProvider is the slice of pkg/gitprovider the Git-sync worker needs,
// keyed by a project's numeric repo id rather than owner/repo strings.
type GitProvider interface {
	DefaultBranchHeadByID(ctx context.Context, installationID, repoID int64) (gitprovider.Commit, error)
	OpenPullRequestHeadsByID(ctx context.Context, installationID, repoID int64) ([]gitprovider.Commit, error)
	GetFileAtRefByID(ctx context.Context, installationID, repoID int64, path, sha string) ([]byte, error)
}

// GitSyncWorker discovers new deployments: one for the current default
// branch head of every tracked project, and one for every open pull
// request's head commit.
type GitSyncWorker struct {
	Store    storage.Store
	Provider GitProvider
}

// Run performs one Git-sync pass, logging and continuing past any single
// project's failure rather than aborting the whole pass.
func (w *GitSyncWorker) Run() {
	ctx := context.Background()
	log := hlog.WithComponent("git-sync")
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "git-sync")
		metrics.ReconciliationCyclesTotal.WithLabelValues("git-sync").Inc()
	}()

	projects, err := w.Store.ListProjects()
	if err != nil {
		log.Error().Err(err).Msg("list projects")
		metrics.ReconciliationErrorsTotal.WithLabelValues("git-sync").Inc()
		return
	}

	for _, project := range projects {
		if err := w.syncProject(ctx, *project); err != nil {
			log.Error().Err(err).Str("project", project.ID).Msg("sync project")
			metrics.ReconciliationErrorsTotal.WithLabelValues("git-sync").Inc()
		}
	}
}

func (w *GitSyncWorker) syncProject(ctx context.Context, project types.Project) error {
	head, err := w.Provider.DefaultBranchHeadByID(ctx, project.GithubInstallID, project.RepoID)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "resolve default branch head")
	}
	if err := w.maybeInsert(ctx, project, head, true); err != nil {
		return err
	}

	prHeads, err := w.Provider.OpenPullRequestHeadsByID(ctx, project.GithubInstallID, project.RepoID)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "list open pull request heads")
	}
	for _, commit := range prHeads {
		if err := w.maybeInsert(ctx, project, commit, false); err != nil {
			hlog.WithComponent("git-sync").Error().Err(err).Str("project", project.ID).Str("sha", commit.SHA).Msg("insert pr deployment")
		}
	}
	return nil
}

// maybeInsert inserts a new deployment for commit if its sha is not
// already recorded for this project, fetching and parsing the repo's
// deployment config file at that sha. A config fetch/parse failure
// does not abort the sync; it inserts the deployment as Failed with the
// error recorded as a build log entry, matching the "never block discovery
// on a bad config file" policy.
func (w *GitSyncWorker) maybeInsert(ctx context.Context, project types.Project, commit gitprovider.Commit, isDefault bool) error {
	exists, err := w.Store.HashExistsForProject(project.ID, commit.SHA)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "check existing deployment hash")
	}
	if exists {
		return nil
	}

	deployment := types.Deployment{
		ID:              types.NewShortID(),
		Project:         project.ID,
		URLSlug:         types.NewShortID(),
		Branch:          commit.Branch,
		IsDefaultBranch: isDefault,
		SHA:             commit.SHA,
		CreatedAt:       time.Now(),
		CommitTimestamp: commit.Timestamp,
		Env:             project.Env,
	}

	cfg, cfgErr := w.fetchConfig(ctx, project, commit.SHA)
	if cfgErr != nil {
		deployment.Result = types.BuildResultFailed
	} else {
		deployment.Config = cfg
	}

	id, err := w.Store.InsertDeployment(&deployment)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "insert deployment")
	}
	if cfgErr != nil {
		_ = w.Store.InsertDeploymentBuildLog(types.BuildLogEntry{
			Deployment: id,
			Timestamp:  time.Now(),
			Content:    "deployment config: " + cfgErr.Error(),
			IsError:    true,
		})
	}
	return nil
}

// fetchConfig probes {app_name}.prezel.json first (the preferred name),
// falling back to prezel.json; a missing file yields the documented
// defaults rather than an error.
func (w *GitSyncWorker) fetchConfig(ctx context.Context, project types.Project, sha string) (types.DeploymentConfig, error) {
	for _, name := range []string{project.Name + ".prezel.json", "prezel.json"} {
		data, err := w.Provider.GetFileAtRefByID(ctx, project.GithubInstallID, project.RepoID, name, sha)
		if err == nil {
			return types.ParseDeploymentConfig(data)
		}
		if hearterr.KindOf(err) != hearterr.NotFound {
			return types.DeploymentConfig{}, err
		}
	}
	return types.ParseDeploymentConfig(nil)
}
