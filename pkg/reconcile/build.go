package reconcile

import (
	"context"
	"fmt"

	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/gitprovider"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
)

// WorldView is the slice of the world model the Build and GC workers read.
type WorldView interface {
	AllContainers() []*container.Container
}

// CheckReporter posts a build outcome back onto the commit it built, so an
// open PR shows the preview build's status. Implemented by pkg/gitprovider.
type CheckReporter interface {
	UpsertCheckByID(ctx context.Context, installationID, repoID int64, sha string, result gitprovider.CheckResult) error
}

// BuildWorker drives every Queued deployment through its build step, so a
// cold deployment's image is ready before the first request ever reaches
// the proxy. TriggerBuild itself is a single-flight no-op against
// anything already building or built.
type BuildWorker struct {
	World  WorldView
	Checks CheckReporter // optional
}

// Run performs one Build pass.
func (w *BuildWorker) Run() {
	ctx := context.Background()
	log := hlog.WithComponent("build-worker")
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "build")
		metrics.ReconciliationCyclesTotal.WithLabelValues("build").Inc()
	}()

	for _, c := range w.World.AllContainers() {
		if c.State() != container.Queued {
			continue
		}
		deploymentID := c.Deployment().ID
		log.Info().Str("deployment", deploymentID).Msg("triggering build")
		c.TriggerBuild(ctx)
		if c.State() == container.Failed {
			metrics.ReconciliationErrorsTotal.WithLabelValues("build").Inc()
		}
		w.reportCheck(ctx, c)
	}
}

// reportCheck upserts a check run on a PR deployment's head commit once
// its build reaches a terminal state. Default-branch builds never get a
// check: there is no PR to annotate.
func (w *BuildWorker) reportCheck(ctx context.Context, c *container.Container) {
	if w.Checks == nil {
		return
	}
	d := c.Deployment()
	if d.IsDefaultBranch {
		return
	}
	state := c.State()
	if state != container.Built && state != container.Failed {
		return
	}

	result := gitprovider.CheckResult{
		Name:    "hearth/build",
		Success: state == container.Built,
		Summary: fmt.Sprintf("build of %s on branch %s: %s", d.SHA, d.Branch, state),
	}
	project := c.Project()
	if err := w.Checks.UpsertCheckByID(ctx, project.GithubInstallID, project.RepoID, d.SHA, result); err != nil {
		hlog.WithComponent("build-worker").Error().Err(err).Str("deployment", d.ID).Msg("upsert build check")
	}
}
