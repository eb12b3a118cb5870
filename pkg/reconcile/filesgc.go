package reconcile

import (
	"context"

	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
)

// LiveDeployments is implemented by the world model.
type LiveDeployments interface {
	LiveDeploymentIDs() map[string]bool
}

// BranchPruner is implemented by the DB provisioner: stop, remove and
// delete the data file of any branch DB whose deployment no longer exists.
type BranchPruner interface {
	PruneBranches(ctx context.Context, live map[string]bool) error
}

// FilesGCWorker removes the on-disk branch-DB directories (and their
// server containers) of deployments no longer present in the world model.
type FilesGCWorker struct {
	World    LiveDeployments
	Branches BranchPruner
}

// Run performs one Files-GC pass.
func (w *FilesGCWorker) Run() {
	ctx := context.Background()
	log := hlog.WithComponent("files-gc")
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "files-gc")
		metrics.ReconciliationCyclesTotal.WithLabelValues("files-gc").Inc()
	}()

	live := w.World.LiveDeploymentIDs()
	if err := w.Branches.PruneBranches(ctx, live); err != nil {
		log.Error().Err(err).Msg("prune branch dbs")
		metrics.ReconciliationErrorsTotal.WithLabelValues("files-gc").Inc()
	}
}
