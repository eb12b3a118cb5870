package reconcile

import (
	"context"

	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
)

// Runtime is the slice of pkg/runtime the GC workers need: listing every
// managed container and tearing down whatever turns out to be garbage.
type Runtime interface {
	ListManagedContainers(ctx context.Context) ([]string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// ManagedNames is implemented by both the world model and the DB
// provisioner: each reports the runtime container names it currently
// considers live.
type ManagedNames interface {
	ManagedContainerNames() map[string]bool
}

// ContainerGCWorker stops and removes any `hearth-`-prefixed container not
// referenced by a live deployment's app container or a live production/
// branch DB.
type ContainerGCWorker struct {
	Runtime Runtime
	Sources []ManagedNames
}

// Run performs one Container-GC pass.
func (w *ContainerGCWorker) Run() {
	ctx := context.Background()
	log := hlog.WithComponent("container-gc")
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "container-gc")
		metrics.ReconciliationCyclesTotal.WithLabelValues("container-gc").Inc()
	}()

	live := map[string]bool{}
	for _, src := range w.Sources {
		for name := range src.ManagedContainerNames() {
			live[name] = true
		}
	}

	names, err := w.Runtime.ListManagedContainers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list managed containers")
		metrics.ReconciliationErrorsTotal.WithLabelValues("container-gc").Inc()
		return
	}

	for _, name := range names {
		if live[name] {
			continue
		}
		log.Info().Str("container", name).Msg("removing unreferenced container")
		if err := w.Runtime.Remove(ctx, name); err != nil {
			log.Error().Err(err).Str("container", name).Msg("remove unreferenced container")
			metrics.ReconciliationErrorsTotal.WithLabelValues("container-gc").Inc()
		}
	}
}
