// Package manager owns the world model and the four reconciliation
// workers that keep it honest: it is the single entry point
// the proxy, the management API and the periodic sync loop all call into.
package manager

import (
	"context"
	"time"

	"github.com/hearthhq/hearth/pkg/certstore"
	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/label"
	"github.com/hearthhq/hearth/pkg/reconcile"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
	"github.com/hearthhq/hearth/pkg/worker"
	"github.com/hearthhq/hearth/pkg/worldmap"
)

// DefaultIdleThreshold is how long a non-production container may sit
// idle before the world model downgrades it back to StandBy.
const DefaultIdleThreshold = 5 * time.Minute

// DefaultSyncInterval is how often the periodic tick re-runs Git-sync and
// rebuilds the world model even with no proxy traffic to prompt it.
const DefaultSyncInterval = 5 * time.Minute

// Config holds the tunables SyncWithDB and the periodic loop use.
type Config struct {
	IdleThreshold time.Duration
	SyncInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	return c
}

// Manager owns the world model and wraps the four reconciliation work
// functions in pkg/worker.Worker instances, so concurrent triggers against
// any one of them coalesce into a single pass.
type Manager struct {
	world *worldmap.Map
	store storage.Store
	cfg   Config

	gitSync     *worker.Worker
	build       *worker.Worker
	containerGC *worker.Worker
	filesGC     *worker.Worker

	stopCh chan struct{}
}

// New wires the world model and the four reconciliation workers together.
// gitProvider, rt and branches are the collaborators each worker needs;
// newDeps is the same per-deployment Container.Deps factory the world
// model uses on every rebuild.
func New(
	store storage.Store,
	certs *certstore.Store,
	newDeps func(types.Deployment, types.Project) container.Deps,
	gitProvider interface {
		reconcile.GitProvider
		reconcile.CheckReporter
	},
	rt reconcile.Runtime,
	branches interface {
		reconcile.ManagedNames
		reconcile.BranchPruner
	},
	cfg Config,
) *Manager {
	cfg = cfg.withDefaults()
	world := worldmap.New(store, certs, newDeps)

	gitSyncWork := &reconcile.GitSyncWorker{Store: store, Provider: gitProvider}
	buildWork := &reconcile.BuildWorker{World: world, Checks: gitProvider}
	containerGCWork := &reconcile.ContainerGCWorker{Runtime: rt, Sources: []reconcile.ManagedNames{world, branches}}
	filesGCWork := &reconcile.FilesGCWorker{World: world, Branches: branches}

	return &Manager{
		world:       world,
		store:       store,
		cfg:         cfg,
		gitSync:     worker.New("git-sync", gitSyncWork.Run),
		build:       worker.New("build", buildWork.Run),
		containerGC: worker.New("container-gc", containerGCWork.Run),
		filesGC:     worker.New("files-gc", filesGCWork.Run),
		stopCh:      make(chan struct{}),
	}
}

// SyncWithDB rebuilds the world model from persistence and triggers the
// Build, Container-GC and Files-GC workers against the new state. It does
// not itself trigger Git-sync: that only needs to run on the periodic tick
// or an explicit caller request, never on every world-model read.
func (m *Manager) SyncWithDB(ctx context.Context) error {
	if err := m.world.ReadDBAndBuildUpdates(ctx, m.cfg.IdleThreshold); err != nil {
		return err
	}
	m.build.Trigger()
	m.containerGC.Trigger()
	m.filesGC.Trigger()
	return nil
}

// TriggerGitSync runs a Git-sync pass and blocks until it completes,
// exposed so the management API can offer an on-demand "redeploy/refresh"
// action as well as the periodic tick.
func (m *Manager) TriggerGitSync() {
	m.gitSync.TriggerAndWait()
}

// Start begins the periodic tick: Git-sync followed by a SyncWithDB pass,
// every cfg.SyncInterval, independent of proxy traffic.
func (m *Manager) Start() {
	go m.runPeriodic()
}

// Stop ends the periodic tick. In-flight worker passes finish naturally.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) runPeriodic() {
	log := hlog.WithComponent("manager")
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.gitSync.TriggerAndWait()
			if err := m.SyncWithDB(context.Background()); err != nil {
				log.Error().Err(err).Msg("periodic sync failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// GetDeployment returns the Container actor for (project, urlSlug).
func (m *Manager) GetDeployment(projectID, urlSlug string) (*container.Container, bool) {
	return m.world.GetDeployment(projectID, urlSlug)
}

// GetProdDeployment returns the production Container actor for a project.
func (m *Manager) GetProdDeployment(projectID string) (*container.Container, bool) {
	return m.world.GetProdDeployment(projectID)
}

// ResolveProject resolves a project by custom domain or name.
func (m *Manager) ResolveProject(nameOrDomain string) (types.Project, bool) {
	return m.world.ResolveProject(nameOrDomain)
}

// World exposes the underlying world model, mainly so the proxy (which
// only needs the narrower WorldView it declares) can be constructed
// directly against it.
func (m *Manager) World() *worldmap.Map {
	return m.world
}

// GetContainerByHostname resolves hostname against boxDomain through the
// label grammar down to a Container actor, answering "what's running at
// this host" queries.
func (m *Manager) GetContainerByHostname(hostname, boxDomain string) (*container.Container, error) {
	lbl, err := label.Strip(hostname, boxDomain)
	if err != nil {
		return nil, hearterr.Wrap(hearterr.NotFound, err, "parse hostname")
	}
	project, ok := m.world.ResolveProject(lbl.Project)
	if !ok {
		return nil, hearterr.NotFoundf("unknown project %q", lbl.Project)
	}

	switch lbl.Kind {
	case label.Prod, label.ProdDB:
		c, ok := m.world.GetProdDeployment(project.ID)
		if !ok {
			return nil, hearterr.NotFoundf("no production deployment for %q", project.Name)
		}
		return c, nil
	default:
		c, ok := m.world.GetDeployment(project.ID, lbl.Deployment)
		if !ok {
			return nil, hearterr.NotFoundf("unknown deployment %q", lbl.Deployment)
		}
		return c, nil
	}
}
