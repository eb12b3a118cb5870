// Package worldmap holds the in-memory world model: the authoritative view
// of projects, deployments, production selection and the custom-domain
// index that the reverse proxy and Manager API read on every request.
package worldmap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/certstore"
	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

type deploymentKey struct {
	projectID string
	urlSlug   string
}

// Map is the world model. Readers (proxy, Manager API) take RLock; the
// reconciliation pass that rebuilds it takes Lock. Rebuilds must stay
// short: long operations run outside the critical section against
// already-inserted Container actors.
type Map struct {
	mu sync.RWMutex

	store     storage.Store
	certs     *certstore.Store
	newDeps   func(types.Deployment, types.Project) container.Deps

	projectsByID   map[string]types.Project
	projectsByName map[string]string // name -> id
	customDomains  map[string]string // domain -> projectID

	deployments   map[deploymentKey]*container.Container
	prodSelection map[string]string // projectID -> urlSlug
	prodDBs       map[string]bool   // projectID with a production-DB entry (the DB itself is created by the provisioner on first use)
}

// New constructs an empty Map. newDeps builds the collaborator bundle for
// a freshly-discovered deployment's Container actor.
func New(store storage.Store, certs *certstore.Store, newDeps func(types.Deployment, types.Project) container.Deps) *Map {
	return &Map{
		store:          store,
		certs:          certs,
		newDeps:        newDeps,
		projectsByID:   map[string]types.Project{},
		projectsByName: map[string]string{},
		customDomains:  map[string]string{},
		deployments:    map[deploymentKey]*container.Container{},
		prodSelection:  map[string]string{},
		prodDBs:        map[string]bool{},
	}
}

// ReadDBAndBuildUpdates is the nine-step rebuild algorithm, run
// under an exclusive write lock. It is idempotent: repeated calls against
// unchanged persistence leave the map and every container's state unchanged.
func (m *Map) ReadDBAndBuildUpdates(ctx context.Context, idleThreshold time.Duration) error {
	rows, err := m.store.GetDeploymentsWithProjects()
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "load deployments with projects")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Steps 2-3: rebuild project indexes and record a production-DB entry
	// per project. No DB container or data file is created here; the DB
	// provisioner creates them on the first EnsureProductionDB call.
	projectsByID := map[string]types.Project{}
	projectsByName := map[string]string{}
	customDomains := map[string]string{}
	seenProjects := map[string]bool{}
	for _, row := range rows {
		if !seenProjects[row.Project.ID] {
			seenProjects[row.Project.ID] = true
			projectsByID[row.Project.ID] = row.Project
			projectsByName[row.Project.Name] = row.Project.ID
			for _, domain := range row.Project.CustomDomains {
				customDomains[domain] = row.Project.ID
			}
			if !m.prodDBs[row.Project.ID] {
				m.prodDBs[row.Project.ID] = true
			}
		}
	}
	m.projectsByID = projectsByID
	m.projectsByName = projectsByName
	m.customDomains = customDomains

	// Step 4: register custom domains not yet tracked by the cert store.
	if m.certs != nil {
		for domain := range customDomains {
			m.certs.InsertDomain(domain)
		}
	}

	// Steps 5-6: insert new Container actors, drop stale map entries.
	live := map[deploymentKey]bool{}
	for _, row := range rows {
		key := deploymentKey{projectID: row.Project.ID, urlSlug: row.Deployment.URLSlug}
		live[key] = true
		if _, ok := m.deployments[key]; !ok {
			deps := m.newDeps(row.Deployment, row.Project)
			m.deployments[key] = container.New(row.Deployment, row.Project, deps)
		}
	}
	for key := range m.deployments {
		if !live[key] {
			delete(m.deployments, key)
		}
	}

	// Step 7: recompute per-project production selection.
	m.prodSelection = computeProdSelection(rows)

	// Steps 8-9: keep production warm, let everything else idle down.
	// Both paths run on their own goroutines: warming waits on a build
	// and downgrading stops a container through the runtime, and neither
	// may hold the exclusive lock while it does.
	for key, c := range m.deployments {
		isProd := m.prodSelection[key.projectID] == key.urlSlug
		c.SetProdApp(isProd)
		if isProd && c.State() == container.Built {
			go func(c *container.Container) {
				if err := c.EnqueueUp(ctx, ""); err != nil {
					hlog.Error("failed to warm production container: " + err.Error())
				}
			}(c)
		} else if !isProd {
			go func(c *container.Container) {
				c.DowngradeIfUnused(ctx, idleThreshold)
			}(c)
		}
	}

	m.updateGaugesLocked(rows)
	return nil
}

// updateGaugesLocked refreshes the deployment-result and container-state
// gauge vectors from the freshly merged map. Callers must hold m.mu.
func (m *Map) updateGaugesLocked(rows []storage.DeploymentWithProject) {
	byResult := map[types.BuildResult]int{}
	for _, row := range rows {
		byResult[row.Deployment.Result]++
	}
	for _, result := range []types.BuildResult{types.BuildResultUnset, types.BuildResultBuilt, types.BuildResultFailed} {
		name := string(result)
		if name == "" {
			name = "unset"
		}
		metrics.DeploymentsTotal.WithLabelValues(name).Set(float64(byResult[result]))
	}

	byState := map[container.State]int{}
	for _, c := range m.deployments {
		byState[c.State()]++
	}
	for state := container.Queued; state <= container.Failed; state++ {
		metrics.ContainerStateTotal.WithLabelValues(state.String()).Set(float64(byState[state]))
	}
}

// computeProdSelection picks, per project, the latest successfully Built
// default-branch deployment by creation time, falling back to the latest
// default-branch deployment by creation time if none are Built yet.
func computeProdSelection(rows []storage.DeploymentWithProject) map[string]string {
	type candidate struct {
		id        string
		urlSlug   string
		createdAt time.Time
		built     bool
	}
	byProject := map[string][]candidate{}
	for _, row := range rows {
		if !row.Deployment.IsDefaultBranch {
			continue
		}
		byProject[row.Project.ID] = append(byProject[row.Project.ID], candidate{
			id:        row.Deployment.ID,
			urlSlug:   row.Deployment.URLSlug,
			createdAt: row.Deployment.CreatedAt,
			built:     row.Deployment.Result == types.BuildResultBuilt,
		})
	}

	out := map[string]string{}
	for projectID, candidates := range byProject {
		sort.Slice(candidates, func(i, j int) bool {
			// Equal creation times break toward the lexicographically
			// greater deployment id.
			if candidates[i].createdAt.Equal(candidates[j].createdAt) {
				return candidates[i].id > candidates[j].id
			}
			return candidates[i].createdAt.After(candidates[j].createdAt)
		})
		chosen := ""
		for _, c := range candidates {
			if c.built {
				chosen = c.urlSlug
				break
			}
		}
		if chosen == "" && len(candidates) > 0 {
			chosen = candidates[0].urlSlug
		}
		if chosen != "" {
			out[projectID] = chosen
		}
	}
	return out
}

// GetDeployment returns the Container actor for (project, urlSlug).
func (m *Map) GetDeployment(projectID, urlSlug string) (*container.Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.deployments[deploymentKey{projectID: projectID, urlSlug: urlSlug}]
	return c, ok
}

// GetProdDeployment returns the production Container actor for a project.
func (m *Map) GetProdDeployment(projectID string) (*container.Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	urlSlug, ok := m.prodSelection[projectID]
	if !ok {
		return nil, false
	}
	c, ok := m.deployments[deploymentKey{projectID: projectID, urlSlug: urlSlug}]
	return c, ok
}

// ResolveProject resolves a project by its custom domain, or by name.
func (m *Map) ResolveProject(nameOrDomain string) (types.Project, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.customDomains[nameOrDomain]; ok {
		p, ok := m.projectsByID[id]
		return p, ok
	}
	if id, ok := m.projectsByName[nameOrDomain]; ok {
		p, ok := m.projectsByID[id]
		return p, ok
	}
	return types.Project{}, false
}

// AllContainers returns every live Container actor, for the reconciliation
// workers that need to scan deployment state (Build, Container-GC).
func (m *Map) AllContainers() []*container.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*container.Container, 0, len(m.deployments))
	for _, c := range m.deployments {
		out = append(out, c)
	}
	return out
}

// LiveDeploymentIDs returns the set of deployment ids currently tracked,
// used by the Files-GC worker to decide which branch DBs are orphaned.
func (m *Map) LiveDeploymentIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.deployments))
	for _, c := range m.deployments {
		out[c.Deployment().ID] = true
	}
	return out
}

// ManagedContainerNames returns the set of runtime container names every
// live deployment's Container actor currently claims, used by the
// Container-GC worker to decide what is garbage.
func (m *Map) ManagedContainerNames() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make(map[string]bool, len(m.deployments))
	for _, c := range m.deployments {
		names[container.ImageName(c.Deployment().ID)] = true
	}
	return names
}
