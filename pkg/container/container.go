// Package container implements the per-deployment actor: the state machine
// that takes a deployment from Queued through a build to a live,
// network-reachable container, and back down to StandBy when idle.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

// State is one state of the per-deployment actor.
type State int

const (
	Queued State = iota
	Building
	Built
	StandBy
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Building:
		return "building"
	case Built:
		return "built"
	case StandBy:
		return "standby"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DBSetup is the resolved database connection handed to an app container.
type DBSetup struct {
	URL       string
	AuthToken string
}

// Runtime abstracts the container engine: image existence/build plus
// container lifecycle. Implemented by pkg/runtime.
type Runtime interface {
	ImageExists(ctx context.Context, imageName string) (bool, error)
	BuildImage(ctx context.Context, imageName, contextDir, dockerfilePath string, buildArgs map[string]string, onLog func(vertex, line string, isError bool)) error
	CreateAndStart(ctx context.Context, name, image string, env map[string]string, mounts map[string]string) (containerID, ip string, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// SourceFetcher resolves a commit to a local build context directory,
// including recursive submodule resolution. Implemented by pkg/gitprovider.
type SourceFetcher interface {
	FetchSource(ctx context.Context, repoID int64, sha, root string) (dir string, cleanup func(), err error)
}

// DockerfileSynth synthesizes a Dockerfile in dir when the repo has none.
// Implemented by pkg/nixpacks.
type DockerfileSynth interface {
	Synthesize(ctx context.Context, dir, provider string) error
}

// DBProvisioner resolves the database a deployment's app container attaches
// to: the shared production DB, or a forked branch DB.
type DBProvisioner interface {
	EnsureProductionDB(ctx context.Context, projectID string) (DBSetup, error)
	ForkBranchDB(ctx context.Context, projectID, deploymentID string) (DBSetup, error)
}

// Deps bundles every collaborator a Container needs to run the build
// algorithm and lifecycle transitions.
type Deps struct {
	Runtime  Runtime
	Source   SourceFetcher
	Nixpacks DockerfileSynth
	DB       DBProvisioner
	Store    storage.Store
}

// Container is the actor owning one deployment's app container.
type Container struct {
	mu   sync.Mutex
	cond *sync.Cond

	deps Deps

	deployment types.Deployment
	project    types.Project
	isProdApp  bool

	state       State
	imageID     string
	containerID string
	containerIP string
	db          *DBSetup

	lastRequest time.Time
	waking      bool
}

// New constructs a Container in the state implied by the deployment's
// persisted build result (Built→Built, Failed→Failed, else→Queued).
func New(deployment types.Deployment, project types.Project, deps Deps) *Container {
	var state State
	switch deployment.Result {
	case types.BuildResultBuilt:
		state = Built
	case types.BuildResultFailed:
		state = Failed
	default:
		state = Queued
	}
	c := &Container{
		deps:       deps,
		deployment: deployment,
		project:    project,
		state:      state,
	}
	if state == Built {
		// Resumed from a persisted result: the image tag is deterministic,
		// so a wake can start the app without re-running the build.
		c.imageID = ImageName(deployment.ID)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the current state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Deployment returns a copy of the deployment backing this actor.
func (c *Container) Deployment() types.Deployment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployment
}

// Project returns a copy of the owning project.
func (c *Container) Project() types.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

// SetProdApp marks/unmarks this container as the production app container
// of its project, called by the world model on every rebuild pass.
func (c *Container) SetProdApp(isProd bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isProdApp = isProd
}

// IsProdApp reports whether this is currently the project's production app.
func (c *Container) IsProdApp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isProdApp
}

// TouchRequest records that a proxied request just reached this container;
// DowngradeIfUnused consults this to decide idleness.
func (c *Container) TouchRequest() {
	c.mu.Lock()
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

// IP returns the container's bridge IP, valid only while Ready.
func (c *Container) IP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerIP
}

// EnqueueUp ensures the container is running and blocks until it reaches
// Ready or Failed. triggerAccess is an optional identity stamp threaded
// through to the DB-auth token issuer for the caller's session.
func (c *Container) EnqueueUp(ctx context.Context, triggerAccess string) error {
	c.mu.Lock()
	c.lastRequest = time.Now()

	if c.state == Ready {
		c.mu.Unlock()
		return nil
	}

	// Only the first waiter drives the transition; later callers piggy-back
	// on the same in-flight attempt by waiting on the same condition. A
	// build-only attempt (TriggerBuild) ends in Built, so the check is
	// repeated after every wake-up to start the app once it finishes. The
	// wake runs detached from ctx: a caller whose deadline passes stops
	// waiting without aborting the in-flight build.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	timer := metrics.NewTimer()
	for c.state != Ready && c.state != Failed {
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return hearterr.Wrap(hearterr.Transient, err, "wait for container ready")
		}
		if !c.waking && (c.state == Queued || c.state == Built || c.state == StandBy) {
			c.waking = true
			go c.wake(context.WithoutCancel(ctx), triggerAccess)
		}
		c.cond.Wait()
	}
	final := c.state
	c.mu.Unlock()

	if final == Failed {
		return hearterr.New(hearterr.Build, "deployment failed to become ready")
	}
	timer.ObserveDuration(metrics.ContainerWakeDuration)
	return nil
}

// TriggerBuild drives a Queued container through the build step only,
// leaving it Built rather than starting its app container. The Build
// reconciliation worker calls this so a cold deployment's image is ready
// before the first request ever reaches the proxy; it is a no-op if the
// container is not Queued or a wake/build is already in flight.
func (c *Container) TriggerBuild(ctx context.Context) {
	c.mu.Lock()
	if c.state != Queued || c.waking {
		c.mu.Unlock()
		return
	}
	c.waking = true
	c.mu.Unlock()

	if err := c.build(ctx); err != nil {
		hlog.WithDeploymentID(c.deployment.ID).Error().Err(err).Msg("build failed")
		c.finishWaking(Failed)
		return
	}
	c.finishWaking(Built)
}

// wake drives a Queued/Built/StandBy container to Ready: building if
// necessary, then ensuring the DB and app container are running.
func (c *Container) wake(ctx context.Context, triggerAccess string) {
	c.mu.Lock()
	needsBuild := c.state == Queued
	c.mu.Unlock()

	if needsBuild {
		if err := c.build(ctx); err != nil {
			hlog.WithDeploymentID(c.deployment.ID).Error().Err(err).Msg("build failed")
			c.finishWaking(Failed)
			return
		}
	}

	if err := c.startApp(ctx, triggerAccess); err != nil {
		hlog.WithDeploymentID(c.deployment.ID).Error().Err(err).Msg("start failed")
		c.finishWaking(Failed)
		return
	}
	c.finishWaking(Ready)
}

// finishWaking transitions to a terminal state and releases every waiter
// blocked in EnqueueUp.
func (c *Container) finishWaking(s State) {
	c.mu.Lock()
	c.state = s
	c.waking = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// setState transitions the actor outside of a wake cycle (e.g. downgrade).
func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

// startApp ensures the DB setup and app container exist and are running,
// recording the container id/ip on success.
func (c *Container) startApp(ctx context.Context, triggerAccess string) error {
	var db DBSetup
	var err error
	if c.deployment.IsDefaultBranch {
		db, err = c.deps.DB.EnsureProductionDB(ctx, c.project.ID)
	} else {
		db, err = c.deps.DB.ForkBranchDB(ctx, c.project.ID, c.deployment.ID)
	}
	if err != nil {
		return hearterr.Wrap(hearterr.Fatal, err, "db setup")
	}

	c.mu.Lock()
	// A downgraded (StandBy) container was stopped but kept its record; it
	// is replaced by a fresh one rather than treated as running.
	staleID := ""
	if c.state == StandBy {
		staleID = c.containerID
		c.containerID = ""
	}
	alreadyRunning := c.containerID != ""
	imageID := c.imageID
	c.db = &db
	c.mu.Unlock()
	if alreadyRunning {
		return nil
	}
	if staleID != "" {
		if err := c.deps.Runtime.Remove(ctx, staleID); err != nil {
			return hearterr.Wrap(hearterr.Transient, err, "remove stopped app container")
		}
	}

	env := mergeEnv(c.deployment.Env, db, triggerAccess)
	name := managedContainerName(c.deployment.ID)
	id, ip, err := c.deps.Runtime.CreateAndStart(ctx, name, imageID, env, nil)
	if err != nil {
		return hearterr.Wrap(hearterr.Fatal, err, "create app container")
	}
	c.mu.Lock()
	c.containerID = id
	c.containerIP = ip
	c.mu.Unlock()
	return nil
}

// DowngradeIfUnused stops a Ready, non-production container idle past
// threshold, returning it to StandBy. It is a no-op for anything else.
func (c *Container) DowngradeIfUnused(ctx context.Context, threshold time.Duration) {
	c.mu.Lock()
	if c.state != Ready || c.isProdApp {
		c.mu.Unlock()
		return
	}
	idle := time.Since(c.lastRequest)
	if idle < threshold {
		c.mu.Unlock()
		return
	}
	containerID := c.containerID
	c.mu.Unlock()

	if err := c.deps.Runtime.Stop(ctx, containerID); err != nil {
		hlog.WithDeploymentID(c.deployment.ID).Error().Err(err).Msg("stop on downgrade failed")
		return
	}
	c.setState(StandBy)
	metrics.ContainerDowngradesTotal.Inc()
}

// managedContainerName returns the prefixed runtime name for a deployment's
// app container.
func managedContainerName(deploymentID string) string {
	return fmt.Sprintf("hearth-%s", deploymentID)
}

// ImageName is the image tag used for a deployment's build output.
func ImageName(deploymentID string) string {
	return fmt.Sprintf("hearth-%s", deploymentID)
}

const (
	reservedDBURL       = "PREZEL_DB_URL"
	reservedDBToken     = "PREZEL_DB_AUTH_TOKEN"
	reservedLibsqlURL   = "PREZEL_LIBSQL_URL"
	reservedLibsqlToken = "PREZEL_LIBSQL_AUTH_TOKEN"
	reservedAstroURL    = "ASTRO_DB_REMOTE_URL"
	reservedAstroToken  = "ASTRO_DB_APP_TOKEN"
	reservedHost        = "HOST"
	reservedPort        = "PORT"
)

// mergeEnv builds the final container environment: reserved DB/network
// keys always win over a same-named user entry, per the deterministic
// reserved-wins precedence this system uses.
func mergeEnv(userEnv []types.EnvEntry, db DBSetup, triggerAccess string) map[string]string {
	reserved := map[string]string{
		reservedDBURL:       db.URL,
		reservedDBToken:     db.AuthToken,
		reservedLibsqlURL:   db.URL,
		reservedLibsqlToken: db.AuthToken,
		reservedAstroURL:    db.URL,
		reservedAstroToken:  db.AuthToken,
		reservedHost:        "0.0.0.0",
		reservedPort:        "80",
	}
	out := make(map[string]string, len(userEnv)+len(reserved))
	for _, e := range userEnv {
		if _, isReserved := reserved[e.Name]; isReserved {
			continue
		}
		out[e.Name] = e.Value
	}
	for k, v := range reserved {
		out[k] = v
	}
	return out
}
