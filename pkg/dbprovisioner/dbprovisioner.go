// Package dbprovisioner resolves the database a deployment's app container
// attaches to: a single embedded sqld server per project for the
// production branch, forked by copying its data file for every other
// branch. It satisfies container.DBProvisioner.
package dbprovisioner

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
)

// sqldImage pins the embedded SQL server image, always pulled and never
// built.
const sqldImage = "ghcr.io/libsql/sqld:v0.24.28"

const (
	containerDBRoot  = "/tmp/db"
	containerDataLnk = "/tmp/db/data"
	hostDataMount    = "/tmp/db/hostdata"
)

// Runtime is the slice of the container engine the DB provisioner needs:
// pulling the fixed sqld image and launching it with an explicit
// entrypoint command, which the generic container.Runtime.CreateAndStart
// does not support (it always runs the image's own entrypoint).
type Runtime interface {
	EnsureImage(ctx context.Context, imageRef string) error
	CreateAndStartCommand(ctx context.Context, name, image string, env map[string]string, mounts map[string]string, command []string) (containerID, ip string, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

type instance struct {
	containerID string
	ip          string
	dataFile    string
}

// Provisioner implements container.DBProvisioner over a Runtime and the
// on-disk layout (`${dataDir}/{project}/data.db`,
// `${dataDir}/{project}/{deployment}/data.db`).
type Provisioner struct {
	mu      sync.Mutex
	runtime Runtime
	dataDir string
	secret  []byte // per-DB HMAC signing key

	production map[string]*instance // projectID -> running prod DB
	branches   map[string]*instance // deploymentID -> running branch DB
}

// New constructs a Provisioner rooted at dataDir (the `${CONTAINER_ROOT}/dbs`
// directory), signing DB-access tokens with secret.
func New(runtime Runtime, dataDir string, secret []byte) *Provisioner {
	return &Provisioner{
		runtime:    runtime,
		dataDir:    dataDir,
		secret:     secret,
		production: map[string]*instance{},
		branches:   map[string]*instance{},
	}
}

// EnsureProductionDB returns the running production DB for projectID,
// creating its data file and server container on first call.
func (p *Provisioner) EnsureProductionDB(ctx context.Context, projectID string) (container.DBSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.production[projectID]; ok {
		return p.setupFor(projectID, inst), nil
	}

	dataFile := filepath.Join(p.dataDir, projectID, "data.db")
	if err := ensureDataFile(dataFile); err != nil {
		return container.DBSetup{}, err
	}

	name := "hearth-dbprod-" + projectID
	inst, err := p.launch(ctx, name, dataFile)
	if err != nil {
		return container.DBSetup{}, err
	}
	p.production[projectID] = inst
	hlog.WithComponent("dbprovisioner").Info().Str("project", projectID).Msg("production db started")
	return p.setupFor(projectID, inst), nil
}

// ForkBranchDB returns the running branch DB for deploymentID, snapshotting
// the project's current production data file into a deployment-scoped
// directory and launching a server over the copy on first call.
func (p *Provisioner) ForkBranchDB(ctx context.Context, projectID, deploymentID string) (container.DBSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.branches[deploymentID]; ok {
		return p.setupFor(deploymentID, inst), nil
	}

	prodDataFile := filepath.Join(p.dataDir, projectID, "data.db")
	branchDataFile := filepath.Join(p.dataDir, projectID, deploymentID, "data.db")
	if err := forkDataFile(prodDataFile, branchDataFile); err != nil {
		return container.DBSetup{}, err
	}

	name := "hearth-dbbranch-" + deploymentID
	inst, err := p.launch(ctx, name, branchDataFile)
	if err != nil {
		return container.DBSetup{}, err
	}
	p.branches[deploymentID] = inst
	hlog.WithComponent("dbprovisioner").Info().Str("deployment", deploymentID).Msg("branch db started")
	return p.setupFor(deploymentID, inst), nil
}

// launch pulls the sqld image if needed and starts a server over dataFile,
// bind-mounting the host data file and symlinking it into the layout sqld
// expects.
func (p *Provisioner) launch(ctx context.Context, name, dataFile string) (*instance, error) {
	if err := p.runtime.EnsureImage(ctx, sqldImage); err != nil {
		return nil, hearterr.Wrap(hearterr.Upstream, err, "pull sqld image")
	}

	env := map[string]string{
		"SQLD_HTTP_LISTEN_ADDR": "127.0.0.1:80",
		"SQLD_DB_PATH":          containerDBRoot,
	}
	mounts := map[string]string{dataFile: hostDataMount}
	command := []string{
		"/bin/sh", "-c",
		fmt.Sprintf(
			"mkdir -p %s/dbs && ln -s %s %s && ln -s %s %s/dbs/default && exec /bin/sqld",
			containerDBRoot, hostDataMount, containerDataLnk, containerDBRoot, containerDBRoot,
		),
	}

	id, ip, err := p.runtime.CreateAndStartCommand(ctx, name, sqldImage, env, mounts, command)
	if err != nil {
		return nil, hearterr.Wrap(hearterr.Fatal, err, "start sqld container")
	}
	return &instance{containerID: id, ip: ip, dataFile: dataFile}, nil
}

// setupFor builds the DBSetup handed to an app container: a libsql-over-http
// URL plus a permanent signed token baked into the app's environment.
func (p *Provisioner) setupFor(subject string, inst *instance) container.DBSetup {
	return container.DBSetup{
		URL:       fmt.Sprintf("http://%s:80", inst.ip),
		AuthToken: p.permanentToken(subject),
	}
}

// permanentToken signs a long-lived DB-access token baked into container
// env, distinct from the role-bearing API tokens pkg/auth issues — the
// claim shape here is opaque to this system.
func (p *Provisioner) permanentToken(subject string) string {
	return p.sign(subject, time.Time{})
}

// ExpiringToken signs a DB-access token that expires after ttl, for the
// management API to hand out to callers needing time-boxed DB access.
func (p *Provisioner) ExpiringToken(subject string, ttl time.Duration) string {
	return p.sign(subject, time.Now().Add(ttl))
}

func (p *Provisioner) sign(subject string, expires time.Time) string {
	payload := subject + "|" + expires.Format(time.RFC3339)
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payload))
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// ManagedContainerNames returns the runtime names of every production and
// branch DB container currently tracked, so the Container-GC worker never
// mistakes a live DB container for garbage.
func (p *Provisioner) ManagedContainerNames() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make(map[string]bool, len(p.production)+len(p.branches))
	for projectID := range p.production {
		names["hearth-dbprod-"+projectID] = true
	}
	for deploymentID := range p.branches {
		names["hearth-dbbranch-"+deploymentID] = true
	}
	return names
}

// PruneBranches stops, removes and deletes the on-disk data file of every
// branch DB whose deployment id is not in live, the Files-GC worker's
// sweep for branch DBs of deployments that no longer exist.
func (p *Provisioner) PruneBranches(ctx context.Context, live map[string]bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for deploymentID, inst := range p.branches {
		if live[deploymentID] {
			continue
		}
		if err := p.runtime.Remove(ctx, inst.containerID); err != nil && firstErr == nil {
			firstErr = hearterr.Wrap(hearterr.Transient, err, "remove branch db container")
		}
		if err := os.RemoveAll(filepath.Dir(inst.dataFile)); err != nil && firstErr == nil {
			firstErr = hearterr.Wrap(hearterr.Transient, err, "remove branch db directory")
		}
		delete(p.branches, deploymentID)
		hlog.WithComponent("dbprovisioner").Info().Str("deployment", deploymentID).Msg("branch db pruned")
	}
	return firstErr
}

// ensureDataFile creates dataFile's parent directory and an empty file if
// one does not already exist, leaving any existing data file untouched.
func ensureDataFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create db directory")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return hearterr.Wrap(hearterr.Transient, err, "stat db data file")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create db data file")
	}
	return f.Close()
}

// forkDataFile copies src into dst, creating dst's parent directory. It is
// a no-op if dst already exists, so a deployment's branch DB is only ever
// snapshotted once.
func forkDataFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create branch db directory")
	}
	in, err := os.Open(src)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "open production db data file")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create branch db data file")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "copy production db data file")
	}
	return nil
}
