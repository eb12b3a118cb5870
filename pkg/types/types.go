// Package types defines the data model shared across hearth: projects,
// deployments, their frozen config/env snapshots, build logs and TLS
// certificates.
package types

import (
	"crypto/rand"
	"time"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewShortID returns a fresh 10-char lowercase-alphanumeric id, used for
// Project/Deployment ids and Deployment.URLSlug alike.
func NewShortID() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic("types: failed to read random bytes: " + err.Error())
	}
	out := make([]byte, 10)
	for i, b := range buf {
		out[i] = shortIDAlphabet[int(b)%len(shortIDAlphabet)]
	}
	return string(out)
}

// Project is a source repository hearth tracks and deploys.
type Project struct {
	ID             string // 10-char lowercase-alphanumeric
	Name           string // unique
	RepoID         int64
	Root           string // path within the repo, "" or "." for repo root
	CustomDomains  []string
	Env            []EnvEntry
	ProdDeployment  string // optional explicit production deployment id override
	GithubInstallID int64
	CreatedAt      time.Time
}

// EnvEntry is a single user-defined environment variable entry on a Project.
type EnvEntry struct {
	Name       string
	Value      string
	LastEdited time.Time
}

// BuildResult is the terminal outcome of a deployment's most recent build.
type BuildResult string

const (
	BuildResultUnset  BuildResult = ""
	BuildResultBuilt  BuildResult = "built"
	BuildResultFailed BuildResult = "failed"
)

// Visibility controls whether a deployment's proxy route requires auth.
type Visibility string

const (
	VisibilityStandard Visibility = "standard"
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
)

// BuildBackend is the tagged union deciding how a deployment's image is
// produced. The zero value (empty Backend) means "auto": use an existing
// Dockerfile if present, else fall back to Nixpacks.
type BuildBackend struct {
	Backend        string // "dockerfile" | "nixpacks" | ""
	DockerfilePath string // set when Backend == "dockerfile"
	NixpacksProvider string // optional, set when Backend == "nixpacks"
}

const (
	BackendDockerfile = "dockerfile"
	BackendNixpacks   = "nixpacks"
)

// DeploymentConfig is the frozen, immutable-after-insert config snapshot
// parsed from the repo's prezel.json (or {app}.prezel.json) file.
type DeploymentConfig struct {
	Visibility Visibility
	Build      BuildBackend
}

// Deployment is one buildable revision of a Project: either its current
// default-branch head or an open pull request's head commit.
type Deployment struct {
	ID              string
	Project         string // Project.ID
	URLSlug         string // 10-char [a-z0-9], unique within the project
	Branch          string
	IsDefaultBranch bool
	SHA             string
	CreatedAt       time.Time
	CommitTimestamp time.Time
	Result          BuildResult
	BuildStarted    *time.Time
	BuildFinished   *time.Time
	Env             []EnvEntry // frozen at insert time
	Config          DeploymentConfig
	Deleted         bool
}

// BuildLogEntry is one line of a deployment's build output.
type BuildLogEntry struct {
	Deployment string
	Timestamp  time.Time
	Content    string
	IsError    bool
}

// CertState is the lifecycle state of a domain's certificate material.
type CertState string

const (
	CertPending CertState = "pending"
	CertReady   CertState = "ready"
	CertFailed  CertState = "failed"
)

// Certificate is the in-memory record for one domain's TLS material. PEM
// contents themselves live on disk; only paths and state are kept
// here so certstore reads stay cheap under its lock.
type Certificate struct {
	Domain           string
	State            CertState
	CertPath         string
	KeyPath          string
	IntermediatePaths []string
	NotAfter         time.Time
	LastAttempt      time.Time
	FailureCount     int
}
