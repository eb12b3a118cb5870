// Package storage defines the persistence interface and its bbolt
// implementation: durable storage for projects, deployments, their frozen
// env snapshots, build logs and each project's custom domains.
package storage

import (
	"time"

	"github.com/hearthhq/hearth/pkg/types"
)

// DeploymentWithProject is the join the world model needs on every rebuild
// pass: a deployment alongside the project it belongs to.
type DeploymentWithProject struct {
	Deployment types.Deployment
	Project    types.Project
}

// Store is the durable persistence interface. Implementations must make the
// multi-row writes documented per-method transactional.
type Store interface {
	// Projects
	UpsertProject(p *types.Project) error
	UpdateProject(id string, name *string, customDomains []string) error
	DeleteProject(id string) error
	GetProject(idOrName string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)

	// Env (project-scoped; also rides along with deployment snapshots)
	UpsertEnv(project, name, value string) error
	DeleteEnv(project, name string) error

	// Deployments
	InsertDeployment(d *types.Deployment) (string, error)
	DeleteDeployment(id string) error
	GetDeployment(id string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	GetDeploymentsWithProjects() ([]DeploymentWithProject, error)
	UpdateDeploymentResult(id string, result types.BuildResult) error
	UpdateDeploymentBuildStart(id string, at time.Time) error
	UpdateDeploymentBuildEnd(id string, at time.Time) error
	ResetDeploymentBuildEnd(id string) error
	HashExistsForProject(project, sha string) (bool, error)
	GetLatestSuccessfulDefaultBranchDeployment(project string) (*types.Deployment, error)

	// Build logs
	InsertDeploymentBuildLog(entry types.BuildLogEntry) error
	GetDeploymentBuildLogs(id string) ([]types.BuildLogEntry, error)
	ClearDeploymentBuildLogs(id string) error

	Close() error
}
