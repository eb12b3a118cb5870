package container

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/types"
)

const defaultDockerfilePath = "Dockerfile"

// build runs the image steps of the build algorithm for this deployment's
// app image: skip if the image already exists, else fetch source, resolve
// the build recipe (explicit Dockerfile, forced Nixpacks, or autodetect),
// and stream the build to the deployment's log sink. DB setup and app
// container creation happen later, in startApp.
func (c *Container) build(ctx context.Context) error {
	imageName := ImageName(c.deployment.ID)
	store := c.deps.Store

	start := time.Now()
	if err := store.UpdateDeploymentBuildStart(c.deployment.ID, start); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "record build start")
	}
	if err := store.ClearDeploymentBuildLogs(c.deployment.ID); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "clear previous build logs")
	}
	c.setState(Building)
	timer := metrics.NewTimer()

	exists, err := c.deps.Runtime.ImageExists(ctx, imageName)
	if err != nil {
		return hearterr.Wrap(hearterr.Build, err, "check existing image")
	}

	if !exists {
		if err := c.buildImage(ctx, imageName); err != nil {
			now := time.Now()
			_ = store.UpdateDeploymentBuildEnd(c.deployment.ID, now)
			_ = store.UpdateDeploymentResult(c.deployment.ID, types.BuildResultFailed)
			_ = store.InsertDeploymentBuildLog(types.BuildLogEntry{
				Deployment: c.deployment.ID,
				Timestamp:  now,
				Content:    err.Error(),
				IsError:    true,
			})
			metrics.BuildsTotal.WithLabelValues(string(types.BuildResultFailed)).Inc()
			return err
		}
	}

	now := time.Now()
	if err := store.UpdateDeploymentBuildEnd(c.deployment.ID, now); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "record build end")
	}
	if err := store.UpdateDeploymentResult(c.deployment.ID, types.BuildResultBuilt); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "record build result")
	}

	timer.ObserveDuration(metrics.BuildDuration)
	metrics.BuildsTotal.WithLabelValues(string(types.BuildResultBuilt)).Inc()

	c.mu.Lock()
	c.imageID = imageName
	c.deployment.Result = types.BuildResultBuilt
	c.mu.Unlock()
	c.setState(Built)
	return nil
}

// buildImage fetches source, resolves the Dockerfile, and invokes the
// runtime's image build, streaming every chunk into the build log.
func (c *Container) buildImage(ctx context.Context, imageName string) error {
	dir, cleanup, err := c.deps.Source.FetchSource(ctx, c.project.RepoID, c.deployment.SHA, c.project.Root)
	if err != nil {
		return hearterr.Wrap(hearterr.Build, err, "fetch source")
	}
	defer cleanup()

	dockerfilePath, err := c.resolveDockerfile(ctx, dir)
	if err != nil {
		return err
	}

	buildArgs := make(map[string]string, len(c.deployment.Env))
	for _, e := range c.deployment.Env {
		buildArgs[e.Name] = e.Value
	}

	onLog := func(vertex, line string, isError bool) {
		_ = c.deps.Store.InsertDeploymentBuildLog(types.BuildLogEntry{
			Deployment: c.deployment.ID,
			Timestamp:  time.Now(),
			Content:    formatBuildLine(vertex, line),
			IsError:    isError,
		})
	}

	if err := c.deps.Runtime.BuildImage(ctx, imageName, dir, dockerfilePath, buildArgs, onLog); err != nil {
		return hearterr.Wrap(hearterr.Build, err, "image build")
	}
	return nil
}

// resolveDockerfile decides the build recipe per step 3 of the algorithm:
// an explicit path wins, then a forced Nixpacks provider, then autodetect
// (existing Dockerfile vs. synthesize one).
func (c *Container) resolveDockerfile(ctx context.Context, dir string) (string, error) {
	build := c.deployment.Config.Build

	if build.Backend == types.BackendDockerfile && build.DockerfilePath != "" {
		return build.DockerfilePath, nil
	}

	defaultPath := filepath.Join(dir, defaultDockerfilePath)
	_, statErr := os.Stat(defaultPath)
	hasDockerfile := statErr == nil

	if build.Backend == types.BackendNixpacks || !hasDockerfile {
		if err := c.deps.Nixpacks.Synthesize(ctx, dir, build.NixpacksProvider); err != nil {
			return "", hearterr.Wrap(hearterr.Build, err, "nixpacks synthesis")
		}
		return defaultDockerfilePath, nil
	}

	return defaultDockerfilePath, nil
}

func formatBuildLine(vertex, line string) string {
	if vertex == "" {
		return line
	}
	return vertex + ": " + line
}
