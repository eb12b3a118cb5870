package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/hearthhq/hearth/pkg/hearterr"
)

// BuildImage drives the moby SDK's Dockerfile build against contextDir,
// tagging the result imageName. Every streamed JSON message (a BuildKit
// vertex name, a "CACHED" marker, or an error) is mapped onto the build
// log contract via onLog, satisfying container.Runtime.BuildImage (build
// step 4). containerd has no BuildKit client of its own, so the docker
// engine is the dedicated collaborator for this one step; everything
// else in the container lifecycle still goes through containerd above.
func (r *Runtime) BuildImage(ctx context.Context, imageName, contextDir, dockerfilePath string, buildArgs map[string]string, onLog func(vertex, line string, isError bool)) error {
	tarCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return hearterr.Wrap(hearterr.Build, err, "tar build context")
	}
	defer tarCtx.Close()

	args := make(map[string]*string, len(buildArgs))
	for k, v := range buildArgs {
		val := v
		args[k] = &val
	}

	resp, err := r.docker.ImageBuild(ctx, tarCtx, types.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: dockerfilePath,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return hearterr.Wrap(hearterr.Build, err, "start image build")
	}
	defer resp.Body.Close()

	return streamBuildResponse(resp.Body, onLog)
}

// buildKitMessage is the subset of Docker's streamed build JSON this
// system cares about: either a plain log line ("stream"), a BuildKit
// vertex/status update ("aux"), or a terminal error.
type buildKitMessage struct {
	Stream string `json:"stream"`
	Aux    struct {
		ID      string `json:"id"`
		Started bool   `json:"started,omitempty"`
		Cached  bool   `json:"cached,omitempty"`
	} `json:"aux"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// streamBuildResponse demuxes Docker's JSON-lines build response into the
// build log contract: one onLog call per emitted line, vertex-qualified
// where known, "CACHED X" for cached vertices, errors marked IsError.
func streamBuildResponse(r io.Reader, onLog func(vertex, line string, isError bool)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var buildErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg buildKitMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			onLog("", string(line), false)
			continue
		}

		switch {
		case msg.Error != "":
			onLog("", msg.Error, true)
			buildErr = fmt.Errorf("image build failed: %s", msg.Error)
		case msg.Aux.Cached:
			onLog(msg.Aux.ID, "CACHED "+msg.Aux.ID, false)
		case msg.Stream != "":
			if text := strings.TrimSuffix(msg.Stream, "\n"); text != "" {
				onLog("", text, false)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return hearterr.Wrap(hearterr.Build, err, "read build response stream")
	}
	return buildErr
}

// EnsureImage pulls imageRef into the containerd content store if it is
// not already present, used by the DB provisioner: the embedded SQL
// server image is always pulled, never built.
func (r *Runtime) EnsureImage(ctx context.Context, imageRef string) error {
	exists, err := r.ImageExists(ctx, imageRef)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.pullImage(ctx, imageRef)
}
