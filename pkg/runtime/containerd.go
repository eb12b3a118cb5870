package runtime

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	dockerclient "github.com/docker/docker/client"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/hearthhq/hearth/pkg/hearterr"
)

const (
	// Namespace is the containerd namespace hearth isolates its workloads in.
	Namespace = "hearth"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// ManagedPrefix names every container and image this system owns.
	ManagedPrefix = "hearth-"
)

// Runtime implements container.Runtime: containerd drives the container
// lifecycle, the moby SDK (in build.go) drives Dockerfile image builds.
type Runtime struct {
	client    *containerd.Client
	namespace string
	docker    *dockerclient.Client
}

// New connects to containerd at socketPath and to the local Docker engine
// (used only for ImageBuild), returning a Runtime ready for both.
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, hearterr.Wrap(hearterr.Fatal, err, "connect to containerd")
	}
	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		client.Close()
		return nil, hearterr.Wrap(hearterr.Fatal, err, "connect to docker engine")
	}
	return &Runtime{client: client, namespace: Namespace, docker: docker}, nil
}

// Ping reports whether the containerd daemon is reachable and serving,
// used by the health probes.
func (r *Runtime) Ping(ctx context.Context) error {
	serving, err := r.client.IsServing(r.ctx(ctx))
	if err != nil {
		return err
	}
	if !serving {
		return fmt.Errorf("containerd is not serving")
	}
	return nil
}

// Close closes both underlying engine connections.
func (r *Runtime) Close() error {
	if r.docker != nil {
		_ = r.docker.Close()
	}
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// ImageExists reports whether imageName is already present in the
// containerd content store.
func (r *Runtime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := r.client.GetImage(r.ctx(ctx), imageName)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "not found") {
		return false, nil
	}
	return false, hearterr.Wrap(hearterr.Transient, err, "check image existence")
}

// pullImage pulls imageRef into the containerd content store, used for
// production-DB images which are always pulled, never built.
func (r *Runtime) pullImage(ctx context.Context, imageRef string) error {
	_, err := r.client.Pull(r.ctx(ctx), imageRef, containerd.WithPullUnpack)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, fmt.Sprintf("pull image %s", imageRef))
	}
	return nil
}

// CreateAndStart creates a container from image with env, starts it, and
// returns its runtime id and bridge-network IPv4 address.
func (r *Runtime) CreateAndStart(ctx context.Context, name, image string, env map[string]string, mounts map[string]string) (string, string, error) {
	return r.createAndStart(ctx, name, image, env, mounts, nil)
}

// CreateAndStartCommand is CreateAndStart with an explicit entrypoint
// command, overriding whatever the image itself declares. Used by the DB
// provisioner to run the pulled sqld image under a fixed shell command
// rather than its own entrypoint.
func (r *Runtime) CreateAndStartCommand(ctx context.Context, name, image string, env map[string]string, mounts map[string]string, command []string) (string, string, error) {
	return r.createAndStart(ctx, name, image, env, mounts, command)
}

func (r *Runtime) createAndStart(ctx context.Context, name, image string, env map[string]string, mounts map[string]string, command []string) (string, string, error) {
	ctx = r.ctx(ctx)

	img, err := r.client.GetImage(ctx, image)
	if err != nil {
		return "", "", hearterr.Wrap(hearterr.Build, err, fmt.Sprintf("get image %s", image))
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(envSlice),
		oci.WithHostname(name),
	}
	if len(command) > 0 {
		opts = append(opts, oci.WithProcessArgs(command...))
	}
	if len(mounts) > 0 {
		specMounts := make([]specs.Mount, 0, len(mounts))
		for hostPath, containerPath := range mounts {
			specMounts = append(specMounts, specs.Mount{
				Destination: containerPath,
				Type:        "bind",
				Source:      hostPath,
				Options:     []string{"rbind", "rw"},
			})
		}
		opts = append(opts, oci.WithMounts(specMounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(name+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", "", hearterr.Wrap(hearterr.Fatal, err, "create container")
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", "", hearterr.Wrap(hearterr.Fatal, err, "create task")
	}
	if err := task.Start(ctx); err != nil {
		return "", "", hearterr.Wrap(hearterr.Fatal, err, "start task")
	}

	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		return ctrdContainer.ID(), "", hearterr.Wrap(hearterr.Transient, err, "probe container ip")
	}
	return ctrdContainer.ID(), ip, nil
}

// Stop gracefully stops containerID (SIGTERM, then SIGKILL after 10s).
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil // no running task
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "send sigterm")
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "wait for task exit")
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return hearterr.Wrap(hearterr.Transient, err, "send sigkill")
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "delete task")
	}
	return nil
}

// Remove deletes containerID and its snapshot, stopping it first if needed.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if err := r.Stop(ctx, containerID); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "stop before delete")
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "delete container")
	}
	return nil
}

// ListManagedContainers returns the ids of every containerd container
// carrying ManagedPrefix, for the Container-GC worker to sweep.
func (r *Runtime) ListManagedContainers(ctx context.Context) ([]string, error) {
	containers, err := r.client.Containers(r.ctx(ctx))
	if err != nil {
		return nil, hearterr.Wrap(hearterr.Transient, err, "list containers")
	}
	var ids []string
	for _, c := range containers {
		if strings.HasPrefix(c.ID(), ManagedPrefix) {
			ids = append(ids, c.ID())
		}
	}
	return ids, nil
}

// containerIP reads the IPv4 address of pid's network namespace eth0
// interface via nsenter, the same technique the bridge network setup uses
// when containerd has no built-in CNI result to read from.
func containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}
	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("read network namespace: %w (output: %s)", err, output)
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parse address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no ipv4 address found on eth0")
}
