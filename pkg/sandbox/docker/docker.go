package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "sandboxd"
	// LabelSessionKey records which session a container belongs to.
	LabelSessionKey = "sandboxd.session"
	// LabelInstanceID records the orchestrator instance ID of a container.
	LabelInstanceID = "sandboxd.instance"
	// LabelPort records the template port published by the container.
	LabelPort = "sandboxd.port"
	// StopTimeoutSeconds is how long a container gets to exit before it is killed.
	StopTimeoutSeconds = 10
)

// Runtime implements sandbox.Runtime using Docker containers.
type Runtime struct {
	client *client.Client
	hostIP string
	logger *slog.Logger
}

// Verify interface compliance.
var _ sandbox.Runtime = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithHostIP sets the host address published ports are bound to.
// Defaults to 127.0.0.1.
func WithHostIP(ip string) Option {
	return func(r *Runtime) { r.hostIP = ip }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a Docker runtime from the environment (DOCKER_HOST etc).
func New(opts ...Option) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	r := &Runtime{client: cli, hostIP: "127.0.0.1", logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runtime) Name() string { return "docker" }

// Ping checks that the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Create creates (but does not start) a container for the template, pulling
// the image first when it is not present locally.
func (r *Runtime) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Handle, error) {
	tpl := req.Template
	if err := r.ensureImage(ctx, tpl.Image); err != nil {
		return "", err
	}

	port := templatePort(tpl)
	entrypoint, cmd := bootCommand(tpl)
	cfg := &container.Config{
		Image: tpl.Image,
		Env:   envList(sandbox.MergeEnv(tpl.Env, req.Env)),
		Labels: map[string]string{
			LabelManager:    LabelManagerValue,
			LabelSessionKey: req.SessionKey,
			LabelInstanceID: req.InstanceID,
			LabelPort:       strconv.Itoa(tpl.Port),
		},
		ExposedPorts: nat.PortSet{
			port: {},
		},
	}
	if len(entrypoint) > 0 {
		cfg.Entrypoint = entrypoint
	}
	if len(cmd) > 0 {
		cfg.Cmd = cmd
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   r.hostIP,
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
		Resources: container.Resources{
			Memory:   tpl.MemoryMiB * 1024 * 1024,
			NanoCPUs: tpl.NanoCPUs,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(req.InstanceID, req.Attempt))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("Docker create warning", "instanceID", req.InstanceID, "warning", w)
	}
	return sandbox.Handle(resp.ID), nil
}

// Start starts the container and returns the published endpoint.
func (r *Runtime) Start(ctx context.Context, h sandbox.Handle) (string, error) {
	if err := r.client.ContainerStart(ctx, string(h), types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	c, err := r.client.ContainerInspect(ctx, string(h))
	if err != nil {
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	hostPort, err := publishedPort(c)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(r.endpointHost(), hostPort), nil
}

// Stop stops the container, giving it StopTimeoutSeconds to exit.
func (r *Runtime) Stop(ctx context.Context, h sandbox.Handle) error {
	timeout := StopTimeoutSeconds
	err := r.client.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// Destroy force-removes the container and its anonymous volumes.
func (r *Runtime) Destroy(ctx context.Context, h sandbox.Handle) error {
	err := r.client.ContainerRemove(ctx, string(h), types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, h sandbox.Handle) (sandbox.Status, error) {
	c, err := r.client.ContainerInspect(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.Status{}, fmt.Errorf("container %s: %w", h, sandbox.ErrNotFound)
		}
		return sandbox.Status{}, fmt.Errorf("inspecting container: %w", err)
	}
	if c.State == nil {
		return sandbox.Status{}, fmt.Errorf("container %s has no state", h)
	}
	st := sandbox.Status{Running: c.State.Running}
	if !c.State.Running {
		code := c.State.ExitCode
		st.ExitCode = &code
	}
	return st, nil
}

// Logs follows the container's stdout and stderr, demultiplexed into a
// single stream.
func (r *Runtime) Logs(ctx context.Context, h sandbox.Handle) (io.ReadCloser, error) {
	rc, err := r.client.ContainerLogs(ctx, string(h), types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("reading container logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (r *Runtime) List(ctx context.Context) ([]sandbox.Unit, error) {
	containers, err := r.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing managed containers: %w", err)
	}
	units := make([]sandbox.Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, sandbox.Unit{
			Handle:     sandbox.Handle(c.ID),
			InstanceID: c.Labels[LabelInstanceID],
			SessionKey: c.Labels[LabelSessionKey],
		})
	}
	return units, nil
}

// Close releases the Docker client resources.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// --- internal helpers ---

func (r *Runtime) ensureImage(ctx context.Context, image string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", image, err)
	}
	r.logger.Info("Pulling sandbox image", "image", image)
	rc, err := r.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.InvalidRequest(fmt.Sprintf("image %s does not exist", image))
		}
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	return nil
}

func (r *Runtime) endpointHost() string {
	if r.hostIP == "" || r.hostIP == "0.0.0.0" {
		return "127.0.0.1"
	}
	return r.hostIP
}

// containerName is unique per attempt: a unit left behind by a failed
// teardown must not block the next attempt of the same instance.
func containerName(instanceID string, attempt int) string {
	return fmt.Sprintf("sandboxd-%s-%d", instanceID, attempt)
}

func templatePort(tpl domain.Template) nat.Port {
	return nat.Port(strconv.Itoa(tpl.Port) + "/tcp")
}

func publishedPort(c types.ContainerJSON) (string, error) {
	if c.Config == nil || c.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", c.ID)
	}
	port := nat.Port(c.Config.Labels[LabelPort] + "/tcp")
	bindings := c.NetworkSettings.Ports[port]
	if len(bindings) > 0 && bindings[0].HostPort != "" {
		return bindings[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port %s not mapped", port)
}

// bootCommand runs the template's boot script in a shell and then execs the
// entrypoint, so the entrypoint ends up as PID 1.
func bootCommand(tpl domain.Template) (entrypoint, cmd []string) {
	if tpl.BootScript == "" {
		return tpl.Entrypoint, nil
	}
	script := tpl.BootScript
	if len(tpl.Entrypoint) > 0 {
		quoted := make([]string, len(tpl.Entrypoint))
		for i, arg := range tpl.Entrypoint {
			quoted[i] = shellQuote(arg)
		}
		script += "\nexec " + strings.Join(quoted, " ")
	}
	return []string{"/bin/sh", "-c"}, []string{script}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
