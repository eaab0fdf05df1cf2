// Package executor manages the short-lived worker containers that run agent
// tasks: start with injected payload and trace context, reuse, cancel,
// enumerate, and reap.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

// Container labels. The aigc.weibo.com prefix namespaces the scheduling
// labels away from user labels.
const (
	LabelOwner         = "owner"
	LabelTaskID        = "task_id"
	LabelSubtaskID     = "subtask_id"
	LabelUser          = "user"
	LabelPort          = "port"
	LabelTaskType      = "aigc.weibo.com/task-type"
	LabelTeamMode      = "aigc.weibo.com/team-mode"
	LabelSubtaskNextID = "subtask_next_id"

	// OwnerManager marks containers this process may manage.
	OwnerManager = "manager"
)

// dockerAPI is the slice of the Docker SDK the executor uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config holds the container executor's settings.
type Config struct {
	Host            string // docker daemon address, empty for the default socket
	APIVersion      string
	Image           string // default worker image
	NetworkMode     string // "host" or "bridge"
	PortRangeStart  int
	PortRangeEnd    int
	CallbackURL     string // backend /internal/callback URL injected into workers
	APIDomain       string // backend base URL for the worker's API calls
	WorkspacePath   string // optional host path mounted at /workspace
	MountDockerSock bool
	ExecutorVolume  string // named volume holding the executor binary for base_image mode
	ContainerHost   string // host used to reach worker ports, default localhost
	RemoveOnCancel  bool
}

func (c *Config) applyDefaults() {
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = 20000
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = 21000
	}
	if c.ContainerHost == "" {
		c.ContainerHost = "localhost"
	}
	if c.ExecutorVolume == "" {
		c.ExecutorVolume = "agentflow-executor-bin"
	}
}

// ContainerExecutor launches and manages worker containers.
type ContainerExecutor struct {
	cli        dockerAPI
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger
	probeDelay time.Duration
}

// New creates a container executor on a real Docker client.
func New(cfg Config, log *logger.Logger) (*ContainerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithAPI(cli, cfg, log), nil
}

func newWithAPI(cli dockerAPI, cfg Config, log *logger.Logger) *ContainerExecutor {
	cfg.applyDefaults()
	return &ContainerExecutor{
		cli:        cli,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "container_executor")),
		probeDelay: 2 * time.Second,
	}
}

// ExecutorName returns the deterministic container name for a subtask.
func ExecutorName(userID, taskID, subtaskID string) string {
	return fmt.Sprintf("task-%s-%s-%s", userID, taskID, subtaskID)
}

// SubmitExecutor delivers the request to a worker container. When the
// request already names an executor the task is POSTed to the running
// container; otherwise a new container is started with the payload injected
// through the environment.
func (e *ContainerExecutor) SubmitExecutor(ctx context.Context, req *event.Request, taskType string) error {
	if req.ExecutorName != "" {
		return e.submitToExisting(ctx, req)
	}
	return e.startContainer(ctx, req, taskType)
}

// submitToExisting is the reuse path: look up the container's port and POST
// the task to its local API.
func (e *ContainerExecutor) submitToExisting(ctx context.Context, req *event.Request) error {
	port, err := e.containerPort(ctx, req.ExecutorName)
	if err != nil {
		return fmt.Errorf("reuse executor %s: %w", req.ExecutorName, err)
	}
	url := fmt.Sprintf("http://%s:%d/api/tasks/execute", e.cfg.ContainerHost, port)
	if err := e.postJSON(ctx, url, req); err != nil {
		return fmt.Errorf("submit to executor %s: %w", req.ExecutorName, err)
	}
	e.logger.Info("task submitted to existing executor",
		zap.String("executor", req.ExecutorName),
		zap.String("task_id", req.TaskID))
	return nil
}

func (e *ContainerExecutor) startContainer(ctx context.Context, req *event.Request, taskType string) error {
	name := ExecutorName(req.User.ID, req.TaskID, req.SubtaskID)
	port, err := e.allocatePort(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task info: %w", err)
	}

	env := []string{
		"TASK_INFO=" + string(payload),
		"EXECUTOR_NAME=" + name,
		"PORT=" + strconv.Itoa(port),
		"CALLBACK_URL=" + e.cfg.CallbackURL,
		"TASK_API_DOMAIN=" + e.cfg.APIDomain,
	}
	if tc := req.TraceContext; tc != nil {
		if tc.TraceParent != "" {
			env = append(env, "TRACEPARENT="+tc.TraceParent)
		}
		if tc.TraceState != "" {
			env = append(env, "TRACESTATE="+tc.TraceState)
		}
	}

	teamMode := ""
	if req.TeamID != "" {
		teamMode = "pipeline"
	}
	labels := map[string]string{
		LabelOwner:     OwnerManager,
		LabelTaskID:    req.TaskID,
		LabelSubtaskID: req.SubtaskID,
		LabelUser:      req.User.ID,
		LabelPort:      strconv.Itoa(port),
		LabelTaskType:  taskType,
	}
	if teamMode != "" {
		labels[LabelTeamMode] = teamMode
	}

	containerCfg := &container.Config{
		Image:  e.cfg.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(e.cfg.NetworkMode),
	}

	if e.cfg.MountDockerSock {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type: mount.TypeBind, Source: "/var/run/docker.sock", Target: "/var/run/docker.sock",
		})
	}
	if e.cfg.WorkspacePath != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type: mount.TypeBind, Source: e.cfg.WorkspacePath, Target: "/workspace",
		})
	}

	// custom base image: run the user's image with the executor binary
	// mounted from a shared volume and the entrypoint overridden
	if baseImage := customBaseImage(req); baseImage != "" {
		containerCfg.Image = baseImage
		containerCfg.Entrypoint = []string{"/app/executor"}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type: mount.TypeVolume, Source: e.cfg.ExecutorVolume, Target: "/app", ReadOnly: true,
		})
	}

	if e.cfg.NetworkMode != "host" {
		portKey := nat.Port(fmt.Sprintf("%d/tcp", port))
		containerCfg.ExposedPorts = nat.PortSet{portKey: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			portKey: []nat.PortBinding{{HostPort: strconv.Itoa(port)}},
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create executor %s: %w", name, err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start executor %s: %w", name, err)
	}

	e.logger.Info("executor container started",
		zap.String("name", name),
		zap.String("container_id", resp.ID),
		zap.Int("port", port),
		zap.String("task_type", taskType))

	return e.probeStart(ctx, resp.ID, name)
}

// probeStart waits briefly, then inspects the container. A container that
// exited right away gets its last log lines turned into a readable error.
func (e *ContainerExecutor) probeStart(ctx context.Context, containerID, name string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.probeDelay):
	}

	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("probe executor %s: %w", name, err)
	}
	if inspect.State == nil || inspect.State.Running {
		return nil
	}

	tail := e.tailLogs(ctx, containerID, "50")
	reason := DiagnoseCrash(tail)
	e.logger.Error("executor exited immediately",
		zap.String("name", name),
		zap.Int("exit_code", inspect.State.ExitCode),
		zap.String("reason", reason))
	return fmt.Errorf("executor %s exited with code %d: %s", name, inspect.State.ExitCode, reason)
}

func (e *ContainerExecutor) tailLogs(ctx context.Context, containerID, tail string) string {
	rc, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: tail,
	})
	if err != nil {
		e.logger.Debug("log fetch failed", zap.Error(err))
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(io.LimitReader(rc, 64*1024))
	return string(data)
}

// CancelTask tells the worker owning the task to stop.
func (e *ContainerExecutor) CancelTask(ctx context.Context, taskID string) error {
	summary, err := e.findByLabel(ctx, LabelTaskID, taskID)
	if err != nil {
		return err
	}
	if summary == nil {
		return fmt.Errorf("no executor found for task %s", taskID)
	}
	port, err := portFromLabels(summary.Labels)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	url := fmt.Sprintf("http://%s:%d/api/tasks/cancel?task_id=%s", e.cfg.ContainerHost, port, taskID)
	if err := e.postJSON(ctx, url, nil); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	if e.cfg.RemoveOnCancel {
		if err := e.cli.ContainerRemove(ctx, summary.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("remove cancelled executor failed", zap.Error(err))
		}
	}
	return nil
}

// DeleteExecutor force-removes a container, refusing to touch containers not
// owned by the manager.
func (e *ContainerExecutor) DeleteExecutor(ctx context.Context, name string) error {
	inspect, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect executor %s: %w", name, err)
	}
	labels := map[string]string{}
	if inspect.Config != nil {
		labels = inspect.Config.Labels
	}
	if labels[LabelOwner] != OwnerManager {
		return fmt.Errorf("executor %s is not managed by this process", name)
	}
	if err := e.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove executor %s: %w", name, err)
	}
	e.logger.Info("executor removed", zap.String("name", name))
	return nil
}

// RemoveByTaskID removes the container assigned to a task (heartbeat reaper).
func (e *ContainerExecutor) RemoveByTaskID(ctx context.Context, taskID string) error {
	summary, err := e.findByLabel(ctx, LabelTaskID, taskID)
	if err != nil {
		return err
	}
	if summary == nil {
		return nil
	}
	return e.cli.ContainerRemove(ctx, summary.ID, container.RemoveOptions{Force: true})
}

// GetExecutorCount returns the number of running manager-owned containers,
// optionally narrowed by extra label selectors "key=value".
func (e *ContainerExecutor) GetExecutorCount(ctx context.Context, selectors ...string) (int, error) {
	args := filters.NewArgs(filters.Arg("label", LabelOwner+"="+OwnerManager))
	for _, sel := range selectors {
		args.Add("label", sel)
	}
	list, err := e.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list executors: %w", err)
	}
	return len(list), nil
}

// GetCurrentTaskIDs returns the task ids of all running manager-owned
// containers.
func (e *ContainerExecutor) GetCurrentTaskIDs(ctx context.Context) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", LabelOwner+"="+OwnerManager))
	list, err := e.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		if id := c.Labels[LabelTaskID]; id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// allocatePort picks a free port from the configured range by inspecting the
// port labels and published ports of existing containers.
func (e *ContainerExecutor) allocatePort(ctx context.Context) (int, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("list containers for port allocation: %w", err)
	}
	used := make(map[int]bool)
	for _, c := range list {
		if p, err := portFromLabels(c.Labels); err == nil {
			used[p] = true
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				used[int(p.PublicPort)] = true
			}
		}
	}
	for p := e.cfg.PortRangeStart; p <= e.cfg.PortRangeEnd; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", e.cfg.PortRangeStart, e.cfg.PortRangeEnd)
}

func (e *ContainerExecutor) containerPort(ctx context.Context, name string) (int, error) {
	inspect, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		return 0, err
	}
	if inspect.Config != nil {
		if p, err := portFromLabels(inspect.Config.Labels); err == nil {
			return p, nil
		}
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil {
					return p, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("no port recorded for container %s", name)
}

func (e *ContainerExecutor) findByLabel(ctx context.Context, key, value string) (*container.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", key, value)))
	list, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (e *ContainerExecutor) postJSON(ctx context.Context, url string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	return nil
}

func portFromLabels(labels map[string]string) (int, error) {
	raw := labels[LabelPort]
	if raw == "" {
		return 0, fmt.Errorf("port label missing")
	}
	return strconv.Atoi(raw)
}

func customBaseImage(req *event.Request) string {
	for _, b := range req.Bots {
		if b.BaseImage != "" {
			return b.BaseImage
		}
	}
	return ""
}
