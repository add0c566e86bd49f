// Package docker wraps the Docker SDK to provide container lifecycle
// operations for agent containers.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Labels applied to every managed container.
const (
	LabelManaged = "trinity.managed"
	LabelAgent   = "trinity.agent"
)

// ContainerConfig holds configuration for creating an agent container.
type ContainerConfig struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	WorkingDir   string
	Mounts       []MountConfig
	NetworkMode  string
	Labels       map[string]string
	Resources    v1.ResourceLimits
	SSHHostPort  int // host port mapped to container port 22
	HTTPHostPort int // host port mapped to the agent's internal HTTP port
	InternalPort int // agent HTTP port inside the container
}

// MountConfig holds mount configuration.
type MountConfig struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string
	Labels     map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// normalizeErr maps SDK errors onto the API error taxonomy.
func normalizeErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return apperrors.NotFound(format+": not found", args...)
	}
	if errdefs.IsConflict(err) {
		return apperrors.Conflict(format+": %v", append(args, err)...)
	}
	return apperrors.EngineUnavailable(err, format, args...)
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return apperrors.EngineUnavailable(err, "docker daemon unreachable")
	}
	return nil
}

// PullImage pulls an image, blocking until the pull completes.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return normalizeErr(err, "pull image %s", imageName)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.EngineUnavailable(err, "read image pull output for %s", imageName)
	}
	return nil
}

// ImageExists reports whether the image is present locally.
func (c *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, apperrors.EngineUnavailable(err, "inspect image %s", imageName)
	}
	return true, nil
}

// CreateContainer creates an agent container in the stopped state.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image))

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelAgent:   cfg.Name,
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	bind := func(containerPort, hostPort int) {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}
	if cfg.SSHHostPort > 0 {
		bind(22, cfg.SSHHostPort)
	}
	if cfg.HTTPHostPort > 0 && cfg.InternalPort > 0 {
		bind(cfg.InternalPort, cfg.HTTPHostPort)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(cfg.NetworkMode),
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   cfg.Resources.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(cfg.Resources.CPUs * 1e9),
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", normalizeErr(err, "create container %s", cfg.Name)
	}

	c.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	c.logger.Info("starting container", zap.String("container_id", containerID))
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return normalizeErr(err, "start container %s", containerID)
	}
	return nil
}

// StopContainer stops a container with a timeout before SIGKILL.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout))

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return normalizeErr(err, "stop container %s", containerID)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force))

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return normalizeErr(err, "remove container %s", containerID)
	}
	return nil
}

// GetContainerInfo returns information about a container.
func (c *Client) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, normalizeErr(err, "inspect container %s", containerID)
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     trimName(inspect.Name),
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if ts, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		info.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		info.FinishedAt = ts
	}
	return info, nil
}

// ListManaged lists the containers carrying the managed label, including
// stopped ones.
func (c *Client) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, apperrors.EngineUnavailable(err, "list containers")
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimName(ctr.Names[0])
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// ContainerLogs returns a log stream. The caller must close it. The stream
// is in Docker's multiplexed format when the container has no TTY.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, normalizeErr(err, "logs for container %s", containerID)
	}
	return reader, nil
}

// ContainerStats returns a one-shot resource usage snapshot.
func (c *Client) ContainerStats(ctx context.Context, containerID string) (*v1.AgentStats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, normalizeErr(err, "stats for container %s", containerID)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, apperrors.EngineUnavailable(err, "decode stats for container %s", containerID)
	}

	out := &v1.AgentStats{
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	for _, network := range stats.Networks {
		out.NetRxBytes += network.RxBytes
		out.NetTxBytes += network.TxBytes
	}
	return out, nil
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
