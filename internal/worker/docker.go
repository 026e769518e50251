package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	containerNamePrefix = "grugfleet-"

	// Resource limits per bot container.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	forceStopWindow = 5 * time.Second
)

// DockerRuntime launches one container per bot instance.
type DockerRuntime struct {
	cli   *client.Client
	image string
}

// NewDockerRuntime creates a Docker-backed worker runtime.
func NewDockerRuntime(image string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker worker runtime initialized", "image", image)
	return &DockerRuntime{cli: cli, image: image}, nil
}

// Name identifies this runtime in instance runtime config.
func (r *DockerRuntime) Name() string { return "docker" }

// Launch creates and starts a container for the bot. A lingering container
// with the same name is stale from a previous process and is recycled first.
func (r *DockerRuntime) Launch(ctx context.Context, cfg LaunchConfig) (Handle, error) {
	containerName := containerNamePrefix + cfg.BotID

	if inspect, err := r.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Recycling stale bot container", "container_id", inspect.ID, "bot_id", cfg.BotID)
		if err := r.removeContainer(ctx, inspect.ID, 0); err != nil {
			return nil, fmt.Errorf("recycle stale container: %w", err)
		}
	}

	env := make([]string, 0, len(cfg.Runtime)+4)
	env = append(env,
		"BOT_ID="+cfg.BotID,
		"BOT_NAME="+cfg.Name,
		"CHAT_TOKEN="+cfg.Token,
	)
	if cfg.Personality != nil {
		env = append(env, "TONE_RULES="+cfg.Personality.ToneRules)
	}
	for k, v := range cfg.Runtime {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}

	config := &container.Config{
		Image: r.image,
		Env:   env,
		Labels: map[string]string{
			"grugfleet.bot_id": cfg.BotID,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Bot container started", "container_id", resp.ID, "bot_id", cfg.BotID)

	h := &dockerHandle{
		cli:         r.cli,
		containerID: resp.ID,
		botID:       cfg.BotID,
		interval:    cfg.HeartbeatInterval,
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
	}
	go h.run()
	return h, nil
}

func (r *DockerRuntime) removeContainer(ctx context.Context, containerID string, graceSecs int) error {
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSecs}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// dockerHandle supervises one bot container. run is the sole sender on and
// closer of the events channel.
type dockerHandle struct {
	cli         *client.Client
	containerID string
	botID       string
	interval    time.Duration
	events      chan Event
	done        chan struct{}
}

func (h *dockerHandle) Events() <-chan Event { return h.events }

func (h *dockerHandle) run() {
	defer close(h.events)
	defer close(h.done)

	ctx := context.Background()
	waitCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			inspect, err := h.cli.ContainerInspect(ctx, h.containerID)
			if err != nil || !inspect.State.Running {
				// Terminal state is reported through waitCh; just skip
				// the heartbeat here.
				continue
			}
			// A reader that has fallen behind misses heartbeats rather
			// than stalling the feed.
			select {
			case h.events <- heartbeat():
			default:
			}
		case resp := <-waitCh:
			if resp.Error != nil {
				h.events <- exit(ExitCrashed, resp.Error.Message)
				return
			}
			if resp.StatusCode == 0 {
				h.events <- exit(ExitNormal, "")
				return
			}
			h.events <- exit(ExitCrashed, fmt.Sprintf("container exited with status %d", resp.StatusCode))
			return
		case err := <-errCh:
			if errdefs.IsNotFound(err) {
				h.events <- exit(ExitKilled, "container removed")
				return
			}
			h.events <- exit(ExitCrashed, fmt.Sprintf("container wait failed: %v", err))
			return
		}
	}
}

// Stop gracefully stops the container within grace, then force-removes it.
func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	if err := h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &graceSecs}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Container stop returned error, continuing to remove", "container_id", h.containerID, "error", err)
	}

	select {
	case <-h.done:
	case <-time.After(grace + forceStopWindow):
		slog.Warn("Container did not confirm exit within grace, forcing removal",
			"container_id", h.containerID, "bot_id", h.botID)
	case <-ctx.Done():
	}

	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		if !strings.Contains(err.Error(), "is already in progress") {
			return fmt.Errorf("remove container %s: %w", h.containerID, err)
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
