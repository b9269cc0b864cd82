package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerLauncher runs build workers as local containers.
type DockerLauncher struct {
	inner  *client.Client
	image  string
	logger *slog.Logger
}

// NewDockerLauncher creates a launcher against the local Docker daemon.
func NewDockerLauncher(host, image string, logger *slog.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerLauncher{inner: inner, image: image, logger: logger}, nil
}

// Ping validates connectivity to the Docker daemon.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	if l == nil || l.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := l.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Launch creates and starts a build container. The container removes
// itself on exit; its lifetime is observed through the log channel, not
// through the Docker API.
func (l *DockerLauncher) Launch(ctx context.Context, task Task) error {
	cfg := &container.Config{
		Image: l.image,
		Env: []string{
			envRepoURL + "=" + task.RepoURL,
			envSlug + "=" + task.Slug,
			envSubPath + "=" + task.SubPath,
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: true}

	name := fmt.Sprintf("build-%s-%d", task.Slug, time.Now().Unix())
	created, err := l.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := l.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	l.logger.Info("build container started", "slug", task.Slug, "container_id", created.ID)
	return nil
}

// Close releases resources held by the Docker client.
func (l *DockerLauncher) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}
