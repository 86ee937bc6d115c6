package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ContainerLister reports which containers are running on the local
// container runtime.
type ContainerLister interface {
	Start(ctx context.Context) error
	Stop() error

	// ListRunning returns the running containers.
	ListRunning(ctx context.Context) ([]ContainerInfo, error)
}

// ContainerInfo describes a running container. Discovery matches on the
// name only.
type ContainerInfo struct {
	Name string
}

// NewLister creates a Docker-backed container lister.
func NewLister(log logrus.FieldLogger) (ContainerLister, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &lister{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type lister struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerLister = (*lister)(nil)

// Start checks the daemon is reachable.
func (l *lister) Start(ctx context.Context) error {
	if _, err := l.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	l.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the client.
func (l *lister) Stop() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// ListRunning returns all running containers.
func (l *lister) ListRunning(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}

		result = append(result, ContainerInfo{Name: TrimName(c.Names[0])})
	}

	return result, nil
}

// TrimName strips the leading slash the runtimes put on container names.
func TrimName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// HasRunning reports whether a container named exactly name is in list.
func HasRunning(list []ContainerInfo, name string) bool {
	for _, c := range list {
		if c.Name == name {
			return true
		}
	}

	return false
}

// Noop is a lister for hosts without a container runtime. It never finds
// anything.
type Noop struct{}

var _ ContainerLister = Noop{}

func (Noop) Start(context.Context) error { return nil }

func (Noop) Stop() error { return nil }

func (Noop) ListRunning(context.Context) ([]ContainerInfo, error) { return nil, nil }
