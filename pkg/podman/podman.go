package podman

import (
	"context"
	"fmt"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/docker"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// lister implements docker.ContainerLister using Podman Go bindings.
type lister struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerLister = (*lister)(nil)

// NewLister creates a Podman container lister. An empty socket uses
// DefaultSocket.
func NewLister(log logrus.FieldLogger, socket string) docker.ContainerLister {
	if socket == "" {
		socket = DefaultSocket
	}

	return &lister{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}
}

// Start opens the Podman connection.
func (l *lister) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, l.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			l.socket, err,
		)
	}

	l.conn = conn

	info, err := system.Info(l.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop is a no-op; the bindings connection has nothing to release.
func (l *lister) Stop() error {
	return nil
}

// ListRunning returns all running containers.
func (l *lister) ListRunning(_ context.Context) ([]docker.ContainerInfo, error) {
	if l.conn == nil {
		return nil, fmt.Errorf("podman lister not started")
	}

	podmanContainers, err := containers.List(l.conn, &containers.ListOptions{
		Filters: map[string][]string{
			"status": {"running"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		if len(c.Names) == 0 {
			continue
		}

		result = append(result, docker.ContainerInfo{Name: docker.TrimName(c.Names[0])})
	}

	return result, nil
}
