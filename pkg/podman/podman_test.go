package podman

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLister_DefaultSocket(t *testing.T) {
	l := NewLister(logrus.New(), "").(*lister)
	assert.Equal(t, DefaultSocket, l.socket)

	l = NewLister(logrus.New(), "unix:///tmp/podman.sock").(*lister)
	assert.Equal(t, "unix:///tmp/podman.sock", l.socket)
}

func TestLister_NotStarted(t *testing.T) {
	l := NewLister(logrus.New(), "")

	_, err := l.ListRunning(context.Background())
	require.Error(t, err)
	require.NoError(t, l.Stop())
}

func TestLister_StartUnreachableSocket(t *testing.T) {
	socket := "unix://" + filepath.Join(t.TempDir(), "missing.sock")
	l := NewLister(logrus.New(), socket)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to podman socket")
}
