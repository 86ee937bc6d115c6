package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/docker"
)

type fakeLister struct {
	names []string
	err   error
}

func (f *fakeLister) Start(context.Context) error { return nil }

func (f *fakeLister) Stop() error { return nil }

func (f *fakeLister) ListRunning(context.Context) ([]docker.ContainerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}

	list := make([]docker.ContainerInfo, 0, len(f.names))
	for _, n := range f.names {
		list = append(list, docker.ContainerInfo{Name: n})
	}

	return list, nil
}

func openPorts(ports ...int) ProbeFunc {
	open := make(map[int]bool, len(ports))
	for _, p := range ports {
		open[p] = true
	}

	return func(_ context.Context, addr string, _ time.Duration) bool {
		_, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)

		return open[port]
	}
}

func testConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Enabled:       true,
		Host:          "localhost",
		PrimaryPort:   5433,
		SecondaryPort: 5432,
		DevContainer:  "runwatch-db",
		ProdContainer: "runwatch-db-prod",
		ProbeTimeout:  "100ms",
	}
}

func noEnv(string) string { return "" }

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		containers  []string
		listErr     error
		open        []int
		wantPort    int
		wantSource  Source
		wantErr     error
	}{
		{
			name:        "dev container on primary",
			environment: "dev",
			containers:  []string{"runwatch-db"},
			open:        []int{5433, 5432},
			wantPort:    5433,
			wantSource:  SourceContainer,
		},
		{
			name:        "dev without container uses primary",
			environment: "stage",
			open:        []int{5433},
			wantPort:    5433,
			wantSource:  SourcePort,
		},
		{
			name:        "dev falls back to secondary",
			environment: "dev",
			containers:  []string{"runwatch-db"},
			open:        []int{5432},
			wantPort:    5432,
			wantSource:  SourceFallback,
		},
		{
			name:        "dev with only prod container still resolves",
			environment: "dev",
			containers:  []string{"runwatch-db-prod"},
			open:        []int{5433},
			wantPort:    5433,
			wantSource:  SourcePort,
		},
		{
			name:        "prod container on primary",
			environment: "prod",
			containers:  []string{"runwatch-db-prod"},
			open:        []int{5433, 5432},
			wantPort:    5433,
			wantSource:  SourceContainer,
		},
		{
			name:        "prod container falls back to secondary",
			environment: "prod",
			containers:  []string{"runwatch-db-prod"},
			open:        []int{5432},
			wantPort:    5432,
			wantSource:  SourceFallback,
		},
		{
			name:        "prod container unreachable",
			environment: "prod",
			containers:  []string{"runwatch-db-prod", "runwatch-db"},
			wantErr:     ErrProdUnreachable,
		},
		{
			name:        "prod without container uses primary",
			environment: "prod",
			open:        []int{5433},
			wantPort:    5433,
			wantSource:  SourcePort,
		},
		{
			name:        "prod without container falls back to secondary",
			environment: "prod",
			open:        []int{5432},
			wantPort:    5432,
			wantSource:  SourceFallback,
		},
		{
			name:        "unknown environment treated as dev",
			environment: "qa",
			containers:  []string{"runwatch-db"},
			open:        []int{5433},
			wantPort:    5433,
			wantSource:  SourceContainer,
		},
		{
			name:        "runtime error is swallowed",
			environment: "dev",
			listErr:     errors.New("cannot connect to the docker daemon"),
			open:        []int{5432},
			wantPort:    5432,
			wantSource:  SourceFallback,
		},
		{
			name:        "nothing answers",
			environment: "dev",
			wantErr:     ErrNoEndpointFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := logrus.New()
			log.SetLevel(logrus.PanicLevel)

			r := NewResolver(log, testConfig(),
				&fakeLister{names: tt.containers, err: tt.listErr},
				WithProbe(openPorts(tt.open...)),
				WithEnv(noEnv),
			)

			ep, err := r.Resolve(context.Background(), tt.environment)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, ErrNoEndpointFound)

				var nerr *NoEndpointError
				require.ErrorAs(t, err, &nerr)
				assert.NotEmpty(t, nerr.Attempts)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "localhost", ep.Host)
			assert.Equal(t, tt.wantPort, ep.Port)
			assert.Equal(t, tt.wantSource, ep.Source)
		})
	}
}

func TestResolve_DiagnosticsListEveryProbe(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	r := NewResolver(log, testConfig(), &fakeLister{},
		WithProbe(openPorts()), WithEnv(noEnv))

	_, err := r.Resolve(context.Background(), "dev")
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "container runwatch-db: not running")
	assert.Contains(t, msg, "container runwatch-db-prod: not running")
	assert.Contains(t, msg, "port localhost:5433: closed")
	assert.Contains(t, msg, "port localhost:5432: closed")
	assert.Contains(t, msg, "RUNWATCH_DB_URL")
}

func TestResolve_Explicit(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	probeCalled := false
	probe := func(context.Context, string, time.Duration) bool {
		probeCalled = true

		return false
	}

	t.Run("configured host", func(t *testing.T) {
		r := NewResolver(log, testConfig(), nil,
			WithProbe(probe), WithEnv(noEnv), WithExplicitHost("db.internal", 6543))

		ep, err := r.Resolve(context.Background(), "prod")
		require.NoError(t, err)
		assert.Equal(t, Endpoint{Host: "db.internal", Port: 6543, Source: SourceExplicit}, ep)
	})

	t.Run("environment url", func(t *testing.T) {
		env := map[string]string{"DB_URL": "postgres://u:p@h:1/d"}
		r := NewResolver(log, testConfig(), nil,
			WithProbe(probe), WithEnv(func(k string) string { return env[k] }))

		ep, err := r.Resolve(context.Background(), "dev")
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@h:1/d", ep.URL)

		var db config.DatabaseConfig
		ep.Apply(&db)
		assert.Equal(t, "postgres://u:p@h:1/d", db.URL)
	})

	assert.False(t, probeCalled, "explicit endpoints must not probe")
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	assert.True(t, DialProbe(context.Background(), ln.Addr().String(), time.Second))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	assert.False(t, DialProbe(context.Background(), addr, 100*time.Millisecond))
}

func TestNormalizeEnvironment(t *testing.T) {
	assert.Equal(t, "prod", NormalizeEnvironment(" PROD "))
	assert.Equal(t, "stage", NormalizeEnvironment("stage"))
	assert.Equal(t, "dev", NormalizeEnvironment(""))
	assert.Equal(t, "dev", NormalizeEnvironment("qa"))
}
