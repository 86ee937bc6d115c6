package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/discovery"
	"github.com/ethpandaops/runwatch/pkg/docker"
	"github.com/ethpandaops/runwatch/pkg/podman"
	"github.com/ethpandaops/runwatch/pkg/store"
)

// newContainerLister returns the lister for the configured runtime. An
// unreachable runtime yields docker.Noop so discovery falls back to ports.
func newContainerLister(ctx context.Context, cfg config.DiscoveryConfig) docker.ContainerLister {
	var lister docker.ContainerLister

	switch cfg.ContainerRuntime {
	case "podman":
		lister = podman.NewLister(log, cfg.PodmanSocket)
	case "docker":
		l, err := docker.NewLister(log)
		if err != nil {
			log.WithError(err).Warn("Docker client unavailable, skipping container checks")

			return docker.Noop{}
		}

		lister = l
	default:
		return docker.Noop{}
	}

	if err := lister.Start(ctx); err != nil {
		log.WithError(err).
			WithField("runtime", cfg.ContainerRuntime).
			Warn("Container runtime unreachable, skipping container checks")

		return docker.Noop{}
	}

	return lister
}

// resolveEndpoint runs discovery for the configured environment.
func resolveEndpoint(ctx context.Context, cfg *config.Config) (discovery.Endpoint, error) {
	lister := newContainerLister(ctx, cfg.Discovery)
	defer func() { _ = lister.Stop() }()

	resolver := discovery.NewResolver(log, cfg.Discovery, lister,
		discovery.WithExplicitHost(cfg.Database.Postgres.Host, cfg.Database.Postgres.Port))

	return resolver.Resolve(ctx, cfg.Global.Environment)
}

// needsDiscovery reports whether the postgres endpoint is left to discovery.
func needsDiscovery(cfg *config.Config) bool {
	return cfg.Database.Driver == "postgres" &&
		cfg.Database.URL == "" &&
		cfg.Database.Postgres.Host == "" &&
		cfg.Discovery.Enabled
}

// openStore resolves the database endpoint when needed and starts the store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if needsDiscovery(cfg) {
		endpoint, err := resolveEndpoint(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("discovering database: %w", err)
		}

		log.WithField("endpoint", endpoint.String()).
			WithField("source", endpoint.Source).
			Info("Discovered database endpoint")

		endpoint.Apply(&cfg.Database)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}
