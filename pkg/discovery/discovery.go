// Package discovery locates the durable store when no endpoint is
// configured, by checking the local container runtime and probing the
// well-known database ports.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/docker"
)

var (
	// ErrNoEndpointFound is returned when every strategy came up empty.
	ErrNoEndpointFound = errors.New("no database endpoint found")

	// ErrProdUnreachable is returned when the production container runs
	// but neither port is reachable from this host.
	ErrProdUnreachable = errors.New("production database not reachable from this host")
)

// ExplicitEnvVars are checked, in order, for an endpoint URL that bypasses
// discovery.
var ExplicitEnvVars = []string{"RUNWATCH_DB_URL", "DB_URL"}

// Source says how an endpoint was found.
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceContainer Source = "container"
	SourcePort      Source = "port"
	SourceFallback  Source = "fallback"
)

// Endpoint is a resolved database location. URL is set only for explicit
// endpoints taken from the environment.
type Endpoint struct {
	Host   string
	Port   int
	URL    string
	Source Source
}

func (e Endpoint) String() string {
	if e.URL != "" {
		return e.URL
	}

	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Apply writes the endpoint into a database configuration.
func (e Endpoint) Apply(db *config.DatabaseConfig) {
	if e.URL != "" {
		db.URL = e.URL

		return
	}

	db.Postgres.Host = e.Host
	db.Postgres.Port = e.Port
}

// Attempt records one probe and what it found.
type Attempt struct {
	Target string
	Result string
}

// NoEndpointError carries the diagnostics of a failed resolution.
type NoEndpointError struct {
	Environment string
	Attempts    []Attempt
	Hint        string
	prod        bool
}

func (e *NoEndpointError) Error() string {
	var b strings.Builder

	if e.prod {
		b.WriteString(ErrProdUnreachable.Error())
	} else {
		b.WriteString(ErrNoEndpointFound.Error())
	}

	fmt.Fprintf(&b, " (environment %s)", e.Environment)

	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s", a.Target, a.Result)
	}

	if e.Hint != "" {
		b.WriteString("; ")
		b.WriteString(e.Hint)
	}

	return b.String()
}

func (e *NoEndpointError) Unwrap() []error {
	if e.prod {
		return []error{ErrNoEndpointFound, ErrProdUnreachable}
	}

	return []error{ErrNoEndpointFound}
}

// ProbeFunc reports whether something accepts TCP connections at addr.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// DialProbe is the default ProbeFunc.
func DialProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}

// Resolver walks the discovery chain.
type Resolver struct {
	log      logrus.FieldLogger
	cfg      config.DiscoveryConfig
	explicit string
	lister   docker.ContainerLister
	probe    ProbeFunc
	getenv   func(string) string
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithProbe replaces the TCP probe.
func WithProbe(p ProbeFunc) Option {
	return func(r *Resolver) { r.probe = p }
}

// WithEnv replaces the environment lookup used for explicit URLs.
func WithEnv(getenv func(string) string) Option {
	return func(r *Resolver) { r.getenv = getenv }
}

// WithExplicitHost sets a configured host that is used verbatim.
func WithExplicitHost(host string, port int) Option {
	return func(r *Resolver) {
		if host != "" {
			if port == 0 {
				port = 5432
			}

			r.explicit = net.JoinHostPort(host, strconv.Itoa(port))
		}
	}
}

// NewResolver creates a resolver. A nil lister disables container checks.
func NewResolver(
	log logrus.FieldLogger,
	cfg config.DiscoveryConfig,
	lister docker.ContainerLister,
	opts ...Option,
) *Resolver {
	if lister == nil {
		lister = docker.Noop{}
	}

	r := &Resolver{
		log:    log.WithField("component", "discovery"),
		cfg:    cfg,
		lister: lister,
		probe:  DialProbe,
		getenv: os.Getenv,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// NormalizeEnvironment maps an environment tag onto dev, stage or prod.
// Anything else is treated as dev.
func NormalizeEnvironment(environment string) string {
	switch env := strings.ToLower(strings.TrimSpace(environment)); env {
	case "dev", "stage", "prod":
		return env
	default:
		return "dev"
	}
}

type session struct {
	r           *Resolver
	ctx         context.Context
	environment string
	attempts    []Attempt
	probed      map[int]bool
}

func (s *session) portOpen(port int) bool {
	if ok, seen := s.probed[port]; seen {
		return ok
	}

	addr := net.JoinHostPort(s.r.cfg.Host, strconv.Itoa(port))
	ok := s.r.probe(s.ctx, addr, s.r.cfg.ProbeTimeoutDuration())

	result := "closed"
	if ok {
		result = "open"
	}

	s.attempts = append(s.attempts, Attempt{Target: "port " + addr, Result: result})
	s.probed[port] = ok

	return ok
}

func (s *session) endpoint(port int, src Source) Endpoint {
	return Endpoint{Host: s.r.cfg.Host, Port: port, Source: src}
}

// Resolve finds the database endpoint for environment.
func (r *Resolver) Resolve(ctx context.Context, environment string) (Endpoint, error) {
	if r.explicit != "" {
		host, portStr, _ := net.SplitHostPort(r.explicit)
		port, _ := strconv.Atoi(portStr)

		return Endpoint{Host: host, Port: port, Source: SourceExplicit}, nil
	}

	for _, key := range ExplicitEnvVars {
		if v := strings.TrimSpace(r.getenv(key)); v != "" {
			r.log.WithField("var", key).Debug("Using explicit database URL")

			return Endpoint{URL: v, Source: SourceExplicit}, nil
		}
	}

	s := &session{
		r:           r,
		ctx:         ctx,
		environment: NormalizeEnvironment(environment),
		probed:      make(map[int]bool, 2),
	}

	devRunning, prodRunning := r.containers(ctx, s)

	log := r.log.WithFields(logrus.Fields{
		"environment":    s.environment,
		"dev_container":  devRunning,
		"prod_container": prodRunning,
	})
	log.Info("Resolving database endpoint")

	primary, secondary := r.cfg.PrimaryPort, r.cfg.SecondaryPort

	switch s.environment {
	case "prod":
		if prodRunning {
			if s.portOpen(primary) {
				log.WithField("port", primary).Info("Using production container database")

				return s.endpoint(primary, SourceContainer), nil
			}

			log.WithField("port", primary).Warn(
				"Production container is running but its port is not exposed to this host",
			)

			if s.portOpen(secondary) {
				log.WithField("port", secondary).Warn(
					"Falling back to the secondary port; this may not be the production database",
				)

				return s.endpoint(secondary, SourceFallback), nil
			}

			return Endpoint{}, &NoEndpointError{
				Environment: s.environment,
				Attempts:    s.attempts,
				Hint: fmt.Sprintf(
					"expose port %d of %s or set %s", primary, r.cfg.ProdContainer, ExplicitEnvVars[0],
				),
				prod: true,
			}
		}

		if s.portOpen(primary) {
			log.WithField("port", primary).Warn(
				"Production environment without a production container; using the primary port",
			)

			return s.endpoint(primary, SourcePort), nil
		}
	default:
		if prodRunning && !devRunning {
			log.Warnf(
				"%s environment but %s is running instead of %s",
				s.environment, r.cfg.ProdContainer, r.cfg.DevContainer,
			)
		}

		if s.portOpen(primary) {
			if devRunning {
				log.WithField("port", primary).Info("Using development container database")

				return s.endpoint(primary, SourceContainer), nil
			}

			log.WithField("port", primary).Info("Database answered on the primary port")

			return s.endpoint(primary, SourcePort), nil
		}
	}

	if s.portOpen(primary) {
		return s.endpoint(primary, SourceFallback), nil
	}

	if s.portOpen(secondary) {
		log.WithField("port", secondary).Info("Database answered on the secondary port")

		return s.endpoint(secondary, SourceFallback), nil
	}

	return Endpoint{}, &NoEndpointError{
		Environment: s.environment,
		Attempts:    s.attempts,
		Hint:        fmt.Sprintf("start the database or set %s", ExplicitEnvVars[0]),
	}
}

// containers reports whether the dev and prod containers are running.
// Runtime errors count as not running.
func (r *Resolver) containers(ctx context.Context, s *session) (bool, bool) {
	list, err := r.lister.ListRunning(ctx)
	if err != nil {
		r.log.WithError(err).Debug("Container runtime unavailable")
		s.attempts = append(s.attempts, Attempt{Target: "container runtime", Result: err.Error()})

		return false, false
	}

	dev := docker.HasRunning(list, r.cfg.DevContainer)
	prod := docker.HasRunning(list, r.cfg.ProdContainer)

	s.attempts = append(s.attempts,
		Attempt{Target: "container " + r.cfg.DevContainer, Result: runningLabel(dev)},
		Attempt{Target: "container " + r.cfg.ProdContainer, Result: runningLabel(prod)},
	)

	return dev, prod
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}

	return "not running"
}
