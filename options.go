package replicant

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

const (
	// ProtocolVersion spoken by this package.
	ProtocolVersion = "1.0.0"

	// DefaultVersionConstraint accepted from connecting peers.
	DefaultVersionConstraint = "^1.0.0"
)

type config struct {
	trCfg        TransportConfig
	useTransport bool
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	tickInterval       time.Duration
	pingInterval       time.Duration
	maintainInterval   time.Duration
	targetConnections  int
	discovery          Discovery
	connectLimit       rate.Limit
	connectBurst       int
	backoff            BackoffConfig
	maxMessagesPerTick int
	linkBufferSize     uint
	authTimeout        time.Duration

	conflictPolicy ConflictPolicy

	version    *semver.Version
	constraint *semver.Constraints

	spawnShips        *bool
	maxShipsPerClient int
	autoSpawn         *ShipSpawnRequest
}

func defaultConfig() *config {
	return &config{
		tickInterval:       50 * time.Millisecond,
		pingInterval:       1 * time.Second,
		maintainInterval:   1 * time.Second,
		connectLimit:       rate.Every(time.Second),
		connectBurst:       1,
		backoff:            DefaultBackoff,
		maxMessagesPerTick: 256,
		linkBufferSize:     1024,
		authTimeout:        10 * time.Second,
		conflictPolicy:     ConflictReject,
		version:            semver.MustParse(ProtocolVersion),
		constraint:         mustConstraint(DefaultVersionConstraint),
		maxShipsPerClient:  1,
	}
}

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Option to pass to [NewNode].
type Option func(*config) error

// WithTransport enables networking with cfg. The mode defaults to what
// the node role needs: clients dial, simulations accept and hubs do both.
func WithTransport(cfg TransportConfig) Option {
	return func(c *config) error {
		c.trCfg = cfg
		c.useTransport = true
		return nil
	}
}

// WithListenOn specifies which UDP interface the transport binds.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		c.useTransport = true
		return nil
	}
}

// WithServerTLS sets the certificate presented to connecting peers.
func WithServerTLS(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.ServerTLS = tlsConf.Clone()
		c.useTransport = true
		return nil
	}
}

// WithClientTLS sets how servers are verified, see [PinnedClientTLSConfig].
func WithClientTLS(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.ClientTLS = tlsConf.Clone()
		c.useTransport = true
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithTickInterval controls how often [Node.Run] ticks.
func WithTickInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return fmt.Errorf("%w: tick interval must be positive", ErrInvalidCfg)
		}
		c.tickInterval = interval
		return nil
	}
}

// WithPingInterval controls how often every live peer is pinged.
func WithPingInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return fmt.Errorf("%w: ping interval must be positive", ErrInvalidCfg)
		}
		c.pingInterval = interval
		return nil
	}
}

// WithMaintain keeps at least target outbound connections, pending ones
// included, to candidates returned by discovery.
func WithMaintain(target int, interval time.Duration, discovery Discovery) Option {
	return func(c *config) error {
		if target < 0 {
			return fmt.Errorf("%w: negative connection target", ErrInvalidCfg)
		}
		if target > 0 && discovery == nil {
			return fmt.Errorf("%w: a discovery is required to maintain connections", ErrInvalidCfg)
		}
		if interval > 0 {
			c.maintainInterval = interval
		}
		c.targetConnections = target
		c.discovery = discovery
		return nil
	}
}

// WithConnectRate bounds how many connection attempts the maintainer
// makes, across all candidates.
func WithConnectRate(limit rate.Limit, burst int) Option {
	return func(c *config) error {
		if burst < 1 {
			burst = 1
		}
		c.connectLimit = limit
		c.connectBurst = burst
		return nil
	}
}

// WithBackoff controls the delay before retrying a failed candidate.
func WithBackoff(backoff BackoffConfig) Option {
	return func(c *config) error {
		c.backoff = backoff
		return nil
	}
}

// WithConflictPolicy decides what happens when an authority is assigned
// to an entity which already has a different one.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(c *config) error {
		if policy != ConflictReject && policy != ConflictOverwrite {
			return fmt.Errorf("%w: unknown conflict policy %d", ErrInvalidCfg, policy)
		}
		c.conflictPolicy = policy
		return nil
	}
}

// WithProtocolVersion overrides the version we announce and the
// constraint connecting peers must satisfy.
func WithProtocolVersion(version, constraint string) Option {
	return func(c *config) error {
		v, err := semver.NewVersion(version)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		cs, err := semver.NewConstraint(constraint)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		c.version = v
		c.constraint = cs
		return nil
	}
}

// WithShipSpawning makes the node serve /request/ship_spawn itself,
// creating at most maxPerClient ships per requester. Simulations do by
// default.
func WithShipSpawning(enabled bool, maxPerClient int) Option {
	return func(c *config) error {
		if maxPerClient < 1 {
			return fmt.Errorf("%w: at least one ship per client", ErrInvalidCfg)
		}
		c.spawnShips = &enabled
		c.maxShipsPerClient = maxPerClient
		return nil
	}
}

// WithAutoSpawn makes a client request its ship as soon as a server-like
// peer is identified. It never has more than one ship pending or owned.
func WithAutoSpawn(ship Ship, transform Transform) Option {
	return func(c *config) error {
		c.autoSpawn = &ShipSpawnRequest{Ship: ship, Transform: transform}
		return nil
	}
}

// WithMaxMessagesPerTick bounds how many messages are dispatched per
// peer and per tick.
func WithMaxMessagesPerTick(limit int) Option {
	return func(c *config) error {
		if limit < 1 {
			return fmt.Errorf("%w: must dispatch at least one message per tick", ErrInvalidCfg)
		}
		c.maxMessagesPerTick = limit
		return nil
	}
}

// WithAuthTimeout closes links still unauthenticated after timeout.
func WithAuthTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: authentication timeout must be positive", ErrInvalidCfg)
		}
		c.authTimeout = timeout
		return nil
	}
}
