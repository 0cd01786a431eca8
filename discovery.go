package replicant

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
)

var ErrDiscoveryClosed = errors.New("discovery: closed")

const (
	tagRole = "role"
	tagQuic = "quic"
)

// Discovery returns the addresses the connection maintainer may dial.
// Implementations are called from the tick and must not block for long.
type Discovery interface {
	Candidates() ([]string, error)
}

// StaticDiscovery always returns the same candidates, in order.
type StaticDiscovery []string

func (s StaticDiscovery) Candidates() ([]string, error) {
	return slices.Clone(s), nil
}

// GossipConfig configures a [GossipDiscovery].
type GossipConfig struct {
	// NodeName must be unique in the cluster, it defaults to the host name.
	NodeName string
	BindAddr string
	BindPort int

	// Role and QuicAddr are advertised to the other members.
	Role     Role
	QuicAddr string

	// Roles of the members returned as candidates, all when empty.
	Roles []Role

	LogHandler   slog.Handler
	MetricLabels []metrics.Label
}

// GossipDiscovery finds candidates through a serf cluster: every member
// advertises its role and the address its QUIC transport listens on.
type GossipDiscovery struct {
	serf    *serf.Serf
	eventCh chan serf.Event
	logger  *slog.Logger
	wanted  map[Role]struct{}

	lk       sync.Mutex
	shutdown bool
	dropCh   chan struct{}
	wg       sync.WaitGroup
}

func NewGossipDiscovery(cfg GossipConfig) (*GossipDiscovery, error) {
	if _, err := cfg.Role.Classify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if _, _, err := net.SplitHostPort(cfg.QuicAddr); err != nil {
		return nil, fmt.Errorf("%w: quic address: %w", ErrInvalidAddr, err)
	}

	g := &GossipDiscovery{
		eventCh: make(chan serf.Event, 512),
		wanted:  make(map[Role]struct{}),
		dropCh:  make(chan struct{}),
	}
	for _, role := range cfg.Roles {
		g.wanted[role] = struct{}{}
	}

	serfCfg := serf.DefaultConfig()
	if ip := net.ParseIP(cfg.BindAddr); ip != nil && ip.IsLoopback() {
		// shorter probes and gossip intervals, members share the host.
		serfCfg.MemberlistConfig = memberlist.DefaultLocalConfig()
	}
	if cfg.NodeName != "" {
		serfCfg.NodeName = cfg.NodeName
	}
	serfCfg.Tags = map[string]string{
		tagRole: string(cfg.Role),
		tagQuic: cfg.QuicAddr,
	}
	serfCfg.MemberlistConfig.BindAddr = cfg.BindAddr
	serfCfg.MemberlistConfig.BindPort = cfg.BindPort
	serfCfg.MemberlistConfig.AdvertisePort = cfg.BindPort
	serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	serfCfg.LogOutput = nil
	serfCfg.QueueDepthWarning = 512
	// Candidates are picked by role, coordinates are useless.
	serfCfg.DisableCoordinates = true
	serfCfg.ValidateNodeNames = true
	serfCfg.CoalescePeriod = 5 * time.Second
	serfCfg.QuiescentPeriod = 1 * time.Second
	serfCfg.EventCh = g.eventCh

	serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	// Logging implementations.
	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	g.logger = slog.New(handler).With("component", "discovery")
	serfCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	serfCfg.MemberlistConfig.Logger = serfCfg.Logger

	s, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.serf = s

	g.wg.Add(1)
	go g.handleEvents()
	return g, nil
}

// Join contacts seeds, the cluster is joined if at least one answers.
func (g *GossipDiscovery) Join(seeds ...string) (int, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.shutdown {
		return 0, ErrDiscoveryClosed
	}
	joined, err := g.serf.Join(seeds, true)
	if err != nil {
		return joined, fmt.Errorf("discovery: join: %w", err)
	}
	if joined != len(seeds) {
		g.logger.Warn(
			"not all seeds are reachable",
			"joined", joined,
			"expected", len(seeds),
		)
	}
	return joined, nil
}

// LocalAddr is the gossip address other members can join.
func (g *GossipDiscovery) LocalAddr() string {
	local := g.serf.LocalMember()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

// Candidates returns the QUIC address of every other alive member
// carrying a wanted role, ordered by member name.
func (g *GossipDiscovery) Candidates() ([]string, error) {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return nil, ErrDiscoveryClosed
	}
	g.lk.Unlock()

	local := g.serf.LocalMember().Name
	members := g.serf.Members()
	slices.SortFunc(members, func(a, b serf.Member) int {
		return cmp.Compare(a.Name, b.Name)
	})

	var candidates []string
	for _, member := range members {
		if member.Name == local || member.Status != serf.StatusAlive {
			continue
		}
		if !g.wants(Role(member.Tags[tagRole])) {
			continue
		}
		addr, ok := member.Tags[tagQuic]
		if !ok {
			continue
		}
		candidates = append(candidates, addr)
	}
	return candidates, nil
}

func (g *GossipDiscovery) wants(role Role) bool {
	if len(g.wanted) == 0 {
		_, err := role.Classify()
		return err == nil
	}
	_, ok := g.wanted[role]
	return ok
}

// Shutdown leaves the cluster then releases every resource.
func (g *GossipDiscovery) Shutdown() error {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return nil
	}
	g.shutdown = true
	g.lk.Unlock()

	g.logger.Info("shutdown: leave cluster")
	if err := g.serf.Leave(); err != nil {
		g.logger.Warn("could not leave gracefully", LabelError.L(err))
	}

	close(g.dropCh)
	err := g.serf.Shutdown()
	g.wg.Wait()
	<-g.serf.ShutdownCh()
	return err
}

func (g *GossipDiscovery) handleEvents() {
	defer g.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-g.eventCh:
		case <-g.dropCh:
			return
		}

		member, ok := event.(serf.MemberEvent)
		if !ok {
			continue
		}
		for _, m := range member.Members {
			withLogMember(g.logger, m).Info(memberEventMessage(member.Type))
		}
	}
}

func memberEventMessage(t serf.EventType) string {
	switch t {
	case serf.EventMemberJoin:
		return "member joined cluster"
	case serf.EventMemberLeave:
		return "member left cluster"
	case serf.EventMemberFailed:
		return "member failed"
	case serf.EventMemberUpdate:
		return "member updated"
	default:
		return "member event"
	}
}

func withLogMember(logger *slog.Logger, m serf.Member) *slog.Logger {
	return logger.With(
		"member", m.Name,
		LabelPeerRole.L(m.Tags[tagRole]),
		LabelPeerAddr.L(m.Tags[tagQuic]),
	)
}
