package replicant

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/replicant/pkg/flow"
	"golang.org/x/time/rate"
)

// Intent asks to send the current value of one component of Entity to
// Endpoint. Intents are consumed by the tick they are created in.
type Intent struct {
	Kind     ComponentKind
	Entity   Identity
	Endpoint ConnID
}

type pendingCall struct {
	peer      ConnID
	path      Path
	fut       *flow.Future[Envelope]
	onReply   func(Envelope)
	onSevered func()
}

type offeredLink struct {
	link     Link
	outbound bool
	addr     string
}

// Node is one process of the mesh: a client, an AI, the simulation or a
// replication hub. All of its domain state is mutated by [Node.Tick]
// which never blocks; I/O happens on the goroutines of its links.
type Node struct {
	identity Identity
	cfg      *config
	logger   *slog.Logger
	msink    metrics.MetricSink
	mLabels  []metrics.Label

	transport *Transport
	registry  *Registry
	router    *Router
	world     *World

	// knownPeers maps every peer identity we heard of to the link which
	// introduced it, so it is forgotten along with that link.
	knownPeers map[Identity]ConnID
	intents    []Intent
	calls      []*pendingCall
	offered    *flow.Queue[offeredLink]
	ship       shipState
	maintainer maintainer

	now          time.Time
	lastPing     time.Time
	lastMaintain time.Time

	// synchronisation, Tick and the public accessors hold it.
	lk     sync.Mutex
	closed bool
}

// NewNode creates a node speaking as identity. Its role is the noun of
// identity and MUST be one of the known roles.
func NewNode(identity Identity, opts ...Option) (*Node, error) {
	if _, err := identity.Role().Classify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n := &Node{
		identity:   identity,
		cfg:        cfg,
		registry:   NewRegistry(),
		world:      NewWorld(cfg.conflictPolicy),
		knownPeers: make(map[Identity]ConnID),
		offered:    flow.NewQueue[offeredLink](64),
	}

	// Logging implementations.
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNode.L(identity))

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	n.msink = cfg.msink
	n.mLabels = withLabels(cfg.metricLabels, LabelPeerRole.M(identity.Noun))

	if cfg.spawnShips == nil {
		spawn := identity.Role() == RoleSimulation
		cfg.spawnShips = &spawn
	}

	n.maintainer = maintainer{
		limiter:  rate.NewLimiter(cfg.connectLimit, cfg.connectBurst),
		failures: make(map[string]*candidateState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	n.router = NewRouter(n.logger, n.msink, n.mLabels)
	n.registerAuthHandlers()
	n.registerAuthorityHandlers()
	n.registerReplicationHandlers()
	n.registerSpawnHandlers()
	n.registerKeepAliveHandlers()

	if cfg.useTransport {
		trCfg := cfg.trCfg
		if trCfg.Mode == 0 {
			trCfg.Mode = defaultMode(identity.Role())
		}
		if trCfg.LogHandler == nil {
			trCfg.LogHandler = n.logger.Handler()
		}
		if trCfg.MetricSink == nil {
			trCfg.MetricSink = n.msink
		}
		if trCfg.MetricLabels == nil {
			trCfg.MetricLabels = cfg.metricLabels
		}
		tr, err := NewTransport(&trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.transport = tr
	}

	n.logger.Info("node created", "transport", cfg.useTransport)
	return n, nil
}

func defaultMode(role Role) Mode {
	switch role {
	case RoleSimulation:
		return ModeServer
	case RoleReplication:
		return ModeBoth
	default:
		return ModeClient
	}
}

func (n *Node) Identity() Identity {
	return n.identity
}

// Transport is nil for nodes only linked in-process.
func (n *Node) Transport() *Transport {
	return n.transport
}

// Connect dials addr, the link shows up on a later tick.
func (n *Node) Connect(addr string) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.transport == nil {
		return fmt.Errorf("%w: no transport configured", ErrModeMismatch)
	}
	n.dial(addr)
	return nil
}

func (n *Node) dial(addr string) {
	if n.registry.IsConnecting(addr) {
		return
	}
	n.registry.TrackConnecting(n.transport.Connect(addr))
	n.logger.Debug("dialing", LabelPeerAddr.L(addr))
}

// ConnectLocal links n to other in-process, n being the connecting side.
func (n *Node) ConnectLocal(other *Node) error {
	left, right := newLocalPair(n.bridgeConfig(), other.bridgeConfig())
	if err := n.offer(offeredLink{link: left, outbound: true}); err != nil {
		left.Close("node closed")
		return err
	}
	if err := other.offer(offeredLink{link: right}); err != nil {
		left.Close("remote node closed")
		return err
	}
	return nil
}

func (n *Node) bridgeConfig() bridgeConfig {
	return bridgeConfig{
		logger:             n.logger,
		msink:              n.msink,
		metricLabels:       n.mLabels,
		inboundBufferSize:  n.cfg.linkBufferSize,
		outboundBufferSize: n.cfg.linkBufferSize,
	}
}

func (n *Node) offer(link offeredLink) error {
	if err := n.offered.TryPush(link); err != nil {
		if errors.Is(err, flow.ErrFlowFull) {
			return fmt.Errorf("%w: too many pending links", ErrOutboundFull)
		}
		return ErrNodeClosed
	}
	return nil
}

// Run ticks every tick interval until ctx is done, then shuts the node
// down.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.Shutdown()
		case now := <-ticker.C:
			if err := n.Tick(now); err != nil {
				return err
			}
		}
	}
}

// Tick runs every system once, in order. It never blocks on I/O.
func (n *Node) Tick(now time.Time) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	start := time.Now()
	n.now = now

	n.reapDisconnected()
	n.expireUnidentified()
	n.pollConnecting()
	n.acceptLinks()
	// responses first: a peer we authenticate with may already be
	// talking to us as an identified peer.
	n.pollCalls()
	n.receive()
	n.subscribe()
	n.spawnPolicy()
	n.flush()
	n.keepAlive()
	n.maintain()

	n.msink.SetGaugeWithLabels(MetricEntityCount, float32(n.world.Len()), n.mLabels)
	n.msink.AddSampleWithLabels(
		MetricTickDuration,
		float32(time.Since(start).Seconds()*1000),
		n.mLabels,
	)
	return nil
}

func (n *Node) reapDisconnected() {
	for _, peer := range n.registry.Reap() {
		orphans := n.world.DropEndpoint(peer.ID())
		maps.DeleteFunc(n.knownPeers, func(_ Identity, via ConnID) bool {
			return via == peer.ID()
		})
		n.logger.Info(
			"peer disconnected",
			append(peer.logAttrs(), "orphans", len(orphans))...,
		)
	}
}

// expireUnidentified closes the links which did not authenticate in
// time. They are reaped once their teardown is observed.
func (n *Node) expireUnidentified() {
	for _, peer := range n.registry.Peers() {
		if peer.Identified() || peer.expired || n.now.Sub(peer.ConnectedAt) < n.cfg.authTimeout {
			continue
		}
		peer.expired = true
		n.authFailed(peer, "authentication timeout")
		go peer.Link.Close("authentication timeout")
	}
}

func (n *Node) pollConnecting() {
	for _, connecting := range n.registry.Connecting() {
		conn, state, err := connecting.Poll()
		switch state {
		case flow.Pending:
			continue
		case flow.Ready:
			n.registry.ForgetConnecting(connecting.Addr())
			n.maintainer.succeeded(connecting.Addr())
			n.addPeer(conn, true, connecting.Addr())
		case flow.Disconnected:
			n.registry.ForgetConnecting(connecting.Addr())
			delay := n.maintainer.failed(connecting.Addr(), n.now, n.cfg.backoff)
			n.logger.Warn(
				"could not connect",
				LabelPeerAddr.L(connecting.Addr()),
				LabelError.L(err),
				"retry_in", delay,
			)
		}
	}
}

func (n *Node) acceptLinks() {
	if n.transport != nil && n.transport.Mode()&ModeServer != 0 {
		for {
			conn, err := n.transport.TryAccept()
			if err != nil {
				break
			}
			n.addPeer(conn, false, conn.RemoteAddr().String())
		}
	}

	for {
		offered, err := n.offered.TryPop()
		if err != nil {
			break
		}
		n.addPeer(offered.link, offered.outbound, offered.link.RemoteAddr().String())
	}
}

func (n *Node) addPeer(link Link, outbound bool, addr string) {
	peer, err := n.registry.Add(link, outbound, n.now)
	if err != nil {
		n.logger.Error("could not register link", LabelError.L(err))
		link.Close("registry")
		return
	}
	peer.Addr = addr
	n.logger.Debug("peer connected", LabelConnID.L(uint64(link.ID())), LabelPeerAddr.L(addr), "outbound", outbound)

	if outbound {
		n.authenticate(peer)
	}
}

func (n *Node) receive() {
	for _, peer := range n.registry.Peers() {
		if peer.authenticating {
			// keep its messages buffered until we know who it is.
			continue
		}
		for i := 0; i < n.cfg.maxMessagesPerTick; i++ {
			env, err := peer.Link.TryRecv()
			if err != nil {
				// empty, or disconnected and reaped next tick.
				break
			}
			peer.LastSeen = n.now
			_ = n.router.Dispatch(peer, env)
		}
	}
}

func (n *Node) pollCalls() {
	calls := n.calls
	n.calls = nil
	for _, c := range calls {
		env, state := c.fut.Poll()
		switch state {
		case flow.Pending:
			n.calls = append(n.calls, c)
		case flow.Ready:
			c.onReply(env)
		case flow.Disconnected:
			n.logger.Debug(
				"request severed",
				LabelConnID.L(uint64(c.peer)),
				LabelEndpoint.L(string(c.path)),
			)
			c.onSevered()
		}
	}
}

// call sends a request to peer and arranges for onReply to run on the
// tick its response is polled. onSevered runs instead if the link dies,
// or if the reply is not the expected response.
func call[Req, Resp any](
	n *Node,
	peer *Peer,
	msg Message[Req],
	onReply func(Message[Resp]),
	onSevered func(),
) error {
	if onSevered == nil {
		onSevered = func() {}
	}
	env, err := msg.Envelope()
	if err != nil {
		return err
	}

	fut, err := peer.Link.SendBlocking(env)
	if err != nil {
		n.sendFailed(peer, env, err)
		return err
	}

	expected := msg.Endpoint.ResponsePath()
	n.calls = append(n.calls, &pendingCall{
		peer: peer.ID(),
		path: msg.Endpoint,
		fut:  fut,
		onReply: func(env Envelope) {
			if Path(env.Endpoint) != expected {
				n.logger.Warn(
					"unexpected response path",
					LabelMessageID.L(env.ID),
					LabelEndpoint.L(env.Endpoint),
					"expected", expected,
				)
				onSevered()
				return
			}
			reply, err := DecodeMessage[Resp](env)
			if err != nil {
				n.logger.Warn("could not decode response", LabelMessageID.L(env.ID), LabelError.L(err))
				onSevered()
				return
			}
			onReply(reply)
		},
		onSevered: onSevered,
	})
	return nil
}

// send queues a fire-and-forget message, failures are only logged.
func send[T any](n *Node, peer *Peer, msg Message[T]) error {
	env, err := msg.Envelope()
	if err != nil {
		n.logger.Error("could not encode message", LabelEndpoint.L(string(msg.Endpoint)), LabelError.L(err))
		return err
	}
	if err := peer.Link.SendNonBlocking(env); err != nil {
		n.sendFailed(peer, env, err)
		return err
	}
	return nil
}

// respond answers the request d.
func respond[T any](n *Node, d *Delivery, payload T) error {
	return send(n, d.Peer, Reply(d.ID, d.Path.ResponsePath(), payload))
}

func (n *Node) sendFailed(peer *Peer, env Envelope, err error) {
	n.logger.Warn(
		"could not send message",
		append(peer.logAttrs(), LabelMessageID.L(env.ID), LabelEndpoint.L(env.Endpoint), LabelError.L(err))...,
	)
	n.msink.IncrCounterWithLabels(
		MetricMessageDroppedCount,
		1.0,
		withLabels(n.mLabels, LabelEndpoint.M(env.Endpoint), LabelReason.M("send")),
	)
}

// Shutdown closes every link and the transport. It is idempotent.
func (n *Node) Shutdown() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	var result *multierror.Error
	n.offered.Close(ErrNodeClosed)
	for _, offered := range n.offered.Drain() {
		offered.link.Close("node closed")
	}

	n.lk.Lock()
	for _, connecting := range n.registry.Connecting() {
		connecting.Cancel()
		n.registry.ForgetConnecting(connecting.Addr())
	}
	peers := n.registry.Peers()
	n.lk.Unlock()

	if n.transport != nil {
		// the transport flushes and closes its own connections.
		if err := n.transport.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, peer := range peers {
		if err := peer.Link.Close("node shutting down"); err != nil {
			result = multierror.Append(result, err)
		}
	}

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return result.ErrorOrNil()
}

// KnownPeers lists every peer identity this node heard of, directly
// connected or announced by a hub still linked to us.
func (n *Node) KnownPeers() []Identity {
	n.lk.Lock()
	defer n.lk.Unlock()
	known := make([]Identity, 0, len(n.knownPeers))
	for id := range n.knownPeers {
		known = append(known, id)
	}
	slices.SortFunc(known, func(a, b Identity) int {
		return cmp.Compare(a.String(), b.String())
	})
	return known
}

// PeerInfo is a snapshot of a [Peer].
type PeerInfo struct {
	ID       ConnID
	Addr     string
	Outbound bool
	State    PeerState
	Identity *Identity
	Trust    Trust
	LastSeen time.Time
}

func (n *Node) Peers() []PeerInfo {
	n.lk.Lock()
	defer n.lk.Unlock()
	peers := n.registry.Peers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, PeerInfo{
			ID:       peer.ID(),
			Addr:     peer.Addr,
			Outbound: peer.Outbound,
			State:    peer.State,
			Identity: peer.Identity,
			Trust:    peer.Trust,
			LastSeen: peer.LastSeen,
		})
	}
	return infos
}

// EntityView is a snapshot of an [Entity].
type EntityView struct {
	Identity             Identity
	ClientAuthority      *Identity
	ServerAuthority      *Identity
	ReplicationAuthority *Identity
	Transform            *Transform
	Ship                 *Ship
	Local                bool
	Subscribed           bool
	Subscribers          int
}

func viewOf(e *Entity) EntityView {
	view := EntityView{
		Identity:             e.Identity,
		ClientAuthority:      e.ClientAuthority,
		ServerAuthority:      e.ServerAuthority,
		ReplicationAuthority: e.ReplicationAuthority,
		Local:                e.local,
		Subscribed:           e.Subscribed(),
		Subscribers:          len(e.subscribers),
	}
	if e.Transform != nil {
		t := *e.Transform
		view.Transform = &t
	}
	if e.Ship != nil {
		s := *e.Ship
		view.Ship = &s
	}
	return view
}

func (n *Node) Entity(id Identity) (EntityView, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	e, ok := n.world.Get(id)
	if !ok {
		return EntityView{}, false
	}
	return viewOf(e), true
}

func (n *Node) Entities() []EntityView {
	n.lk.Lock()
	defer n.lk.Unlock()
	entities := n.world.Entities()
	views := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, viewOf(e))
	}
	return views
}
