package replicant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/replicant/pkg/flow"
)

const (
	// ALPN negotiated by every replicant connection.
	ALPN = "replicant/1"

	// DefaultPort is used by servers when none is configured.
	DefaultPort = 6174

	defaultUDPBufferSize int = 1 << 21
)

// Mode selects which half of the transport is enabled.
type Mode uint8

const (
	ModeClient Mode = 1 << iota
	ModeServer
	ModeBoth = ModeClient | ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBoth:
		return "both"
	default:
		return "invalid"
	}
}

// TransportConfig represents the configuration of a [Transport].
type TransportConfig struct {
	Mode Mode

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// ServerTLS is required in ModeServer, see [Credentials.ServerTLSConfig].
	ServerTLS *tls.Config

	// ClientTLS is required in ModeClient, see [PinnedClientTLSConfig].
	ClientTLS *tls.Config

	// BindAddr and BindPort are where the UDP socket is bound. A zero port
	// picks an ephemeral one.
	BindAddr string
	BindPort int

	// MaxIncomingStreams bounds concurrent in-flight messages per
	// connection since each of them uses its own stream.
	MaxIncomingStreams int64

	IdleTimeout     time.Duration
	KeepAlivePeriod time.Duration

	// DialTimeout bounds the QUIC handshake.
	DialTimeout time.Duration

	// StreamReadTimeout bounds how long a peer may take to send a frame
	// once it opened a stream.
	StreamReadTimeout time.Duration

	// GracePeriod is how long Shutdown waits for outbound queues to flush.
	GracePeriod time.Duration

	InboundBufferSize  uint
	OutboundBufferSize uint
	AcceptBacklog      uint
	MaxFrameSize       uint64

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns one UDP socket and every QUIC connection going through
// it. Its blocking work happens on its own goroutines: the scheduler only
// uses [Transport.Connect], [Connecting.Poll] and [Transport.TryAccept].
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted *flow.Queue[*Conn]
	connsLk  sync.Mutex
	conns    map[ConnID]*Conn

	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.Mode == 0 || cfg.Mode > ModeBoth {
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidCfg, cfg.Mode)
	}
	if cfg.Mode&ModeServer != 0 && cfg.ServerTLS == nil {
		return nil, fmt.Errorf("%w: server", ErrNoTLSConfig)
	}
	if cfg.Mode&ModeClient != 0 && cfg.ClientTLS == nil {
		return nil, fmt.Errorf("%w: client", ErrNoTLSConfig)
	}

	backlog := cfg.AcceptBacklog
	if backlog == 0 {
		backlog = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	t = &Transport{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		accepted: flow.NewQueue[*Conn](backlog),
		conns:    make(map[ConnID]*Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("mode", cfg.Mode.String())

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	maxStreams := cfg.MaxIncomingStreams
	if maxStreams == 0 {
		maxStreams = 1000
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = 30 * time.Second
	}
	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = idle / 3
	}
	handshake := cfg.DialTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}

	t.quicConf = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout:  handshake,
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: -1,
		Allow0RTT:             false,
	}

	if cfg.Mode&ModeClient != 0 {
		t.clientTLS = withALPN(cfg.ClientTLS)
	}

	if cfg.Mode&ModeServer != 0 {
		t.serverTLS = withALPN(cfg.ServerTLS)
		ln, err := t.tr.Listen(t.serverTLS, t.quicConf)
		if err != nil {
			return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
		}
		t.ln = ln

		t.wg.Add(1)
		go t.acceptConns()
	}

	t.logger.Info("transport ready", "addr", udpLn.LocalAddr().String())
	return t, nil
}

func withALPN(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	conf.NextProtos = []string{ALPN}
	if conf.MinVersion < tls.VersionTLS13 {
		conf.MinVersion = tls.VersionTLS13
	}
	return conf
}

// LocalAddr is the address the UDP socket is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.udpLn == nil {
		return nil
	}
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Mode of the transport.
func (t *Transport) Mode() Mode {
	return t.cfg.Mode
}

// TryAccept returns the next accepted connection or [flow.ErrFlowEmpty].
func (t *Transport) TryAccept() (*Conn, error) {
	if t.cfg.Mode&ModeServer == 0 {
		return nil, ErrModeMismatch
	}
	conn, err := t.accepted.TryPop()
	if err != nil {
		if errors.Is(err, flow.ErrFlowEmpty) {
			return nil, err
		}
		return nil, ErrShutdown
	}
	return conn, nil
}

// Connecting is a pending dial. It is polled by the scheduler and MUST
// be either polled to completion or cancelled.
type Connecting struct {
	addr   string
	cancel context.CancelFunc

	lk       sync.Mutex
	conn     *Conn
	err      error
	done     bool
	consumed bool
}

func (c *Connecting) Addr() string {
	return c.addr
}

// Poll returns the connection once, when the handshake completed. On
// failure it returns [flow.Disconnected] and the cause.
func (c *Connecting) Poll() (*Conn, flow.PollState, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	switch {
	case !c.done:
		return nil, flow.Pending, nil
	case c.consumed:
		return nil, flow.Disconnected, nil
	case c.err != nil:
		c.consumed = true
		return nil, flow.Disconnected, c.err
	default:
		c.consumed = true
		return c.conn, flow.Ready, nil
	}
}

// Cancel aborts the dial. A connection completing afterward is closed.
func (c *Connecting) Cancel() {
	c.cancel()
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.done && !c.consumed && c.conn != nil {
		go c.conn.Close("dial cancelled")
	}
	c.consumed = true
}

func (c *Connecting) resolve(conn *Conn, err error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.conn, c.err, c.done = conn, err, true
	if c.consumed && conn != nil {
		go conn.Close("dial cancelled")
	}
}

// Connect starts dialing addr in the background.
func (t *Transport) Connect(addr string) *Connecting {
	ctx, cancel := context.WithCancel(t.ctx)
	connecting := &Connecting{addr: addr, cancel: cancel}

	if t.cfg.Mode&ModeClient == 0 {
		connecting.resolve(nil, ErrModeMismatch)
		return connecting
	}
	if t.gracefulTerm.Load() {
		connecting.resolve(nil, ErrShutdown)
		return connecting
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		conn, err := t.dial(ctx, addr)
		connecting.resolve(conn, err)
	}()
	return connecting
}

func (t *Transport) dial(ctx context.Context, target string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	qconn, err := t.tr.Dial(ctx, addr, t.clientTLS, t.quicConf)
	if t.gracefulTerm.Load() {
		if err == nil {
			QErrShutdown.Close(qconn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(target), LabelError.M("dial")),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, target, err)
	}

	return t.handleConn(qconn, ClientPerspective), nil
}

func (t *Transport) acceptConns() {
	defer t.wg.Done()
	for {
		qconn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				// the listener only fails once closed.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			t.accepted.Close(ErrShutdown)
			return
		}

		conn := t.handleConn(qconn, ServerPerspective)
		if err := t.accepted.TryPush(conn); err != nil {
			t.logger.Warn("accept backlog is full, rejecting connection", LabelPeerAddr.L(qconn.RemoteAddr().String()))
			t.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelError.M("backlog_full")),
			)
			QErrInternal.Close(qconn, "accept backlog is full")
			conn.Close("accept backlog is full")
		}
	}
}

func (t *Transport) handleConn(qconn quic.Connection, perspective Perspective) *Conn {
	conn := newConn(qconn, connConfig{
		bridge: bridgeConfig{
			logger:             t.logger,
			msink:              t.msink,
			metricLabels:       t.cfg.MetricLabels,
			inboundBufferSize:  t.cfg.InboundBufferSize,
			outboundBufferSize: t.cfg.OutboundBufferSize,
		},
		perspective:       perspective,
		maxFrameSize:      t.cfg.MaxFrameSize,
		streamReadTimeout: t.cfg.StreamReadTimeout,
	})

	t.connsLk.Lock()
	t.conns[conn.ID()] = conn
	live := len(t.conns)
	t.connsLk.Unlock()
	t.msink.SetGaugeWithLabels(MetricConnLive, float32(live), t.cfg.MetricLabels)

	go func() {
		<-conn.ctx.Done()
		t.connsLk.Lock()
		delete(t.conns, conn.ID())
		live := len(t.conns)
		t.connsLk.Unlock()
		t.msink.SetGaugeWithLabels(MetricConnLive, float32(live), t.cfg.MetricLabels)
	}()

	return conn
}

// Shutdown closes every connection, waiting up to GracePeriod for their
// outbound queues to flush. It is idempotent.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.connsLk.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.connsLk.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented in go-quic
	if t.cfg.GracePeriod > 0 {
		deadline := time.Now().Add(t.cfg.GracePeriod)
		for time.Now().Before(deadline) && !flushed(conns) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.shutdown("we are shutting down! bye!"); err != nil {
			result = multierror.Append(result, err)
		}
	}

	t.cancel()
	if t.ln != nil {
		if err := t.ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if t.tr != nil {
		if err := t.tr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if t.udpLn != nil {
		if err := t.udpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	t.accepted.Close(ErrShutdown)
	for _, conn := range t.accepted.Drain() {
		conn.Close("shutdown")
	}
	t.wg.Wait()
	return result.ErrorOrNil()
}

func flushed(conns []*Conn) bool {
	for _, conn := range conns {
		if !conn.IsDisconnected() && conn.outbound.Len() > 0 {
			return false
		}
	}
	return true
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}
