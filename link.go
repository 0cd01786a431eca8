package replicant

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/raskyld/replicant/pkg/flow"
)

// ConnID identifies a live connection in this process. IDs are
// allocated monotonically and never reused, so two connections can not
// share one even across a teardown/reconnect.
type ConnID uint64

var connIDs atomic.Uint64

func nextConnID() ConnID {
	return ConnID(connIDs.Add(1))
}

// Link is the scheduler-side handle to one connection. None of its
// methods block.
type Link interface {
	ID() ConnID
	RemoteAddr() net.Addr

	// TryRecv returns [flow.ErrFlowEmpty] when nothing is buffered and
	// [ErrDisconnected] once the link is torn down.
	TryRecv() (Envelope, error)

	// SendNonBlocking queues a fire-and-forget message.
	SendNonBlocking(Envelope) error

	// SendBlocking queues a request and returns a future of the message
	// carrying the same id.
	SendBlocking(Envelope) (*flow.Future[Envelope], error)

	// IsDisconnected is monotonic.
	IsDisconnected() bool

	Close(reason string) error
}

type bridgeConfig struct {
	logger             *slog.Logger
	msink              metrics.MetricSink
	metricLabels       []metrics.Label
	inboundBufferSize  uint
	outboundBufferSize uint
	expiredCacheSize   int
}

func (cfg bridgeConfig) withDefaults() bridgeConfig {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	if cfg.inboundBufferSize == 0 {
		cfg.inboundBufferSize = 1024
	}
	if cfg.outboundBufferSize == 0 {
		cfg.outboundBufferSize = 1024
	}
	if cfg.expiredCacheSize == 0 {
		cfg.expiredCacheSize = 256
	}
	return cfg
}

type outboundItem struct {
	env     Envelope
	promise *flow.Promise[Envelope]
}

// bridge holds the state shared between a connection's I/O goroutines and
// the scheduler: both queues and the correlation table.
type bridge struct {
	id     ConnID
	logger *slog.Logger
	cfg    bridgeConfig

	inbound  *flow.Queue[Envelope]
	outbound *flow.Queue[outboundItem]

	// correlation table, lk is never held across I/O.
	lk      sync.Mutex
	pending map[string]*flow.Promise[Envelope]
	expired *lru.Cache

	ctx          context.Context
	cancel       context.CancelCauseFunc
	disconnected atomic.Bool
	onTeardown   func(cause error)
}

func newBridge(id ConnID, cfg bridgeConfig) *bridge {
	cfg = cfg.withDefaults()
	expired, err := lru.New(cfg.expiredCacheSize)
	if err != nil {
		// only fails on a non-positive size, which withDefaults rules out.
		panic(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &bridge{
		id:       id,
		cfg:      cfg,
		logger:   cfg.logger.With(LabelConnID.L(uint64(id))),
		inbound:  flow.NewQueue[Envelope](cfg.inboundBufferSize),
		outbound: flow.NewQueue[outboundItem](cfg.outboundBufferSize),
		pending:  make(map[string]*flow.Promise[Envelope]),
		expired:  expired,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *bridge) ID() ConnID {
	return b.id
}

func (b *bridge) IsDisconnected() bool {
	return b.disconnected.Load()
}

func (b *bridge) TryRecv() (Envelope, error) {
	if b.disconnected.Load() {
		return Envelope{}, ErrDisconnected
	}
	env, err := b.inbound.TryPop()
	if err != nil {
		if errors.Is(err, flow.ErrFlowEmpty) {
			return env, err
		}
		return env, ErrDisconnected
	}
	return env, nil
}

func (b *bridge) SendNonBlocking(env Envelope) error {
	return b.enqueue(outboundItem{env: env})
}

func (b *bridge) SendBlocking(env Envelope) (*flow.Future[Envelope], error) {
	id := env.ID
	fut, promise := flow.NewFuture[Envelope](func() {
		b.forget(id)
	})

	if err := b.enqueue(outboundItem{env: env, promise: promise}); err != nil {
		promise.Abandon()
		return nil, err
	}
	if b.disconnected.Load() {
		// raced with teardown, the item may sit in a drained queue.
		promise.Abandon()
	}
	return fut, nil
}

func (b *bridge) enqueue(item outboundItem) error {
	if b.disconnected.Load() {
		return ErrDisconnected
	}
	err := b.outbound.TryPush(item)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flow.ErrFlowFull):
		return ErrOutboundFull
	default:
		return ErrDisconnected
	}
}

// register inserts a correlation entry. It MUST be called before the
// request is written, otherwise the response could outrun the entry.
func (b *bridge) register(id string, promise *flow.Promise[Envelope]) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.disconnected.Load() {
		promise.Abandon()
		return
	}
	if b.expired.Contains(id) {
		// the caller gave up before we even sent it.
		promise.Abandon()
		return
	}
	b.pending[id] = promise
}

// forget is called when the scheduler drops a pending request.
func (b *bridge) forget(id string) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if promise, ok := b.pending[id]; ok {
		delete(b.pending, id)
		promise.Abandon()
	}
	b.expired.Add(id, struct{}{})
}

// deliver resolves a pending request or forwards env to the scheduler.
// Unmatched responses are dropped here.
func (b *bridge) deliver(ctx context.Context, env Envelope) error {
	b.lk.Lock()
	promise, matched := b.pending[env.ID]
	if matched {
		delete(b.pending, env.ID)
	}
	late := !matched && b.expired.Contains(env.ID)
	b.lk.Unlock()

	if matched {
		promise.Fulfill(env)
		return nil
	}

	if Path(env.Endpoint).Kind() == PathKindResponse {
		labels := withLabels(b.cfg.metricLabels, LabelEndpoint.M(env.Endpoint), LabelReason.M("correlation"))
		b.cfg.msink.IncrCounterWithLabels(MetricMessageDroppedCount, 1.0, labels)
		if late {
			b.logger.Debug(
				"dropping response of an abandoned request",
				LabelMessageID.L(env.ID),
				LabelEndpoint.L(env.Endpoint),
			)
		} else {
			b.logger.Warn(
				"dropping response",
				LabelMessageID.L(env.ID),
				LabelEndpoint.L(env.Endpoint),
				LabelError.L(ErrUnknownCorrelation),
			)
		}
		return nil
	}

	return b.inbound.Push(ctx, env)
}

// teardown is idempotent and safe to call from any goroutine, including
// from the onTeardown hook of its remote end.
func (b *bridge) teardown(cause error) {
	if !b.disconnected.CompareAndSwap(false, true) {
		return
	}
	if cause == nil {
		cause = ErrDisconnected
	}
	b.cancel(cause)
	b.inbound.Close(ErrDisconnected)
	b.outbound.Close(ErrDisconnected)
	for _, item := range b.outbound.Drain() {
		if item.promise != nil {
			item.promise.Abandon()
		}
	}

	b.lk.Lock()
	for id, promise := range b.pending {
		promise.Abandon()
		delete(b.pending, id)
	}
	b.lk.Unlock()

	b.logger.Debug("bridge torn down", LabelError.L(cause))
	if b.onTeardown != nil {
		b.onTeardown(cause)
	}
}
