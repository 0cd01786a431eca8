package replicant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
)

// Delivery is an inbound envelope after routing and classification.
type Delivery struct {
	Peer     *Peer
	Envelope Envelope
	ID       uuid.UUID
	Path     Path

	// Header is the one resolved by [Classify], the sender's is discarded.
	Header  Header
	Trusted bool
}

// Source returns the resolved source identity, if any.
func (d *Delivery) Source() (Identity, bool) {
	if d.Header.SourceIdentity == nil {
		return Identity{}, false
	}
	return *d.Header.SourceIdentity, true
}

// Handler processes a classified message. A returned error is logged
// and the message dropped, it never fails the connection.
type Handler func(d *Delivery) error

type route struct {
	path    Path
	kind    PathKind
	handler Handler
}

// Router maps paths to handlers.
type Router struct {
	routes       *iradix.Tree
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func NewRouter(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = metrics.Default()
	}
	return &Router{
		routes:       iradix.New(),
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
	}
}

// Handle registers h for path, replacing any previous handler.
func (r *Router) Handle(path Path, h Handler) {
	kind := path.Kind()
	if kind == PathKindUnknown {
		panic(fmt.Sprintf("router: %q is not a routable path", path))
	}
	r.routes, _, _ = r.routes.Insert([]byte(path), &route{
		path:    path,
		kind:    kind,
		handler: h,
	})
}

// On registers a typed handler. The payload is decoded after the
// message was classified.
func On[T any](r *Router, path Path, h func(d *Delivery, msg Message[T]) error) {
	r.Handle(path, func(d *Delivery) error {
		msg, err := DecodeMessage[T](d.Envelope)
		if err != nil {
			return err
		}
		msg.Header = d.Header
		return h(d, msg)
	})
}

// Known reports whether a handler is registered for path.
func (r *Router) Known(path Path) bool {
	_, ok := r.routes.Root().Get([]byte(path))
	return ok
}

// Paths lists the registered paths of kind in lexical order.
func (r *Router) Paths(kind PathKind) []Path {
	var prefix string
	switch kind {
	case PathKindRequest:
		prefix = prefixRequest
	case PathKindResponse:
		prefix = prefixResponse
	case PathKindEvent:
		prefix = prefixEvent
	}

	var paths []Path
	r.routes.Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		paths = append(paths, Path(k))
		return false
	})
	return paths
}

// Dispatch routes env received from peer. Errors are logged here and
// only returned for the caller's bookkeeping.
func (r *Router) Dispatch(peer *Peer, env Envelope) error {
	logger := r.logger.With(
		LabelConnID.L(uint64(peer.ID())),
		LabelMessageID.L(env.ID),
		LabelEndpoint.L(env.Endpoint),
	)

	raw, ok := r.routes.Root().Get([]byte(env.Endpoint))
	if !ok {
		logger.Warn("dropping message for unknown endpoint")
		r.dropped(env.Endpoint, "unknown_endpoint")
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, env.Endpoint)
	}
	rt := raw.(*route)

	id, err := env.MessageID()
	if err != nil {
		logger.Warn("dropping malformed message", LabelError.L(err))
		r.dropped(env.Endpoint, "malformed")
		return err
	}

	claimed, err := env.DecodeHeader()
	if err != nil {
		logger.Warn("dropping malformed message", LabelError.L(err))
		r.dropped(env.Endpoint, "malformed")
		return err
	}

	header, trusted, err := Classify(peer, claimed)
	if err != nil {
		logger.Error("could not classify message", LabelError.L(err))
		r.dropped(env.Endpoint, "classification")
		return err
	}

	d := &Delivery{
		Peer:     peer,
		Envelope: env,
		ID:       id,
		Path:     rt.path,
		Header:   header,
		Trusted:  trusted,
	}

	if err := rt.handler(d); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrPayloadDecode) {
			r.dropped(env.Endpoint, "payload_decode")
		} else if errors.Is(err, ErrUnknownEntity) {
			level = slog.LevelDebug
		}
		logger.Log(context.Background(), level, "message handler failed", LabelError.L(err), LabelTrust.L(trusted))
		r.msink.IncrCounterWithLabels(
			MetricMessageRejectedCount,
			1.0,
			withLabels(r.metricLabels, LabelEndpoint.M(env.Endpoint)),
		)
		return err
	}
	return nil
}

func (r *Router) dropped(endpoint, reason string) {
	r.msink.IncrCounterWithLabels(
		MetricMessageDroppedCount,
		1.0,
		withLabels(r.metricLabels, LabelEndpoint.M(endpoint), LabelReason.M(reason)),
	)
}

// Classify resolves the header of a message received from peer and
// decides whether it is trusted:
//
//   - an unauthenticated peer has its claimed source cleared and is
//     never trusted,
//   - a relay keeps the source it claims and fills it when absent,
//   - any other peer is attributed everything it sends,
//
// and the message is trusted only when the resolved source is
// server-like. SourceEndpointID is always the receiving connection.
func Classify(peer *Peer, claimed Header) (Header, bool, error) {
	endpoint := peer.ID()
	resolved := Header{SourceEndpointID: &endpoint}

	if peer.Identity == nil {
		return resolved, false, nil
	}

	role := peer.Identity.Role()
	if _, err := role.Classify(); err != nil {
		return resolved, false, err
	}

	if role.Relays() && claimed.SourceIdentity != nil {
		resolved.SourceIdentity = claimed.SourceIdentity.ref()
	} else {
		resolved.SourceIdentity = peer.Identity.ref()
	}

	trust, err := resolved.SourceIdentity.Role().Classify()
	if err != nil {
		return resolved, false, err
	}
	return resolved, trust == ServerLike, nil
}
