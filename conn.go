package replicant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/replicant/pkg/flow"
)

// Conn is a QUIC connection bridged to the scheduler. Every message is
// written on a fresh bidirectional stream carrying exactly one frame.
type Conn struct {
	*bridge

	qconn       quic.Connection
	perspective Perspective
	codec       flow.JsonCodec[Envelope]
	readTimeout time.Duration
	mLabels     []metrics.Label

	wg sync.WaitGroup
}

type connConfig struct {
	bridge            bridgeConfig
	perspective       Perspective
	maxFrameSize      uint64
	streamReadTimeout time.Duration
}

func newConn(qconn quic.Connection, cfg connConfig) *Conn {
	id := nextConnID()
	b := newBridge(id, cfg.bridge)
	b.logger = b.logger.With(
		LabelPeerAddr.L(qconn.RemoteAddr().String()),
		LabelPerspective.L(cfg.perspective.String()),
	)

	readTimeout := cfg.streamReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}

	c := &Conn{
		bridge:      b,
		qconn:       qconn,
		perspective: cfg.perspective,
		codec:       flow.NewJsonCodec[Envelope](cfg.maxFrameSize),
		readTimeout: readTimeout,
		mLabels: withLabels(
			b.cfg.metricLabels,
			LabelPerspective.M(cfg.perspective.String()),
		),
	}

	b.onTeardown = func(cause error) {
		msg := "connection torn down"
		if cause != nil {
			msg = cause.Error()
		}
		_ = QErrTeardown.Close(qconn, msg)
		b.cfg.msink.IncrCounterWithLabels(MetricConnClosedCount, 1.0, c.mLabels)
	}

	// the bridge dies with the QUIC connection, whoever closes it first.
	go func() {
		select {
		case <-qconn.Context().Done():
			b.teardown(fmt.Errorf("%w: %w", ErrDisconnected, context.Cause(qconn.Context())))
		case <-b.ctx.Done():
		}
	}()

	c.wg.Add(2)
	go c.inboundLoop()
	go c.outboundLoop()

	b.cfg.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.mLabels)
	b.logger.Debug("connection established")
	return c
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

func (c *Conn) Perspective() Perspective {
	return c.perspective
}

// Close tears the connection down and waits for its loops to exit.
func (c *Conn) Close(reason string) error {
	c.teardown(fmt.Errorf("%w: %s", ErrDisconnected, reason))
	c.wg.Wait()
	return nil
}

// shutdown closes with QErrShutdown so the remote side knows it should
// not retry immediately.
func (c *Conn) shutdown(reason string) error {
	err := QErrShutdown.Close(c.qconn, reason)
	c.teardown(fmt.Errorf("%w: %w", ErrDisconnected, ErrShutdown))
	c.wg.Wait()
	return err
}

func (c *Conn) inboundLoop() {
	defer c.wg.Done()
	for {
		stream, err := c.qconn.AcceptStream(c.ctx)
		if err != nil {
			c.teardown(fmt.Errorf("%w: accept stream: %w", ErrDisconnected, err))
			return
		}

		if err := c.readFrame(stream); err != nil {
			if c.disconnected.Load() {
				return
			}
			c.logger.Warn("protocol violation on inbound stream", LabelError.L(err))
			c.cfg.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				withLabels(c.mLabels, LabelError.M("protocol_violation")),
			)
		}
	}
}

func (c *Conn) readFrame(stream quic.Stream) error {
	_ = stream.SetReadDeadline(time.Now().Add(c.readTimeout))
	env, err := c.codec.Decode(stream)
	if err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	// nothing is ever written back on an inbound stream.
	stream.CancelWrite(QErrStreamDone)

	if env.ID == "" || Path(env.Endpoint).Kind() == PathKindUnknown {
		return fmt.Errorf("%w: id=%q endpoint=%q", ErrMalformedEnvelope, env.ID, env.Endpoint)
	}

	size := len(env.Header) + len(env.Payload)
	labels := withLabels(c.mLabels, LabelEndpoint.M(env.Endpoint))
	c.cfg.msink.IncrCounterWithLabels(MetricMessageInCount, 1.0, labels)
	c.cfg.msink.IncrCounterWithLabels(MetricMessageInBytes, float32(size), labels)

	// the inbound queue only fails once we are torn down.
	_ = c.deliver(c.ctx, env)
	return nil
}

func (c *Conn) outboundLoop() {
	defer c.wg.Done()
	for {
		item, err := c.outbound.Pop(c.ctx)
		if err != nil {
			return
		}

		if item.promise != nil {
			c.register(item.env.ID, item.promise)
		}

		if err := c.writeFrame(item.env); err != nil {
			c.logger.Warn(
				"could not write message",
				LabelMessageID.L(item.env.ID),
				LabelEndpoint.L(item.env.Endpoint),
				LabelError.L(err),
			)
			c.teardown(fmt.Errorf("%w: %w", ErrStreamWrite, err))
			return
		}
	}
}

func (c *Conn) writeFrame(env Envelope) error {
	stream, err := c.qconn.OpenStreamSync(c.ctx)
	if err != nil {
		return err
	}

	if err := c.codec.Encode(stream, env); err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		if errors.Is(err, flow.ErrTooLargeFrame) {
			// local fault, the connection itself is fine.
			c.logger.Error("dropping oversized message", LabelEndpoint.L(env.Endpoint), LabelError.L(err))
			return nil
		}
		return err
	}

	if err := stream.Close(); err != nil {
		return err
	}
	// the remote never answers on this stream, consume its FIN.
	go drainStream(stream, c.readTimeout, c.logger)

	size := len(env.Header) + len(env.Payload)
	labels := withLabels(c.mLabels, LabelEndpoint.M(env.Endpoint))
	c.cfg.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, labels)
	c.cfg.msink.IncrCounterWithLabels(MetricMessageOutBytes, float32(size), labels)
	return nil
}

func drainStream(stream quic.Stream, timeout time.Duration, logger *slog.Logger) {
	_ = stream.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.Copy(io.Discard, stream); err != nil {
		var serr *quic.StreamError
		if errors.As(err, &serr) && serr.ErrorCode == QErrStreamDone {
			return
		}
		logger.Debug("outbound stream did not finish cleanly", LabelError.L(err))
		stream.CancelRead(QErrStreamDone)
	}
}
