package replicant

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// LocalLink is one end of an in-process link. It goes through the same
// queues and correlation table as a [Conn] but moves envelopes with a
// goroutine instead of QUIC streams. Tearing one end down tears down the
// other.
type LocalLink struct {
	*bridge
	peer *LocalLink
	wg   sync.WaitGroup
}

type localAddr ConnID

func (localAddr) Network() string {
	return "local"
}

func (a localAddr) String() string {
	return "local/" + strconv.FormatUint(uint64(a), 10)
}

func newLocalPair(a, b bridgeConfig) (*LocalLink, *LocalLink) {
	left := &LocalLink{bridge: newBridge(nextConnID(), a)}
	right := &LocalLink{bridge: newBridge(nextConnID(), b)}
	left.peer, right.peer = right, left

	left.onTeardown = func(cause error) {
		right.teardown(fmt.Errorf("%w: remote end closed", ErrDisconnected))
	}
	right.onTeardown = func(cause error) {
		left.teardown(fmt.Errorf("%w: remote end closed", ErrDisconnected))
	}

	left.wg.Add(1)
	go left.pump()
	right.wg.Add(1)
	go right.pump()
	return left, right
}

func (l *LocalLink) RemoteAddr() net.Addr {
	return localAddr(l.peer.id)
}

func (l *LocalLink) Close(reason string) error {
	l.teardown(fmt.Errorf("%w: %s", ErrDisconnected, reason))
	l.wg.Wait()
	return nil
}

// pump moves our outbound queue into the inbound side of the peer.
func (l *LocalLink) pump() {
	defer l.wg.Done()
	for {
		item, err := l.outbound.Pop(l.ctx)
		if err != nil {
			return
		}
		if item.promise != nil {
			l.register(item.env.ID, item.promise)
		}
		if err := l.peer.deliver(l.ctx, item.env); err != nil {
			l.teardown(fmt.Errorf("%w: %w", ErrDisconnected, err))
			return
		}
		labels := withLabels(l.cfg.metricLabels, LabelEndpoint.M(item.env.Endpoint))
		l.cfg.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, labels)
	}
}
