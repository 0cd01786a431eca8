package replicant

import (
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

func (n *Node) registerKeepAliveHandlers() {
	// LastSeen is bumped for every received message, pings carry nothing
	// else.
	On(n.router, PathPing, func(*Delivery, Message[Ping]) error {
		return nil
	})
}

// keepAlive pings every live peer once per ping interval.
func (n *Node) keepAlive() {
	if n.now.Sub(n.lastPing) < n.cfg.pingInterval {
		return
	}
	n.lastPing = n.now
	for _, peer := range n.registry.Peers() {
		if peer.Link.IsDisconnected() {
			continue
		}
		// send logs failures.
		_ = send(n, peer, NewMessage(PathPing, Ping{SentAt: n.now}))
	}
}

// BackoffConfig controls the delay between two connection attempts to
// the same candidate.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter scales the delay by a random factor in [0.5, 1.5).
	Jitter bool
}

var DefaultBackoff = BackoffConfig{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// Delay of the attempt-th retry, attempt starting at 1.
func (cfg BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

type candidateState struct {
	attempts int
	retryAt  time.Time
}

// maintainer keeps the bookkeeping of the connection maintainer between
// ticks.
type maintainer struct {
	limiter  *rate.Limiter
	failures map[string]*candidateState
	rng      *rand.Rand
}

func (m *maintainer) succeeded(addr string) {
	delete(m.failures, addr)
}

// failed records a failed attempt and returns how long addr is skipped.
func (m *maintainer) failed(addr string, now time.Time, backoff BackoffConfig) time.Duration {
	state, ok := m.failures[addr]
	if !ok {
		state = &candidateState{}
		m.failures[addr] = state
	}
	state.attempts++
	delay := backoff.Delay(state.attempts, m.rng)
	state.retryAt = now.Add(delay)
	return delay
}

func (m *maintainer) backingOff(addr string, now time.Time) bool {
	state, ok := m.failures[addr]
	return ok && now.Before(state.retryAt)
}

// maintain dials discovered candidates until the node has the target
// number of outbound connections, pending ones included.
func (n *Node) maintain() {
	if n.cfg.targetConnections <= 0 || n.transport == nil || n.transport.Mode()&ModeClient == 0 {
		return
	}
	if n.now.Sub(n.lastMaintain) < n.cfg.maintainInterval {
		return
	}
	n.lastMaintain = n.now

	missing := n.cfg.targetConnections - n.registry.Outbound()
	if missing <= 0 {
		return
	}

	candidates, err := n.cfg.discovery.Candidates()
	if err != nil {
		n.logger.Warn("discovery failed", LabelError.L(err))
		return
	}

	connected := make(map[string]struct{})
	for _, peer := range n.registry.Peers() {
		connected[peer.Addr] = struct{}{}
	}

	for _, addr := range candidates {
		if missing <= 0 {
			break
		}
		if _, ok := connected[addr]; ok || n.registry.IsConnecting(addr) {
			continue
		}
		if n.maintainer.backingOff(addr, n.now) {
			continue
		}
		if !n.maintainer.limiter.AllowN(n.now, 1) {
			n.logger.Debug("connect rate exceeded", LabelCandidate.L(addr))
			return
		}
		n.dial(addr)
		missing--
	}
}
