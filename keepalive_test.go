package replicant

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type MockDiscovery struct {
	m mock.Mock
}

func (d *MockDiscovery) Candidates() ([]string, error) {
	args := d.m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
	require.Equal(t, 100*time.Millisecond, cfg.Delay(0, nil))
	require.Equal(t, 100*time.Millisecond, cfg.Delay(1, nil))
	require.Equal(t, 200*time.Millisecond, cfg.Delay(2, nil))
	require.Equal(t, 800*time.Millisecond, cfg.Delay(4, nil))
	require.Equal(t, time.Second, cfg.Delay(10, nil), "capped")

	cfg.Multiplier = 0.5
	require.Equal(t, 100*time.Millisecond, cfg.Delay(3, nil), "never shrinks")

	cfg.Multiplier = 2
	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt < 8; attempt++ {
		delay := cfg.Delay(attempt, rng)
		require.GreaterOrEqual(t, delay, 100*time.Millisecond)
		require.Less(t, delay, 1500*time.Millisecond)
	}
}

func TestMaintainer_Backoff(t *testing.T) {
	m := maintainer{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		failures: make(map[string]*candidateState),
	}
	now := time.Now()
	backoff := BackoffConfig{InitialDelay: time.Second, Multiplier: 2}

	require.False(t, m.backingOff("a", now))
	require.Equal(t, time.Second, m.failed("a", now, backoff))
	require.Equal(t, 2*time.Second, m.failed("a", now, backoff))
	require.True(t, m.backingOff("a", now.Add(time.Second)))
	require.False(t, m.backingOff("a", now.Add(2*time.Second)))
	require.False(t, m.backingOff("b", now))

	m.succeeded("a")
	require.False(t, m.backingOff("a", now))
	require.Equal(t, time.Second, m.failed("a", now, backoff), "success resets the attempts")
}

func TestNode_KeepAlive(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	client := newTestNode(t, RoleClient)
	require.NoError(t, client.ConnectLocal(sim.Node))
	converge(t, func() bool { return identified(sim) == 1 }, sim, client)

	// only the client ticks, its pings still reach the simulation.
	seen := sim.Peers()[0].LastSeen
	settle(t, 250*time.Millisecond, client)
	require.NoError(t, sim.Tick(time.Now()))
	require.True(t, sim.Peers()[0].LastSeen.After(seen))
	require.Positive(t, counter(client.sink, MetricMessageOutCount, LabelEndpoint.M(string(PathPing))))
}

func TestNode_Maintain(t *testing.T) {
	creds, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	clientTLS, err := PinnedClientTLSConfig(creds.CertPEM)
	require.NoError(t, err)

	sim := newTestNode(t, RoleSimulation,
		WithListenOn("127.0.0.1", 0),
		WithServerTLS(creds.ServerTLSConfig()),
	)
	alive := fmt.Sprintf("127.0.0.1:%d", sim.Transport().LocalAddr().Port)

	// nothing listens there.
	dead := newTestTransport(t, "dead", TransportConfig{
		Mode:      ModeServer,
		ServerTLS: creds.ServerTLSConfig(),
	})
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Shutdown())

	discovery := &MockDiscovery{}
	discovery.m.On("Candidates").Return([]string{deadAddr, alive}, nil)

	client := newTestNode(t, RoleClient,
		WithTransport(TransportConfig{
			Mode:        ModeClient,
			BindAddr:    "127.0.0.1",
			ClientTLS:   clientTLS,
			DialTimeout: 300 * time.Millisecond,
		}),
		WithMaintain(1, 10*time.Millisecond, discovery),
		WithConnectRate(rate.Inf, 1),
		WithBackoff(BackoffConfig{InitialDelay: time.Hour}),
	)

	converge(t, func() bool {
		return identified(client) == 1
	}, sim, client)
	settle(t, 500*time.Millisecond, sim, client)

	peers := client.Peers()
	require.Len(t, peers, 1, "the target is one outbound connection")
	require.Equal(t, alive, peers[0].Addr)
	require.Equal(t, 1.0, counter(client.sink, MetricConnErrorCount, LabelPeerAddr.M(deadAddr)), "the dead candidate backs off")
	discovery.m.AssertCalled(t, "Candidates")

	t.Run("reconnects once the connection is lost", func(t *testing.T) {
		client.lk.Lock()
		link := client.registry.Peers()[0].Link
		client.lk.Unlock()
		require.NoError(t, link.Close("test"))

		converge(t, func() bool {
			peers := client.Peers()
			return len(peers) == 1 && peers[0].ID != link.ID() && peers[0].State == PeerIdentified
		}, sim, client)
	})
}
