package replicant

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/replicant/pkg/flow"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, emitter string, cfg TransportConfig) *Transport {
	t.Helper()
	cfg.BindAddr = "127.0.0.1"
	cfg.LogHandler = testLogHandler(emitter)
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.NewInmemSink(time.Second, 5*time.Minute)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	tr, err := NewTransport(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Shutdown()
	})
	return tr
}

func pollConnecting(t *testing.T, connecting *Connecting) (*Conn, error) {
	t.Helper()
	var (
		conn  *Conn
		state flow.PollState
		err   error
	)
	require.Eventually(t, func() bool {
		conn, state, err = connecting.Poll()
		return state != flow.Pending
	}, 5*time.Second, 10*time.Millisecond)
	return conn, err
}

func TestTransport_RequestResponse(t *testing.T) {
	creds, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	clientTLS, err := PinnedClientTLSConfig(creds.CertPEM)
	require.NoError(t, err)

	serverSink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	server := newTestTransport(t, "server", TransportConfig{
		Mode:       ModeServer,
		ServerTLS:  creds.ServerTLSConfig(),
		MetricSink: serverSink,
	})
	client := newTestTransport(t, "client", TransportConfig{
		Mode:      ModeClient,
		ClientTLS: clientTLS,
	})

	_, err = client.TryAccept()
	require.ErrorIs(t, err, ErrModeMismatch)

	conn, err := pollConnecting(t, client.Connect(server.LocalAddr().String()))
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, ClientPerspective, conn.Perspective())

	var accepted *Conn
	require.Eventually(t, func() bool {
		accepted, err = server.TryAccept()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, ServerPerspective, accepted.Perspective())
	require.Equal(t, 1.0, counter(serverSink, MetricConnEstCount))

	fut, err := conn.SendBlocking(mustEnvelope(t, NewMessage(PathReplicateRequest, ReplicateRequest{
		Identity: NewIdentity(NounShip),
	})))
	require.NoError(t, err)

	req := recvEventually(t, accepted)
	require.Equal(t, string(PathReplicateRequest), req.Endpoint)
	decoded, err := DecodeMessage[ReplicateRequest](req)
	require.NoError(t, err)
	require.Equal(t, NounShip, decoded.Payload.Identity.Noun)

	require.NoError(t, accepted.SendNonBlocking(mustEnvelope(t, Reply(decoded.ID, PathReplicateResponse, ReplicateResponse{Success: true}))))

	var reply Envelope
	require.Eventually(t, func() bool {
		var state flow.PollState
		reply, state = fut.Poll()
		return state == flow.Ready
	}, 5*time.Second, 10*time.Millisecond)
	resp, err := DecodeMessage[ReplicateResponse](reply)
	require.NoError(t, err)
	require.True(t, resp.Payload.Success)

	t.Run("events keep their order", func(t *testing.T) {
		var sent []string
		for i := range 20 {
			env := mustEnvelope(t, NewMessage(PathPing, Ping{SentAt: time.Unix(int64(i), 0)}))
			sent = append(sent, env.ID)
			require.NoError(t, conn.SendNonBlocking(env))
		}
		var received []string
		require.Eventually(t, func() bool {
			for {
				env, err := accepted.TryRecv()
				if err != nil {
					break
				}
				received = append(received, env.ID)
			}
			return len(received) == len(sent)
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, sent, received)
	})

	t.Run("closing severs the other end", func(t *testing.T) {
		require.NoError(t, conn.Close("test done"))
		require.Eventually(t, func() bool {
			return accepted.IsDisconnected()
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestTransport_PinningMismatch(t *testing.T) {
	creds, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	impostor, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	clientTLS, err := PinnedClientTLSConfig(creds.CertPEM)
	require.NoError(t, err)

	server := newTestTransport(t, "impostor", TransportConfig{
		Mode:      ModeServer,
		ServerTLS: impostor.ServerTLSConfig(),
	})
	client := newTestTransport(t, "client", TransportConfig{
		Mode:      ModeClient,
		ClientTLS: clientTLS,
	})

	conn, err := pollConnecting(t, client.Connect(server.LocalAddr().String()))
	require.ErrorIs(t, err, ErrDialFailed)
	require.Nil(t, conn)

	_, err = server.TryAccept()
	require.ErrorIs(t, err, flow.ErrFlowEmpty)
}

func TestTransport_Config(t *testing.T) {
	_, err := NewTransport(&TransportConfig{})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewTransport(&TransportConfig{Mode: ModeServer})
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = NewTransport(&TransportConfig{Mode: ModeClient})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestTransport_ShutdownRefusesDials(t *testing.T) {
	creds, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	clientTLS, err := PinnedClientTLSConfig(creds.CertPEM)
	require.NoError(t, err)

	client := newTestTransport(t, "client", TransportConfig{
		Mode:      ModeClient,
		ClientTLS: clientTLS,
	})
	require.NoError(t, client.Shutdown())
	require.NoError(t, client.Shutdown())

	_, err = pollConnecting(t, client.Connect("127.0.0.1:1"))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestNode_OverQUIC(t *testing.T) {
	creds, err := GenerateCredentials([]string{"127.0.0.1"})
	require.NoError(t, err)
	clientTLS, err := PinnedClientTLSConfig(creds.CertPEM)
	require.NoError(t, err)

	sim := newTestNode(t, RoleSimulation,
		WithListenOn("127.0.0.1", 0),
		WithServerTLS(creds.ServerTLSConfig()),
	)
	addr := fmt.Sprintf("127.0.0.1:%d", sim.Transport().LocalAddr().Port)
	client := newTestNode(t, RoleClient,
		WithListenOn("127.0.0.1", 0),
		WithClientTLS(clientTLS),
		WithAutoSpawn(scout, IdentityTransform),
	)
	require.Equal(t, ModeServer, sim.Transport().Mode())
	require.Equal(t, ModeClient, client.Transport().Mode())

	require.NoError(t, client.Connect(addr))
	converge(t, func() bool {
		ship, ok := client.OwnedShip()
		if !ok {
			return false
		}
		view, ok := client.Entity(ship)
		return ok && view.Ship != nil && *view.Ship == scout
	}, sim, client)

	peers := client.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, addr, peers[0].Addr)
	require.Equal(t, sim.Identity(), *peers[0].Identity)
}
