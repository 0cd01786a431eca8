package replicant

import (
	"slices"
	"testing"
	"time"

	"github.com/raskyld/replicant/pkg/flow"
	"github.com/stretchr/testify/require"
)

var scout = Ship{Class: "scout", Hull: 1, Thrust: 2}

func identified(n *testNode) int {
	count := 0
	for _, peer := range n.Peers() {
		if peer.State == PeerIdentified {
			count++
		}
	}
	return count
}

func TestNode_AuthenticateAndSpawn(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	client := newTestNode(t, RoleClient, WithAutoSpawn(scout, IdentityTransform))
	require.NoError(t, client.ConnectLocal(sim.Node))

	converge(t, func() bool {
		return identified(sim) == 1 && identified(client) == 1
	}, sim, client)

	peers := client.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, sim.Identity(), *peers[0].Identity)
	require.Equal(t, ServerLike, peers[0].Trust)
	require.True(t, peers[0].Outbound)

	peers = sim.Peers()
	require.Equal(t, client.Identity(), *peers[0].Identity)
	require.Equal(t, ClientLike, peers[0].Trust)

	var ship Identity
	converge(t, func() bool {
		var ok bool
		ship, ok = client.OwnedShip()
		if !ok {
			return false
		}
		view, ok := client.Entity(ship)
		return ok && view.Subscribed && view.Ship != nil && view.Transform != nil &&
			view.ClientAuthority != nil && view.ServerAuthority != nil
	}, sim, client)

	view, _ := client.Entity(ship)
	require.Equal(t, NounShip, ship.Noun)
	require.Equal(t, client.Identity(), *view.ClientAuthority)
	require.Equal(t, sim.Identity(), *view.ServerAuthority)
	require.Equal(t, scout, *view.Ship)
	require.Equal(t, IdentityTransform, *view.Transform)
	require.False(t, view.Local)

	simView, ok := sim.Entity(ship)
	require.True(t, ok)
	require.True(t, simView.Local)
	require.Equal(t, 1, simView.Subscribers)

	t.Run("one ship per client", func(t *testing.T) {
		require.ErrorIs(t, client.RequestShip(scout, IdentityTransform), ErrSpawnRefused)
		settle(t, 100*time.Millisecond, sim, client)
		require.Len(t, sim.Entities(), 1)
	})

	t.Run("client moves its ship", func(t *testing.T) {
		moved := IdentityTransform
		moved.Translation = [3]float32{4, 5, 6}
		require.NoError(t, client.SetTransform(ship, moved))

		converge(t, func() bool {
			view, _ := sim.Entity(ship)
			return view.Transform != nil && *view.Transform == moved
		}, sim, client)
	})

	t.Run("client can not set server components", func(t *testing.T) {
		require.ErrorIs(t, client.SetShip(ship, Ship{Class: "dreadnought"}), ErrForbidden)

		client.lk.Lock()
		peer := client.registry.Identified()[0]
		_ = send(client.Node, peer, NewMessage(PathShip, ComponentEvent[Ship]{
			Entity: ship,
			Value:  Ship{Class: "dreadnought"},
		}))
		forged := NewMessage(PathEntitySimulationAuthority, AuthorityEvent{
			Entity:    ship,
			Authority: client.Identity(),
		})
		simIdentity := sim.Identity()
		forged.Header.SourceIdentity = &simIdentity
		_ = send(client.Node, peer, forged)
		client.lk.Unlock()

		settle(t, 100*time.Millisecond, sim, client)
		view, _ := sim.Entity(ship)
		require.Equal(t, scout, *view.Ship)
		require.Equal(t, sim.Identity(), *view.ServerAuthority)
	})

	t.Run("server updates reach the client", func(t *testing.T) {
		damaged := scout
		damaged.Hull = 0.5
		require.NoError(t, sim.SetShip(ship, damaged))
		converge(t, func() bool {
			view, _ := client.Entity(ship)
			return view.Ship != nil && *view.Ship == damaged
		}, sim, client)
	})
}

func TestNode_HubRelays(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	hub := newTestNode(t, RoleReplication)
	pilot := newTestNode(t, RoleClient, WithAutoSpawn(scout, IdentityTransform))
	watcher := newTestNode(t, RoleAI)
	nodes := []*testNode{sim, hub, pilot, watcher}

	require.NoError(t, hub.ConnectLocal(sim.Node))
	converge(t, func() bool { return identified(hub) == 1 }, nodes...)
	require.NoError(t, pilot.ConnectLocal(hub.Node))
	require.NoError(t, watcher.ConnectLocal(hub.Node))

	t.Run("identities are relayed", func(t *testing.T) {
		converge(t, func() bool {
			known := watcher.KnownPeers()
			return slices.Contains(known, sim.Identity()) &&
				slices.Contains(known, pilot.Identity()) &&
				slices.Contains(known, hub.Identity())
		}, nodes...)
		require.NotContains(t, watcher.KnownPeers(), watcher.Identity())
		converge(t, func() bool {
			return slices.Contains(sim.KnownPeers(), pilot.Identity())
		}, nodes...)
	})

	var ship Identity
	t.Run("spawn is forwarded to the simulation", func(t *testing.T) {
		converge(t, func() bool {
			var ok bool
			ship, ok = pilot.OwnedShip()
			return ok
		}, nodes...)

		_, ok := hub.Entity(ship)
		require.True(t, ok)
		simView, ok := sim.Entity(ship)
		require.True(t, ok)
		require.True(t, simView.Local)
		require.Equal(t, pilot.Identity(), *simView.ClientAuthority, "the hub spawned it on behalf of the pilot")
	})

	t.Run("entity reaches every client through the hub", func(t *testing.T) {
		for _, n := range []*testNode{pilot, watcher} {
			converge(t, func() bool {
				view, ok := n.Entity(ship)
				return ok && view.Subscribed && view.ClientAuthority != nil &&
					view.ServerAuthority != nil && view.ReplicationAuthority != nil && view.Ship != nil
			}, nodes...)
			view, _ := n.Entity(ship)
			require.Equal(t, pilot.Identity(), *view.ClientAuthority)
			require.Equal(t, sim.Identity(), *view.ServerAuthority)
			require.Equal(t, hub.Identity(), *view.ReplicationAuthority)
		}
	})

	t.Run("client updates go upstream and across", func(t *testing.T) {
		moved := IdentityTransform
		moved.Translation = [3]float32{1, 1, 1}
		require.NoError(t, pilot.SetTransform(ship, moved))

		converge(t, func() bool {
			simView, _ := sim.Entity(ship)
			watched, _ := watcher.Entity(ship)
			return simView.Transform != nil && *simView.Transform == moved &&
				watched.Transform != nil && *watched.Transform == moved
		}, nodes...)
	})

	t.Run("other clients can not move it", func(t *testing.T) {
		stolen := IdentityTransform
		stolen.Translation = [3]float32{9, 9, 9}
		require.ErrorIs(t, watcher.SetTransform(ship, stolen), ErrForbidden)

		watcher.lk.Lock()
		peer := watcher.registry.Identified()[0]
		_ = send(watcher.Node, peer, NewMessage(PathTransformation, ComponentEvent[Transform]{
			Entity: ship,
			Value:  stolen,
		}))
		watcher.lk.Unlock()

		settle(t, 100*time.Millisecond, nodes...)
		simView, _ := sim.Entity(ship)
		require.NotEqual(t, stolen, *simView.Transform)
		hubView, _ := hub.Entity(ship)
		require.NotEqual(t, stolen, *hubView.Transform)
	})
}

func TestNode_Replicate(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	client := newTestNode(t, RoleClient)
	require.NoError(t, client.ConnectLocal(sim.Node))
	converge(t, func() bool { return identified(client) == 1 && identified(sim) == 1 }, sim, client)

	t.Run("unknown entity is refused", func(t *testing.T) {
		var resp *ReplicateResponse
		client.lk.Lock()
		peer := client.registry.Identified()[0]
		err := call(client.Node, peer, NewMessage(PathReplicateRequest, ReplicateRequest{Identity: NewIdentity("asteroid")}),
			func(msg Message[ReplicateResponse]) {
				resp = &msg.Payload
			},
			nil,
		)
		client.lk.Unlock()
		require.NoError(t, err)

		converge(t, func() bool { return resp != nil }, sim, client)
		require.False(t, resp.Success)
		require.Contains(t, resp.Reason, ErrUnknownEntity.Error())
	})

	asteroid, err := sim.SpawnEntity("asteroid", IdentityTransform)
	require.NoError(t, err)

	t.Run("known entity is subscribed to", func(t *testing.T) {
		converge(t, func() bool {
			view, ok := client.Entity(asteroid)
			return ok && view.Subscribed && view.Transform != nil && view.ServerAuthority != nil
		}, sim, client)
		view, _ := sim.Entity(asteroid)
		require.Equal(t, 1, view.Subscribers)
		require.Equal(t, 1.0, counter(sim.sink, MetricReplicationSubscribed))
	})

	t.Run("duplicate announcements are ignored", func(t *testing.T) {
		client.lk.Lock()
		e, _ := client.world.Get(asteroid)
		upstream := e.Upstream()
		client.lk.Unlock()

		sim.lk.Lock()
		sim.announce(asteroid, 0)
		sim.announce(asteroid, 0)
		sim.lk.Unlock()
		settle(t, 100*time.Millisecond, sim, client)

		require.Len(t, client.Entities(), 1)
		view, _ := client.Entity(asteroid)
		require.True(t, view.Subscribed)
		client.lk.Lock()
		e, _ = client.world.Get(asteroid)
		require.Equal(t, upstream, e.Upstream())
		client.lk.Unlock()
	})

	t.Run("at most one send per component per tick", func(t *testing.T) {
		transformSends := func() float64 {
			return counter(sim.sink, MetricReplicationSendCount, LabelComponent.M(KindTransform.String()))
		}
		before := transformSends()

		var last Transform
		for i := range 3 {
			last = IdentityTransform
			last.Translation = [3]float32{float32(i), 0, 0}
			require.NoError(t, sim.SetTransform(asteroid, last))
		}
		require.NoError(t, sim.Tick(time.Now()))
		require.Equal(t, before+1, transformSends())

		converge(t, func() bool {
			view, _ := client.Entity(asteroid)
			return *view.Transform == last
		}, sim, client)
	})

	t.Run("snapshot on demand", func(t *testing.T) {
		other := newTestNode(t, RoleAI)
		require.NoError(t, other.ConnectLocal(sim.Node))
		converge(t, func() bool {
			_, ok := other.Entity(asteroid)
			return ok
		}, sim, client, other)

		require.NoError(t, other.ReplicateComponents(asteroid))
		converge(t, func() bool {
			view, _ := other.Entity(asteroid)
			return view.Transform != nil
		}, sim, client, other)
	})

	t.Run("upstream loss orphans entities", func(t *testing.T) {
		require.NoError(t, sim.Shutdown())
		converge(t, func() bool { return len(client.Peers()) == 0 }, client)

		view, ok := client.Entity(asteroid)
		require.True(t, ok, "entities outlive their upstream")
		require.False(t, view.Subscribed)
		require.NotContains(t, client.KnownPeers(), sim.Identity())
	})
}

func TestNode_AuthenticationRefused(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)

	t.Run("incompatible version", func(t *testing.T) {
		client := newTestNode(t, RoleClient, WithProtocolVersion("2.0.0", "^2.0.0"))
		require.NoError(t, client.ConnectLocal(sim.Node))
		settle(t, 50*time.Millisecond, sim, client)
		converge(t, func() bool { return len(client.Peers()) == 0 }, sim, client)
		require.Positive(t, counter(sim.sink, MetricAuthErrorCount))
	})

	t.Run("identity already connected", func(t *testing.T) {
		first := newTestNode(t, RoleClient)
		require.NoError(t, first.ConnectLocal(sim.Node))
		converge(t, func() bool { return identified(first) == 1 }, sim, first)

		twin, err := NewNode(first.Identity(), WithLog(testLogHandler("twin")))
		require.NoError(t, err)
		t.Cleanup(func() { _ = twin.Shutdown() })
		require.NoError(t, twin.ConnectLocal(sim.Node))

		converge(t, func() bool { return len(twin.Peers()) == 0 }, sim, first, &testNode{Node: twin})
		require.Equal(t, 1, identified(first))
	})

	t.Run("unauthenticated requests are refused", func(t *testing.T) {
		anonymous, right := newLocalPair(testBridgeConfig("anonymous", nil), sim.bridgeConfig())
		defer anonymous.Close("test done")
		require.NoError(t, sim.offer(offeredLink{link: right}))

		fut, err := anonymous.SendBlocking(mustEnvelope(t, NewMessage(PathEntityIdentitiesRequest, EntityIdentitiesRequest{})))
		require.NoError(t, err)

		var reply Envelope
		converge(t, func() bool {
			var state flow.PollState
			reply, state = fut.Poll()
			return state == flow.Ready
		}, sim)

		resp, err := DecodeMessage[EntityIdentitiesResponse](reply)
		require.NoError(t, err)
		require.False(t, resp.Payload.Success)
		require.Equal(t, ErrUnauthenticated.Error(), resp.Payload.Reason)
	})
}

func TestNode_PublishAuthority(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	client := newTestNode(t, RoleClient)
	require.NoError(t, client.ConnectLocal(sim.Node))
	converge(t, func() bool { return identified(client) == 1 }, sim, client)

	station, err := sim.SpawnEntity("station", IdentityTransform)
	require.NoError(t, err)
	converge(t, func() bool {
		_, ok := client.Entity(station)
		return ok
	}, sim, client)

	require.NoError(t, sim.PublishAuthority(KindClientAuthority, station, client.Identity()))
	converge(t, func() bool {
		view, _ := client.Entity(station)
		return view.ClientAuthority != nil && *view.ClientAuthority == client.Identity()
	}, sim, client)

	require.ErrorIs(t, sim.PublishAuthority(KindTransform, station, client.Identity()), ErrForbidden)
	require.ErrorIs(t, client.PublishAuthority(KindServerAuthority, station, client.Identity()), ErrForbidden)
	require.ErrorIs(t,
		sim.PublishAuthority(KindClientAuthority, station, NewIdentity(string(RoleClient))),
		ErrAuthorityConflict,
	)

	_, err = client.SpawnEntity("station", IdentityTransform)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestNode_HubDialsSimulation(t *testing.T) {
	sim := newTestNode(t, RoleSimulation)
	hub := newTestNode(t, RoleReplication)
	pilot := newTestNode(t, RoleClient)
	nodes := []*testNode{sim, hub, pilot}

	asteroid, err := sim.SpawnEntity("asteroid", IdentityTransform)
	require.NoError(t, err)

	require.NoError(t, pilot.ConnectLocal(hub.Node))
	converge(t, func() bool { return identified(hub) == 1 }, nodes...)

	// the simulation lists what the hub knows as soon as it accepted it,
	// possibly before the hub polled its own authentication.
	require.NoError(t, hub.ConnectLocal(sim.Node))
	converge(t, func() bool {
		return slices.Contains(sim.KnownPeers(), pilot.Identity())
	}, nodes...)
	converge(t, func() bool {
		view, ok := pilot.Entity(asteroid)
		return ok && view.Subscribed && view.Transform != nil
	}, nodes...)

	for _, path := range []Path{PathIdentitiesRequest, PathEntityIdentitiesRequest} {
		require.Zero(t, counter(hub.sink, MetricMessageRejectedCount, LabelEndpoint.M(string(path))), path)
	}
}

func TestNode_IdentityDirectory(t *testing.T) {
	hub := newTestNode(t, RoleReplication)
	identityEvents := func() float64 {
		return counter(hub.sink, MetricMessageOutCount, LabelEndpoint.M(string(PathIdentity)))
	}
	listings := func() float64 {
		return counter(hub.sink, MetricMessageOutCount, LabelEndpoint.M(string(PathIdentitiesResponse)))
	}

	first := newTestNode(t, RoleClient)
	require.NoError(t, first.ConnectLocal(hub.Node))
	converge(t, func() bool { return listings() == 1 }, hub, first)
	settle(t, 50*time.Millisecond, hub, first)
	require.Zero(t, identityEvents(), "nothing to replay and nobody to tell")
	require.Equal(t, []Identity{hub.Identity()}, first.KnownPeers())

	second := newTestNode(t, RoleAI)
	require.NoError(t, second.ConnectLocal(hub.Node))
	converge(t, func() bool {
		return slices.Contains(first.KnownPeers(), second.Identity()) &&
			slices.Contains(second.KnownPeers(), first.Identity())
	}, hub, first, second)
	settle(t, 50*time.Millisecond, hub, first, second)
	require.Equal(t, 2.0, identityEvents(), "one broadcast to first, one replay to second")

	third := newTestNode(t, RoleClient)
	require.NoError(t, third.ConnectLocal(hub.Node))
	converge(t, func() bool {
		return len(first.KnownPeers()) == 3 && len(second.KnownPeers()) == 3 && len(third.KnownPeers()) == 3
	}, hub, first, second, third)
	settle(t, 50*time.Millisecond, hub, first, second, third)
	require.Equal(t, 6.0, identityEvents(), "two broadcasts, two replays")

	t.Run("identities are forgotten with the link which introduced them", func(t *testing.T) {
		require.NoError(t, third.Shutdown())
		converge(t, func() bool {
			return !slices.Contains(hub.KnownPeers(), third.Identity())
		}, hub, first, second)

		require.NoError(t, hub.Shutdown())
		converge(t, func() bool {
			return len(first.KnownPeers()) == 0 && len(second.KnownPeers()) == 0
		}, first, second)
	})
}

func TestNode_AuthenticationTimeout(t *testing.T) {
	sim := newTestNode(t, RoleSimulation, WithAuthTimeout(250*time.Millisecond))
	client := newTestNode(t, RoleClient)
	require.NoError(t, client.ConnectLocal(sim.Node))

	silent, right := newLocalPair(testBridgeConfig("silent", nil), sim.bridgeConfig())
	defer silent.Close("test done")
	require.NoError(t, sim.offer(offeredLink{link: right}))

	converge(t, func() bool {
		return silent.IsDisconnected() && len(sim.Peers()) == 1
	}, sim, client)
	require.Equal(t, 1.0, counter(sim.sink, MetricAuthErrorCount))

	settle(t, 300*time.Millisecond, sim, client)
	require.Equal(t, 1, identified(sim), "authenticated peers are kept")
	require.Equal(t, 1, identified(client))
}
