package replicant

import (
	"fmt"
	"time"
)

type shipPhase uint8

const (
	shipNone shipPhase = iota
	shipPending
	shipOwned
)

// shipState tracks the ship a client asked for. A client has at most
// one ship pending or owned.
type shipState struct {
	phase    shipPhase
	identity Identity
	retryAt  time.Time
}

func (n *Node) registerSpawnHandlers() {
	On(n.router, PathShipSpawnRequest, n.handleShipSpawn)
}

func (n *Node) handleShipSpawn(d *Delivery, msg Message[ShipSpawnRequest]) error {
	requester, ok := d.Source()
	if !ok {
		_ = respond(n, d, ShipSpawnResponse{Reason: ErrUnauthenticated.Error()})
		return ErrUnauthenticated
	}

	switch {
	case *n.cfg.spawnShips:
		resp, err := n.spawnShip(requester, msg.Payload)
		if rerr := respond(n, d, resp); err == nil {
			err = rerr
		}
		return err
	case n.identity.Role().Relays():
		return n.forwardShipSpawn(d, requester, msg.Payload)
	default:
		_ = respond(n, d, ShipSpawnResponse{Reason: ErrNoSpawner.Error()})
		return ErrNoSpawner
	}
}

// spawnShip creates a ship owned by requester and announces it to every
// identified peer before the response is sent.
func (n *Node) spawnShip(requester Identity, req ShipSpawnRequest) (ShipSpawnResponse, error) {
	if owned := n.world.CountClientAuthority(NounShip, requester); owned >= n.cfg.maxShipsPerClient {
		err := fmt.Errorf("%w: %s already owns %d ship(s)", ErrSpawnRefused, requester, owned)
		return ShipSpawnResponse{Reason: err.Error()}, err
	}

	id := NewIdentity(NounShip)
	self := n.identity.ref()
	n.world.Spawn(id, true, 0)

	steps := []func() (bool, error){
		func() (bool, error) { return n.world.SetAuthority(KindClientAuthority, id, requester, 0, self) },
		func() (bool, error) { return n.world.SetAuthority(KindServerAuthority, id, n.identity, 0, self) },
		func() (bool, error) { return n.world.SetTransform(id, req.Transform, 0, self) },
		func() (bool, error) { return n.world.SetShip(id, req.Ship, 0, self) },
	}
	for _, step := range steps {
		if _, err := step(); err != nil {
			return ShipSpawnResponse{Reason: err.Error()}, err
		}
	}

	n.announce(id, 0)
	n.logger.Info("ship spawned", LabelEntity.L(id), LabelPeerIdentity.L(requester))
	return ShipSpawnResponse{
		Success:         true,
		Identity:        id.ref(),
		ClientAuthority: requester.ref(),
	}, nil
}

// forwardShipSpawn hands a spawn request over to the simulation, on
// behalf of requester, and relays its answer.
func (n *Node) forwardShipSpawn(d *Delivery, requester Identity, req ShipSpawnRequest) error {
	sim, ok := n.registry.FirstWithRole(RoleSimulation)
	if !ok || !sim.Identified() {
		_ = respond(n, d, ShipSpawnResponse{Reason: ErrNoSpawner.Error()})
		return ErrNoSpawner
	}

	origin, origID := d.Peer.ID(), d.ID
	reply := func(resp ShipSpawnResponse) {
		peer, ok := n.registry.Get(origin)
		if !ok {
			return
		}
		_ = send(n, peer, Reply(origID, PathShipSpawnResponse, resp))
	}

	fwd := NewMessage(PathShipSpawnRequest, req)
	fwd.Header.SourceIdentity = requester.ref()
	err := call(n, sim, fwd,
		func(resp Message[ShipSpawnResponse]) {
			reply(resp.Payload)
		},
		func() {
			reply(ShipSpawnResponse{Reason: fmt.Sprintf("%s: simulation went away", ErrSpawnRefused)})
		},
	)
	if err != nil {
		_ = respond(n, d, ShipSpawnResponse{Reason: err.Error()})
		return err
	}
	n.logger.Debug("ship spawn forwarded", LabelPeerIdentity.L(requester), LabelMessageID.L(origID.String()))
	return nil
}

// spawnTarget prefers the simulation, then any server-like peer.
func (n *Node) spawnTarget() (*Peer, bool) {
	if sim, ok := n.registry.FirstWithRole(RoleSimulation); ok && sim.Identified() {
		return sim, true
	}
	for _, peer := range n.registry.Identified() {
		if peer.Trust == ServerLike {
			return peer, true
		}
	}
	return nil, false
}

// RequestShip asks a server-like peer for a ship. It fails if one is
// already pending or owned.
func (n *Node) RequestShip(ship Ship, transform Transform) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	return n.requestShip(ShipSpawnRequest{Ship: ship, Transform: transform})
}

func (n *Node) requestShip(req ShipSpawnRequest) error {
	if n.ship.phase != shipNone {
		return fmt.Errorf("%w: a ship is already pending or owned", ErrSpawnRefused)
	}
	target, ok := n.spawnTarget()
	if !ok {
		return ErrNoSpawner
	}

	n.ship.phase = shipPending
	attrs := target.logAttrs()
	retry := func() {
		n.ship = shipState{phase: shipNone, retryAt: n.now.Add(n.cfg.pingInterval)}
	}

	err := call(n, target, NewMessage(PathShipSpawnRequest, req),
		func(resp Message[ShipSpawnResponse]) {
			if !resp.Payload.Success || resp.Payload.Identity == nil {
				n.logger.Warn("ship spawn refused", append(attrs, LabelReason.L(resp.Payload.Reason))...)
				retry()
				return
			}
			n.ship = shipState{phase: shipOwned, identity: *resp.Payload.Identity}
			n.logger.Info("ship owned", LabelEntity.L(*resp.Payload.Identity))
		},
		retry,
	)
	if err != nil {
		retry()
		return err
	}
	return nil
}

// spawnPolicy requests the configured ship once a spawner is reachable.
func (n *Node) spawnPolicy() {
	if n.cfg.autoSpawn == nil || n.ship.phase != shipNone || n.now.Before(n.ship.retryAt) {
		return
	}
	if _, ok := n.spawnTarget(); !ok {
		return
	}
	if err := n.requestShip(*n.cfg.autoSpawn); err != nil {
		n.logger.Debug("could not request ship", LabelError.L(err))
	}
}

// OwnedShip returns the ship spawned for this node, once acknowledged.
func (n *Node) OwnedShip() (Identity, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.ship.phase != shipOwned {
		return Identity{}, false
	}
	return n.ship.identity, true
}
