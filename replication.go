package replicant

import (
	"fmt"
)

func (n *Node) registerReplicationHandlers() {
	On(n.router, PathEntityIdentitiesRequest, n.handleEntityIdentities)
	On(n.router, PathEntityIdentity, n.handleEntityIdentity)
	On(n.router, PathReplicateRequest, n.handleReplicate)
	On(n.router, PathReplicateComponentsReq, n.handleReplicateComponents)

	On(n.router, PathEntityClientAuthority, n.authorityComponentHandler(KindClientAuthority))
	On(n.router, PathEntitySimulationAuthority, n.authorityComponentHandler(KindServerAuthority))
	On(n.router, PathEntityReplicationAuthority, n.authorityComponentHandler(KindReplicationAuthority))
	On(n.router, PathTransformation, n.handleTransform)
	On(n.router, PathShip, n.handleShip)
}

// announce sends the identity of entity to every identified peer but
// except.
func (n *Node) announce(entity Identity, except ConnID) {
	for _, peer := range n.registry.Identified() {
		if peer.ID() == except {
			continue
		}
		_ = send(n, peer, NewMessage(PathEntityIdentity, EntityIdentityEvent{Identity: entity}))
	}
}

func (n *Node) requestEntityIdentities(peer *Peer) {
	attrs := peer.logAttrs()
	_ = call(n, peer, NewMessage(PathEntityIdentitiesRequest, EntityIdentitiesRequest{}),
		func(resp Message[EntityIdentitiesResponse]) {
			if !resp.Payload.Success {
				n.logger.Warn("entity listing refused", append(attrs, LabelReason.L(resp.Payload.Reason))...)
				return
			}
			n.logger.Debug("entities listed", append(attrs, "replayed", resp.Payload.Replayed)...)
		},
		nil,
	)
}

// handleEntityIdentities replays every known entity identity, then
// acknowledges.
func (n *Node) handleEntityIdentities(d *Delivery, msg Message[EntityIdentitiesRequest]) error {
	if d.Peer.Identity == nil {
		_ = respond(n, d, EntityIdentitiesResponse{Reason: ErrUnauthenticated.Error()})
		return ErrUnauthenticated
	}

	replayed := 0
	for _, e := range n.world.Entities() {
		if e.upstream == d.Peer.ID() {
			// they told us about it.
			continue
		}
		event := NewMessage(PathEntityIdentity, EntityIdentityEvent{Identity: e.Identity})
		if err := send(n, d.Peer, event); err != nil {
			_ = respond(n, d, EntityIdentitiesResponse{Replayed: replayed, Reason: err.Error()})
			return err
		}
		replayed++
	}
	return respond(n, d, EntityIdentitiesResponse{Success: true, Replayed: replayed})
}

// handleEntityIdentity creates the entity the first time it is announced.
// Later announcements are no-ops, unless the entity lost its upstream in
// which case the announcing peer becomes its new upstream.
func (n *Node) handleEntityIdentity(d *Delivery, msg Message[EntityIdentityEvent]) error {
	if !d.Trusted {
		return fmt.Errorf("%w: entity announcement", ErrForbidden)
	}
	id := msg.Payload.Identity
	if id.IsZero() {
		return fmt.Errorf("%w: empty entity identity", ErrMalformedEnvelope)
	}

	_, created := n.world.Spawn(id, false, d.Peer.ID())
	if !created {
		if n.world.Adopt(id, d.Peer.ID()) {
			n.logger.Info("orphan entity adopted", LabelEntity.L(id), LabelConnID.L(uint64(d.Peer.ID())))
			return nil
		}
		n.logger.Debug("ignoring duplicate entity announcement", LabelEntity.L(id), LabelConnID.L(uint64(d.Peer.ID())))
		return nil
	}

	n.logger.Debug("entity discovered", LabelEntity.L(id), LabelConnID.L(uint64(d.Peer.ID())))
	if n.identity.Role().Relays() {
		self := n.identity.ref()
		if _, err := n.world.SetAuthority(KindReplicationAuthority, id, n.identity, 0, self); err != nil {
			n.logger.Warn("could not claim replication authority", LabelEntity.L(id), LabelError.L(err))
		}
		n.announce(id, d.Peer.ID())
	}
	return nil
}

// handleReplicate subscribes the peer to an entity and sends it the
// current value of each of its components.
func (n *Node) handleReplicate(d *Delivery, msg Message[ReplicateRequest]) error {
	e, err := n.replicable(d, msg.Payload.Identity)
	if err != nil {
		_ = respond(n, d, ReplicateResponse{Reason: err.Error()})
		return err
	}
	if err := n.world.Subscribe(e.Identity, d.Peer.ID()); err != nil {
		_ = respond(n, d, ReplicateResponse{Reason: err.Error()})
		return err
	}
	if err := respond(n, d, ReplicateResponse{Success: true}); err != nil {
		return err
	}

	n.msink.IncrCounterWithLabels(MetricReplicationSubscribed, 1.0, n.mLabels)
	n.queueIntents(e, d.Peer.ID())
	return nil
}

// handleReplicateComponents sends a one-shot snapshot without
// subscribing.
func (n *Node) handleReplicateComponents(d *Delivery, msg Message[ReplicateRequest]) error {
	e, err := n.replicable(d, msg.Payload.Identity)
	if err != nil {
		_ = respond(n, d, ReplicateResponse{Reason: err.Error()})
		return err
	}
	if err := respond(n, d, ReplicateResponse{Success: true}); err != nil {
		return err
	}
	n.queueIntents(e, d.Peer.ID())
	return nil
}

func (n *Node) replicable(d *Delivery, id Identity) (*Entity, error) {
	if d.Peer.Identity == nil {
		return nil, ErrUnauthenticated
	}
	e, ok := n.world.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return e, nil
}

func (n *Node) queueIntents(e *Entity, endpoint ConnID) {
	for _, kind := range KindsFor(e.Identity.Noun) {
		n.intents = append(n.intents, Intent{Kind: kind, Entity: e.Identity, Endpoint: endpoint})
	}
}

// ReplicateComponents asks the upstream of entity for a fresh snapshot
// of its components.
func (n *Node) ReplicateComponents(entity Identity) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	e, ok := n.world.Get(entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	peer, ok := n.registry.Get(e.upstream)
	if !ok || !peer.Identified() {
		return fmt.Errorf("%w: %s has no upstream", ErrDisconnected, entity)
	}
	return call(n, peer, NewMessage(PathReplicateComponentsReq, ReplicateRequest{Identity: entity}),
		func(resp Message[ReplicateResponse]) {
			if !resp.Payload.Success {
				n.logger.Warn("snapshot refused", LabelEntity.L(entity), LabelReason.L(resp.Payload.Reason))
			}
		},
		nil,
	)
}

// subscribe sends a replicate request for every remote entity we are
// not subscribed to yet.
func (n *Node) subscribe() {
	for _, e := range n.world.Entities() {
		if e.local || e.upstream == 0 || e.sub != subNone {
			continue
		}
		peer, ok := n.registry.Get(e.upstream)
		if !ok || !peer.Identified() {
			continue
		}

		id, upstream := e.Identity, e.upstream
		e.sub = subPending
		err := call(n, peer, NewMessage(PathReplicateRequest, ReplicateRequest{Identity: id}),
			func(resp Message[ReplicateResponse]) {
				e, ok := n.world.Get(id)
				if !ok || e.upstream != upstream || e.sub != subPending {
					return
				}
				if resp.Payload.Success {
					e.sub = subActive
					n.logger.Debug("subscribed", LabelEntity.L(id), LabelConnID.L(uint64(upstream)))
					return
				}
				e.sub = subRefused
				n.logger.Warn("replication refused", LabelEntity.L(id), LabelReason.L(resp.Payload.Reason))
			},
			func() {
				if e, ok := n.world.Get(id); ok && e.upstream == upstream && e.sub == subPending {
					e.sub = subNone
				}
			},
		)
		if err != nil {
			e.sub = subNone
		}
	}
}

type sendKey struct {
	entity   Identity
	kind     ComponentKind
	endpoint ConnID
}

// flush consumes the intents then fans out every dirty component. A
// component is sent at most once per endpoint and per tick, with its
// current value.
func (n *Node) flush() {
	sent := make(map[sendKey]struct{})

	intents := n.intents
	n.intents = nil
	for _, intent := range intents {
		e, ok := n.world.Get(intent.Entity)
		if !ok || !e.has(intent.Kind) {
			continue
		}
		key := sendKey{entity: intent.Entity, kind: intent.Kind, endpoint: intent.Endpoint}
		if _, done := sent[key]; done {
			continue
		}
		peer, ok := n.registry.Get(intent.Endpoint)
		if !ok {
			continue
		}
		if n.sendComponent(peer, e, intent.Kind, nil) == nil {
			sent[key] = struct{}{}
		}
	}

	for _, dirty := range n.world.TakeDirty() {
		e, ok := n.world.Get(dirty.Entity)
		if !ok {
			continue
		}
		targets := e.Subscribers()
		if dirty.Kind.ClientOwned() && e.upstream != 0 {
			targets = append(targets, e.upstream)
		}
		for _, target := range targets {
			if target == dirty.Origin {
				continue
			}
			key := sendKey{entity: dirty.Entity, kind: dirty.Kind, endpoint: target}
			if _, done := sent[key]; done {
				continue
			}
			peer, ok := n.registry.Get(target)
			if !ok || !peer.Identified() {
				continue
			}
			if n.sendComponent(peer, e, dirty.Kind, dirty.Author) == nil {
				sent[key] = struct{}{}
			}
		}
	}
}

// sendComponent sends the current value of kind. author is only honored
// by the receiver when we relay.
func (n *Node) sendComponent(peer *Peer, e *Entity, kind ComponentKind, author *Identity) error {
	header := Header{SourceIdentity: author}
	var err error
	switch kind {
	case KindTransform:
		msg := NewMessage(kind.Path(), ComponentEvent[Transform]{Entity: e.Identity, Value: *e.Transform})
		msg.Header = header
		err = send(n, peer, msg)
	case KindShip:
		msg := NewMessage(kind.Path(), ComponentEvent[Ship]{Entity: e.Identity, Value: *e.Ship})
		msg.Header = header
		err = send(n, peer, msg)
	default:
		msg := NewMessage(kind.Path(), AuthorityEvent{Entity: e.Identity, Authority: **e.authority(kind)})
		msg.Header = header
		err = send(n, peer, msg)
	}
	if err == nil {
		n.msink.IncrCounterWithLabels(
			MetricReplicationSendCount,
			1.0,
			withLabels(n.mLabels, LabelComponent.M(kind.String())),
		)
	}
	return err
}

func (n *Node) authorityComponentHandler(kind ComponentKind) func(*Delivery, Message[AuthorityEvent]) error {
	return func(d *Delivery, msg Message[AuthorityEvent]) error {
		e, ok := n.world.Get(msg.Payload.Entity)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, msg.Payload.Entity)
		}
		if err := n.authorizeComponent(d, e, kind); err != nil {
			return err
		}
		if kind == KindReplicationAuthority && n.identity.Role().Relays() {
			// downstream learns the entity through us, whoever relayed it
			// upstream.
			n.logger.Debug(
				"keeping own replication authority",
				LabelEntity.L(e.Identity),
				LabelPeerIdentity.L(msg.Payload.Authority),
			)
			return nil
		}
		_, err := n.world.SetAuthority(kind, e.Identity, msg.Payload.Authority, d.Peer.ID(), d.Header.SourceIdentity)
		return err
	}
}

func (n *Node) handleTransform(d *Delivery, msg Message[ComponentEvent[Transform]]) error {
	e, ok := n.world.Get(msg.Payload.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, msg.Payload.Entity)
	}
	if err := n.authorizeComponent(d, e, KindTransform); err != nil {
		return err
	}
	_, err := n.world.SetTransform(e.Identity, msg.Payload.Value, d.Peer.ID(), d.Header.SourceIdentity)
	return err
}

func (n *Node) handleShip(d *Delivery, msg Message[ComponentEvent[Ship]]) error {
	e, ok := n.world.Get(msg.Payload.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, msg.Payload.Entity)
	}
	if err := n.authorizeComponent(d, e, KindShip); err != nil {
		return err
	}
	_, err := n.world.SetShip(e.Identity, msg.Payload.Value, d.Peer.ID(), d.Header.SourceIdentity)
	return err
}

// SpawnEntity creates a local entity this node is the server authority
// of, and announces it.
func (n *Node) SpawnEntity(noun string, transform Transform) (Identity, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return Identity{}, ErrNodeClosed
	}
	if trust, _ := n.identity.Role().Classify(); trust != ServerLike {
		return Identity{}, fmt.Errorf("%w: %s may not spawn entities", ErrForbidden, n.identity)
	}

	id := NewIdentity(noun)
	self := n.identity.ref()
	n.world.Spawn(id, true, 0)
	if _, err := n.world.SetAuthority(KindServerAuthority, id, n.identity, 0, self); err != nil {
		return Identity{}, err
	}
	if _, err := n.world.SetTransform(id, transform, 0, self); err != nil {
		return Identity{}, err
	}
	n.announce(id, 0)
	return id, nil
}

// SetTransform updates the transform of an entity. The node must be its
// client or server authority, or own it.
func (n *Node) SetTransform(entity Identity, transform Transform) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	e, ok := n.world.Get(entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if !n.owns(e, KindTransform) {
		return fmt.Errorf("%w: %s may not set %s of %s", ErrForbidden, n.identity, KindTransform, entity)
	}
	_, err := n.world.SetTransform(entity, transform, 0, n.identity.ref())
	return err
}

// SetShip updates the ship payload. Only the server authority may.
func (n *Node) SetShip(entity Identity, ship Ship) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	e, ok := n.world.Get(entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if !n.owns(e, KindShip) {
		return fmt.Errorf("%w: %s may not set %s of %s", ErrForbidden, n.identity, KindShip, entity)
	}
	_, err := n.world.SetShip(entity, ship, 0, n.identity.ref())
	return err
}

func (n *Node) owns(e *Entity, kind ComponentKind) bool {
	if e.local {
		return true
	}
	if e.ServerAuthority != nil && *e.ServerAuthority == n.identity {
		return true
	}
	return kind.ClientOwned() && e.ClientAuthority != nil && *e.ClientAuthority == n.identity
}
