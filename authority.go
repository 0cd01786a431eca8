package replicant

import (
	"fmt"
)

// ConflictPolicy decides what happens when an authority is assigned to
// an entity that already has a different one.
type ConflictPolicy uint8

const (
	// ConflictReject keeps the first authority and fails the assignment.
	ConflictReject ConflictPolicy = iota
	// ConflictOverwrite lets the latest trusted assignment win.
	ConflictOverwrite
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictReject:
		return "reject"
	case ConflictOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// ParseConflictPolicy is the inverse of [ConflictPolicy.String].
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "reject":
		return ConflictReject, nil
	case "overwrite":
		return ConflictOverwrite, nil
	default:
		return 0, fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidCfg, s)
	}
}

func (n *Node) registerAuthorityHandlers() {
	On(n.router, PathClientAuthority, n.authorityEventHandler(KindClientAuthority))
	On(n.router, PathServerAuthority, n.authorityEventHandler(KindServerAuthority))
}

// authorityEventHandler handles explicit assignments. Only trusted
// sources may assign an authority, and only to an entity known here.
func (n *Node) authorityEventHandler(kind ComponentKind) func(*Delivery, Message[AuthorityEvent]) error {
	return func(d *Delivery, msg Message[AuthorityEvent]) error {
		if !d.Trusted {
			return fmt.Errorf("%w: %s assignment", ErrForbidden, kind)
		}
		entity := msg.Payload.Entity
		changed, err := n.world.SetAuthority(kind, entity, msg.Payload.Authority, d.Peer.ID(), d.Header.SourceIdentity)
		if err != nil {
			return err
		}
		if changed {
			n.logger.Info(
				"authority assigned",
				LabelEntity.L(entity),
				LabelComponent.L(kind.String()),
				LabelPeerIdentity.L(msg.Payload.Authority),
			)
			if n.identity.Role().Relays() {
				n.relayAuthority(kind, msg.Payload, d.Peer.ID(), d.Header.SourceIdentity)
			}
		}
		return nil
	}
}

// authorizeComponent checks that the source of d may set kind on e.
// Trusted sources may set anything. Untrusted ones may only set the
// client-owned components of the entities they are the client authority
// of.
func (n *Node) authorizeComponent(d *Delivery, e *Entity, kind ComponentKind) error {
	if d.Trusted {
		return nil
	}
	src, ok := d.Source()
	if !ok {
		return fmt.Errorf("%w: %s of %s", ErrUnauthenticated, kind, e.Identity)
	}
	if kind.ClientOwned() && e.ClientAuthority != nil && *e.ClientAuthority == src {
		return nil
	}
	return fmt.Errorf("%w: %s may not set %s of %s", ErrForbidden, src, kind, e.Identity)
}

// PublishAuthority assigns an authority facet of a local entity and
// notifies every identified peer which is not subscribed to it, the
// subscribers getting it through replication.
func (n *Node) PublishAuthority(kind ComponentKind, entity Identity, authority Identity) error {
	var path Path
	switch kind {
	case KindClientAuthority:
		path = PathClientAuthority
	case KindServerAuthority:
		path = PathServerAuthority
	default:
		return fmt.Errorf("%w: %s can not be published", ErrForbidden, kind)
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if trust, _ := n.identity.Role().Classify(); trust != ServerLike {
		return fmt.Errorf("%w: %s is not an authority source", ErrForbidden, n.identity)
	}

	e, ok := n.world.Get(entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	changed, err := n.world.SetAuthority(kind, entity, authority, 0, n.identity.ref())
	if err != nil || !changed {
		return err
	}

	event := AuthorityEvent{Entity: entity, Authority: authority}
	for _, peer := range n.registry.Identified() {
		if _, subscribed := e.subscribers[peer.ID()]; subscribed {
			continue
		}
		_ = send(n, peer, NewMessage(path, event))
	}
	return nil
}

// relayAuthority forwards an explicit assignment to the other identified
// peers which are not subscribed to the entity, keeping its author.
func (n *Node) relayAuthority(kind ComponentKind, event AuthorityEvent, origin ConnID, author *Identity) {
	path := PathClientAuthority
	if kind == KindServerAuthority {
		path = PathServerAuthority
	}
	e, ok := n.world.Get(event.Entity)
	if !ok {
		return
	}
	for _, peer := range n.registry.Identified() {
		if peer.ID() == origin {
			continue
		}
		if _, subscribed := e.subscribers[peer.ID()]; subscribed {
			continue
		}
		msg := NewMessage(path, event)
		msg.Header.SourceIdentity = author
		_ = send(n, peer, msg)
	}
}
