package replicant

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
)

func (n *Node) registerAuthHandlers() {
	On(n.router, PathAuthenticateRequest, n.handleAuthenticate)
	On(n.router, PathIdentitiesRequest, n.handleIdentities)
	On(n.router, PathIdentity, n.handleIdentityEvent)
}

// authenticate runs on the connecting side as soon as the link is up.
func (n *Node) authenticate(peer *Peer) {
	peer.authenticating = true
	id := peer.ID()
	req := NewMessage(PathAuthenticateRequest, AuthenticateRequest{
		Identity: n.identity,
		Version:  n.cfg.version.String(),
	})

	err := call(n, peer, req,
		func(resp Message[AuthenticateResponse]) {
			peer, ok := n.registry.Get(id)
			if !ok {
				return
			}
			peer.authenticating = false

			if !resp.Payload.Success || resp.Payload.Identity == nil {
				n.authFailed(peer, resp.Payload.Reason)
				go peer.Link.Close("authentication refused")
				return
			}
			if err := n.registry.Identify(id, *resp.Payload.Identity); err != nil {
				n.authFailed(peer, err.Error())
				go peer.Link.Close("invalid remote identity")
				return
			}
			n.onIdentified(peer)
		},
		func() {
			if peer, ok := n.registry.Get(id); ok {
				peer.authenticating = false
			}
		},
	)
	if err != nil {
		peer.authenticating = false
	}
}

func (n *Node) handleAuthenticate(d *Delivery, msg Message[AuthenticateRequest]) error {
	peer := d.Peer
	claimed := msg.Payload.Identity

	reject := func(err error) error {
		n.authFailed(peer, err.Error())
		_ = respond(n, d, AuthenticateResponse{Success: false, Reason: err.Error()})
		return err
	}

	if peer.Identity != nil {
		return reject(fmt.Errorf("%w: already authenticated as %s", ErrForbidden, peer.Identity))
	}
	if claimed.IsZero() {
		return reject(fmt.Errorf("%w: empty identity", ErrUnauthenticated))
	}
	if claimed == n.identity {
		return reject(fmt.Errorf("%w: %s is this node", ErrIdentityInUse, claimed))
	}

	version, err := semver.NewVersion(msg.Payload.Version)
	if err != nil {
		return reject(fmt.Errorf("%w: %q: %w", ErrVersionMismatch, msg.Payload.Version, err))
	}
	if !n.cfg.constraint.Check(version) {
		return reject(fmt.Errorf("%w: %s does not satisfy %s", ErrVersionMismatch, version, n.cfg.constraint))
	}

	if err := n.registry.Identify(peer.ID(), claimed); err != nil {
		return reject(err)
	}

	if err := respond(n, d, AuthenticateResponse{Success: true, Identity: n.identity.ref()}); err != nil {
		return err
	}
	n.onIdentified(peer)
	return nil
}

func (n *Node) authFailed(peer *Peer, reason string) {
	n.logger.Warn("authentication failed", append(peer.logAttrs(), LabelReason.L(reason))...)
	n.msink.IncrCounterWithLabels(
		MetricAuthErrorCount,
		1.0,
		withLabels(n.mLabels, LabelPeerAddr.M(peer.Addr)),
	)
}

// onIdentified runs on both sides once the peer identity is known.
func (n *Node) onIdentified(peer *Peer) {
	identity := *peer.Identity
	n.knownPeers[identity] = peer.ID()

	n.logger.Info("peer authenticated", append(peer.logAttrs(), LabelTrust.L(peer.Trust.String()))...)
	n.msink.IncrCounterWithLabels(
		MetricAuthCount,
		1.0,
		withLabels(n.mLabels, LabelPeerRole.M(identity.Noun), LabelTrust.M(peer.Trust.String())),
	)

	if n.identity.Role().Relays() {
		for _, other := range n.registry.Identified() {
			if other.ID() == peer.ID() {
				continue
			}
			_ = send(n, other, NewMessage(PathIdentity, IdentityEvent{Identity: identity}))
		}
	}

	if peer.Trust == ServerLike {
		n.requestEntityIdentities(peer)
	}
	if peer.Role().Relays() {
		n.requestIdentities(peer)
	}
}

func (n *Node) requestIdentities(peer *Peer) {
	attrs := peer.logAttrs()
	_ = call(n, peer, NewMessage(PathIdentitiesRequest, IdentitiesRequest{}),
		func(resp Message[IdentitiesResponse]) {
			if !resp.Payload.Success {
				n.logger.Warn("identities listing refused", append(attrs, LabelReason.L(resp.Payload.Reason))...)
				return
			}
			n.logger.Debug("identities listed", append(attrs, "replayed", resp.Payload.Replayed)...)
		},
		nil,
	)
}

// handleIdentities replays every peer identity we know of as
// /event/identity, then acknowledges.
func (n *Node) handleIdentities(d *Delivery, msg Message[IdentitiesRequest]) error {
	if d.Peer.Identity == nil {
		_ = respond(n, d, IdentitiesResponse{Reason: ErrUnauthenticated.Error()})
		return ErrUnauthenticated
	}

	known := make([]Identity, 0, len(n.knownPeers))
	for id := range n.knownPeers {
		if id != *d.Peer.Identity {
			known = append(known, id)
		}
	}
	slices.SortFunc(known, func(a, b Identity) int {
		return cmp.Compare(a.String(), b.String())
	})

	replayed := 0
	for _, id := range known {
		if err := send(n, d.Peer, NewMessage(PathIdentity, IdentityEvent{Identity: id})); err != nil {
			_ = respond(n, d, IdentitiesResponse{Replayed: replayed, Reason: err.Error()})
			return err
		}
		replayed++
	}
	return respond(n, d, IdentitiesResponse{Success: true, Replayed: replayed})
}

func (n *Node) handleIdentityEvent(d *Delivery, msg Message[IdentityEvent]) error {
	if !d.Trusted {
		return fmt.Errorf("%w: identity announcement", ErrForbidden)
	}
	id := msg.Payload.Identity
	if id == n.identity {
		return nil
	}
	if _, err := id.Role().Classify(); err != nil {
		return err
	}
	if _, known := n.knownPeers[id]; known {
		return nil
	}
	n.knownPeers[id] = d.Peer.ID()
	n.logger.Debug("peer announced", LabelPeerIdentity.L(id), LabelConnID.L(uint64(d.Peer.ID())))
	return nil
}
