package replicant

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// PeerState follows a connection from dial to teardown. Only forward
// transitions are allowed.
type PeerState uint8

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerIdentified
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerIdentified:
		return "identified"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer is the registry record of a live [Link].
type Peer struct {
	Link     Link
	Addr     string
	Outbound bool
	State    PeerState

	// Identity is set once by a successful authentication and never
	// changes afterward.
	Identity *Identity
	Trust    Trust

	ConnectedAt time.Time
	LastSeen    time.Time

	// authenticating is set on the connecting side while its
	// authentication request is in flight.
	authenticating bool

	// expired is set once the link was closed for not authenticating.
	expired bool
}

func (p *Peer) ID() ConnID {
	return p.Link.ID()
}

func (p *Peer) Identified() bool {
	return p.State == PeerIdentified && p.Identity != nil
}

func (p *Peer) Role() Role {
	if p.Identity == nil {
		return ""
	}
	return p.Identity.Role()
}

func (p *Peer) logAttrs() []any {
	attrs := []any{LabelConnID.L(uint64(p.ID()))}
	if p.Identity != nil {
		attrs = append(attrs, LabelPeerIdentity.L(*p.Identity))
	}
	return attrs
}

// Registry indexes the peers of a node. It is owned by the scheduler and
// is not safe for concurrent use.
type Registry struct {
	peers      map[ConnID]*Peer
	byIdentity map[Identity]ConnID
	connecting map[string]*Connecting
}

func NewRegistry() *Registry {
	return &Registry{
		peers:      make(map[ConnID]*Peer),
		byIdentity: make(map[Identity]ConnID),
		connecting: make(map[string]*Connecting),
	}
}

// Add registers a freshly established link.
func (r *Registry) Add(link Link, outbound bool, now time.Time) (*Peer, error) {
	if _, exists := r.peers[link.ID()]; exists {
		return nil, fmt.Errorf("registry: conn id %d is already live", link.ID())
	}
	peer := &Peer{
		Link:        link,
		Outbound:    outbound,
		State:       PeerConnected,
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.peers[link.ID()] = peer
	return peer, nil
}

func (r *Registry) Get(id ConnID) (*Peer, bool) {
	peer, ok := r.peers[id]
	return peer, ok
}

// Remove marks the peer disconnected and forgets it.
func (r *Registry) Remove(id ConnID) (*Peer, bool) {
	peer, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)
	if peer.Identity != nil && r.byIdentity[*peer.Identity] == id {
		delete(r.byIdentity, *peer.Identity)
	}
	peer.State = PeerDisconnected
	return peer, true
}

// Peers returns the live peers ordered by id.
func (r *Registry) Peers() []*Peer {
	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b *Peer) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return peers
}

// Identified returns the identified peers ordered by id.
func (r *Registry) Identified() []*Peer {
	peers := r.Peers()
	return slices.DeleteFunc(peers, func(p *Peer) bool {
		return !p.Identified()
	})
}

// Identify attaches identity to the peer. It fails if the peer already
// has one, if the role is unknown or if another live peer uses it.
func (r *Registry) Identify(id ConnID, identity Identity) error {
	peer, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("%w: conn id %d", ErrDisconnected, id)
	}
	if peer.Identity != nil {
		return fmt.Errorf("registry: conn id %d is already identified as %s", id, peer.Identity)
	}
	trust, err := identity.Role().Classify()
	if err != nil {
		return err
	}
	if other, used := r.byIdentity[identity]; used && other != id {
		return fmt.Errorf("%w: %s", ErrIdentityInUse, identity)
	}

	peer.Identity = identity.ref()
	peer.Trust = trust
	peer.State = PeerIdentified
	r.byIdentity[identity] = id
	return nil
}

func (r *Registry) ByIdentity(identity Identity) (*Peer, bool) {
	id, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// FirstWithRole returns the identified peer of role with the lowest id.
func (r *Registry) FirstWithRole(role Role) (*Peer, bool) {
	for _, peer := range r.Identified() {
		if peer.Role() == role {
			return peer, true
		}
	}
	return nil, false
}

// Reap removes every peer whose link is disconnected.
func (r *Registry) Reap() []*Peer {
	var reaped []*Peer
	for _, peer := range r.Peers() {
		if peer.Link.IsDisconnected() {
			r.Remove(peer.ID())
			reaped = append(reaped, peer)
		}
	}
	return reaped
}

func (r *Registry) TrackConnecting(c *Connecting) {
	r.connecting[c.Addr()] = c
}

func (r *Registry) IsConnecting(addr string) bool {
	_, ok := r.connecting[addr]
	return ok
}

func (r *Registry) ForgetConnecting(addr string) {
	delete(r.connecting, addr)
}

// Connecting returns the pending dials ordered by address.
func (r *Registry) Connecting() []*Connecting {
	pending := make([]*Connecting, 0, len(r.connecting))
	for _, c := range r.connecting {
		pending = append(pending, c)
	}
	slices.SortFunc(pending, func(a, b *Connecting) int {
		return cmp.Compare(a.addr, b.addr)
	})
	return pending
}

// Outbound counts pending dials plus established outbound links.
func (r *Registry) Outbound() int {
	count := len(r.connecting)
	for _, peer := range r.peers {
		if peer.Outbound {
			count++
		}
	}
	return count
}

// Len is the number of live peers.
func (r *Registry) Len() int {
	return len(r.peers)
}
