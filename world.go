package replicant

import (
	"cmp"
	"fmt"
	"slices"
)

// ComponentKind enumerates the replicated components of an entity.
type ComponentKind uint8

const (
	KindClientAuthority ComponentKind = iota
	KindServerAuthority
	KindReplicationAuthority
	KindTransform
	KindShip
)

func (k ComponentKind) String() string {
	switch k {
	case KindClientAuthority:
		return "client_authority"
	case KindServerAuthority:
		return "server_authority"
	case KindReplicationAuthority:
		return "replication_authority"
	case KindTransform:
		return "transform"
	case KindShip:
		return "ship"
	default:
		return "unknown"
	}
}

// Path of the event carrying the component.
func (k ComponentKind) Path() Path {
	switch k {
	case KindClientAuthority:
		return PathEntityClientAuthority
	case KindServerAuthority:
		return PathEntitySimulationAuthority
	case KindReplicationAuthority:
		return PathEntityReplicationAuthority
	case KindTransform:
		return PathTransformation
	case KindShip:
		return PathShip
	default:
		panic(fmt.Sprintf("world: unknown component kind %d", k))
	}
}

// ClientOwned components may be mutated by the entity's client authority.
func (k ComponentKind) ClientOwned() bool {
	return k == KindTransform
}

func (k ComponentKind) isAuthority() bool {
	return k <= KindReplicationAuthority
}

var (
	baseKinds = []ComponentKind{KindClientAuthority, KindServerAuthority, KindReplicationAuthority, KindTransform}
	shipKinds = append(slices.Clone(baseKinds), KindShip)
)

// KindsFor lists the components replicated for entities of noun.
func KindsFor(noun string) []ComponentKind {
	if noun == NounShip {
		return shipKinds
	}
	return baseKinds
}

type subscription uint8

const (
	subNone subscription = iota
	subPending
	subActive
	subRefused
)

// Entity is the local record of a replicated entity. Components are
// optional until first set or received.
type Entity struct {
	Identity             Identity
	ClientAuthority      *Identity
	ServerAuthority      *Identity
	ReplicationAuthority *Identity
	Transform            *Transform
	Ship                 *Ship

	// local entities were spawned by this node and are never subscribed to.
	local bool
	// upstream is the connection the entity was learned from, 0 once it
	// is gone.
	upstream    ConnID
	sub         subscription
	subscribers map[ConnID]struct{}
}

func (e *Entity) Local() bool {
	return e.local
}

func (e *Entity) Upstream() ConnID {
	return e.upstream
}

func (e *Entity) Subscribed() bool {
	return e.sub == subActive
}

func (e *Entity) Subscribers() []ConnID {
	subs := make([]ConnID, 0, len(e.subscribers))
	for id := range e.subscribers {
		subs = append(subs, id)
	}
	slices.Sort(subs)
	return subs
}

func (e *Entity) authority(kind ComponentKind) **Identity {
	switch kind {
	case KindClientAuthority:
		return &e.ClientAuthority
	case KindServerAuthority:
		return &e.ServerAuthority
	case KindReplicationAuthority:
		return &e.ReplicationAuthority
	default:
		panic(fmt.Sprintf("world: %s is not an authority", kind))
	}
}

// has reports whether the component holds a value.
func (e *Entity) has(kind ComponentKind) bool {
	switch kind {
	case KindTransform:
		return e.Transform != nil
	case KindShip:
		return e.Ship != nil
	default:
		return *e.authority(kind) != nil
	}
}

// change records who caused a component to become dirty, so fan-out can
// skip the origin and attribute the change.
type change struct {
	origin ConnID
	author *Identity
}

type dirtyKey struct {
	entity Identity
	kind   ComponentKind
}

// Dirty is a component that changed since the last [World.TakeDirty].
type Dirty struct {
	Entity Identity
	Kind   ComponentKind
	Origin ConnID
	Author *Identity
}

// World holds every entity known to a node. Setters only mark a
// component dirty when its value actually changes. It is owned by the
// scheduler and is not safe for concurrent use.
type World struct {
	entities map[Identity]*Entity
	dirty    map[dirtyKey]change
	policy   ConflictPolicy
}

func NewWorld(policy ConflictPolicy) *World {
	return &World{
		entities: make(map[Identity]*Entity),
		dirty:    make(map[dirtyKey]change),
		policy:   policy,
	}
}

func (w *World) Get(id Identity) (*Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

func (w *World) Len() int {
	return len(w.entities)
}

// Entities returns every entity ordered by identity.
func (w *World) Entities() []*Entity {
	entities := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		entities = append(entities, e)
	}
	slices.SortFunc(entities, func(a, b *Entity) int {
		return cmp.Compare(a.Identity.String(), b.Identity.String())
	})
	return entities
}

// Spawn creates the record of id unless it already exists, in which case
// the existing one is returned with created set to false.
func (w *World) Spawn(id Identity, local bool, upstream ConnID) (e *Entity, created bool) {
	if e, ok := w.entities[id]; ok {
		return e, false
	}
	e = &Entity{
		Identity:    id,
		local:       local,
		upstream:    upstream,
		subscribers: make(map[ConnID]struct{}),
	}
	w.entities[id] = e
	return e, true
}

// Adopt rebinds an orphan to a new upstream. It is a no-op for local
// entities and for entities which still have an upstream.
func (w *World) Adopt(id Identity, upstream ConnID) bool {
	e, ok := w.entities[id]
	if !ok || e.local || e.upstream != 0 {
		return false
	}
	e.upstream = upstream
	e.sub = subNone
	return true
}

func (w *World) SetTransform(id Identity, v Transform, origin ConnID, author *Identity) (bool, error) {
	e, ok := w.entities[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if e.Transform != nil && *e.Transform == v {
		return false, nil
	}
	e.Transform = &v
	w.markDirty(id, KindTransform, origin, author)
	return true, nil
}

func (w *World) SetShip(id Identity, v Ship, origin ConnID, author *Identity) (bool, error) {
	e, ok := w.entities[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if e.Ship != nil && *e.Ship == v {
		return false, nil
	}
	e.Ship = &v
	w.markDirty(id, KindShip, origin, author)
	return true, nil
}

// SetAuthority assigns an authority facet. Assigning a different
// authority than the current one is resolved by the conflict policy.
func (w *World) SetAuthority(kind ComponentKind, id Identity, authority Identity, origin ConnID, author *Identity) (bool, error) {
	if !kind.isAuthority() {
		return false, fmt.Errorf("world: %s is not an authority", kind)
	}
	e, ok := w.entities[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	slot := e.authority(kind)
	if current := *slot; current != nil {
		if *current == authority {
			return false, nil
		}
		if w.policy == ConflictReject {
			return false, fmt.Errorf(
				"%w: %s of %s is %s, refusing %s",
				ErrAuthorityConflict, kind, id, current, authority,
			)
		}
	}
	*slot = authority.ref()
	w.markDirty(id, kind, origin, author)
	return true, nil
}

func (w *World) markDirty(id Identity, kind ComponentKind, origin ConnID, author *Identity) {
	w.dirty[dirtyKey{entity: id, kind: kind}] = change{origin: origin, author: author}
}

// TakeDirty returns and clears the changed components, ordered by
// entity then kind.
func (w *World) TakeDirty() []Dirty {
	if len(w.dirty) == 0 {
		return nil
	}
	dirty := make([]Dirty, 0, len(w.dirty))
	for key, ch := range w.dirty {
		dirty = append(dirty, Dirty{
			Entity: key.entity,
			Kind:   key.kind,
			Origin: ch.origin,
			Author: ch.author,
		})
	}
	clear(w.dirty)
	slices.SortFunc(dirty, func(a, b Dirty) int {
		if c := cmp.Compare(a.Entity.String(), b.Entity.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return dirty
}

// Subscribe adds endpoint to the subscribers of id.
func (w *World) Subscribe(id Identity, endpoint ConnID) error {
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	e.subscribers[endpoint] = struct{}{}
	return nil
}

// DropEndpoint forgets every subscription of endpoint and orphans the
// entities learned from it. Orphans are returned.
func (w *World) DropEndpoint(endpoint ConnID) (orphans []*Entity) {
	for _, e := range w.Entities() {
		delete(e.subscribers, endpoint)
		if e.upstream == endpoint {
			e.upstream = 0
			e.sub = subNone
			orphans = append(orphans, e)
		}
	}
	return
}

// CountClientAuthority counts the entities of noun whose client
// authority is owner.
func (w *World) CountClientAuthority(noun string, owner Identity) int {
	count := 0
	for _, e := range w.entities {
		if e.Identity.Noun == noun && e.ClientAuthority != nil && *e.ClientAuthority == owner {
			count++
		}
	}
	return count
}
