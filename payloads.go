package replicant

import "time"

type AuthenticateRequest struct {
	Identity Identity `json:"identity"`
	Version  string   `json:"version"`
}

type AuthenticateResponse struct {
	Success bool `json:"success"`
	// Identity of the accepting side, so the connecting side can
	// classify it.
	Identity *Identity `json:"identity,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

type Ping struct {
	SentAt time.Time `json:"sent_at"`
}

type IdentitiesRequest struct{}

type IdentitiesResponse struct {
	Success bool `json:"success"`
	// Replayed is how many /event/identity were sent before this response.
	Replayed int    `json:"replayed"`
	Reason   string `json:"reason,omitempty"`
}

type IdentityEvent struct {
	Identity Identity `json:"identity"`
}

type EntityIdentitiesRequest struct{}

type EntityIdentitiesResponse struct {
	Success  bool   `json:"success"`
	Replayed int    `json:"replayed"`
	Reason   string `json:"reason,omitempty"`
}

type EntityIdentityEvent struct {
	Identity Identity `json:"identity"`
}

// ReplicateRequest is used both by /request/replicate (subscription)
// and /request/replicate_entity_components (one-shot snapshot).
type ReplicateRequest struct {
	Identity Identity `json:"identity"`
}

type ReplicateResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// AuthorityEvent assigns Authority to Entity for the facet implied by
// the path it is sent on.
type AuthorityEvent struct {
	Entity    Identity `json:"entity"`
	Authority Identity `json:"authority"`
}

type Transform struct {
	Translation [3]float32 `json:"translation"`
	Rotation    [4]float32 `json:"rotation"`
	Scale       [3]float32 `json:"scale"`
}

// IdentityTransform has no translation, no rotation and a unit scale.
var IdentityTransform = Transform{
	Rotation: [4]float32{0, 0, 0, 1},
	Scale:    [3]float32{1, 1, 1},
}

// Ship is the gameplay payload, replicated like any other component.
type Ship struct {
	Class  string  `json:"class"`
	Hull   float32 `json:"hull"`
	Thrust float32 `json:"thrust"`
}

// ComponentEvent carries the current value of one component of Entity.
type ComponentEvent[T any] struct {
	Entity Identity `json:"entity"`
	Value  T        `json:"value"`
}

type ShipSpawnRequest struct {
	Ship      Ship      `json:"ship"`
	Transform Transform `json:"transform"`
}

type ShipSpawnResponse struct {
	Success         bool      `json:"success"`
	Identity        *Identity `json:"identity,omitempty"`
	ClientAuthority *Identity `json:"client_authority,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}
