package replicant

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Role is the noun of a peer [Identity].
type Role string

const (
	RoleAI          Role = "ai"
	RoleClient      Role = "client"
	RoleSimulation  Role = "simulation"
	RoleReplication Role = "replication"
)

// NounShip is the noun of ship entities.
const NounShip = "ship"

// Trust classifies roles and inbound messages.
type Trust uint8

const (
	TrustUnknown Trust = iota
	// ClientLike peers are never trusted to speak for anyone but
	// themselves.
	ClientLike
	// ServerLike peers are the simulation authority and replication hubs.
	ServerLike
)

func (t Trust) String() string {
	switch t {
	case ClientLike:
		return "client-like"
	case ServerLike:
		return "server-like"
	default:
		return "unknown"
	}
}

// Classify maps a role to its trust classification. An unknown role is
// an error and MUST NOT be defaulted.
func (r Role) Classify() (Trust, error) {
	switch r {
	case RoleAI, RoleClient:
		return ClientLike, nil
	case RoleSimulation, RoleReplication:
		return ServerLike, nil
	default:
		return TrustUnknown, fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
	}
}

// Relays reports whether peers of this role forward messages authored by
// others, in which case the attribution they provide is kept.
func (r Role) Relays() bool {
	return r == RoleReplication
}

// Identity names any addressable actor: a peer process, an entity or an
// authority holder. It is immutable and compared structurally.
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Noun string    `json:"noun"`
}

func NewIdentity(noun string) Identity {
	return Identity{ID: uuid.New(), Noun: noun}
}

func (id Identity) Role() Role {
	return Role(id.Noun)
}

func (id Identity) IsZero() bool {
	return id.ID == uuid.Nil && id.Noun == ""
}

func (id Identity) String() string {
	return id.Noun + "/" + id.ID.String()
}

func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("noun", id.Noun),
		slog.String("id", id.ID.String()),
	)
}

// ref returns a pointer to a copy, handy for optional header fields.
func (id Identity) ref() *Identity {
	return &id
}
