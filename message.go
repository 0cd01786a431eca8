package replicant

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Path is the stable routing key of a message type.
type Path string

const (
	PathAuthenticateRequest        Path = "/request/authenticate"
	PathAuthenticateResponse       Path = "/response/authenticate"
	PathPing                       Path = "/event/ping"
	PathIdentitiesRequest          Path = "/request/identities"
	PathIdentitiesResponse         Path = "/response/identities"
	PathIdentity                   Path = "/event/identity"
	PathEntityIdentitiesRequest    Path = "/request/entity_identities"
	PathEntityIdentitiesResponse   Path = "/response/entity_identities"
	PathEntityIdentity             Path = "/event/entity_identity"
	PathReplicateRequest           Path = "/request/replicate"
	PathReplicateResponse          Path = "/response/replicate"
	PathReplicateComponentsReq     Path = "/request/replicate_entity_components"
	PathReplicateComponentsResp    Path = "/response/replicate_entity_components"
	PathClientAuthority            Path = "/event/client_authority"
	PathServerAuthority            Path = "/event/server_authority"
	PathEntityClientAuthority      Path = "/event/entity_client_authority"
	PathEntityReplicationAuthority Path = "/event/entity_replication_authority"
	PathEntitySimulationAuthority  Path = "/event/entity_simulation_authority"
	PathShip                       Path = "/event/ship"
	PathTransformation             Path = "/event/transformation"
	PathShipSpawnRequest           Path = "/request/ship_spawn"
	PathShipSpawnResponse          Path = "/response/ship_spawn"
)

type PathKind uint8

const (
	PathKindUnknown PathKind = iota
	PathKindRequest
	PathKindResponse
	PathKindEvent
)

const (
	prefixRequest  = "/request/"
	prefixResponse = "/response/"
	prefixEvent    = "/event/"
)

func (p Path) Kind() PathKind {
	switch {
	case strings.HasPrefix(string(p), prefixRequest):
		return PathKindRequest
	case strings.HasPrefix(string(p), prefixResponse):
		return PathKindResponse
	case strings.HasPrefix(string(p), prefixEvent):
		return PathKindEvent
	default:
		return PathKindUnknown
	}
}

// ResponsePath is the path a request is answered on, or an empty path
// when p is not a request.
func (p Path) ResponsePath() Path {
	if p.Kind() != PathKindRequest {
		return ""
	}
	return Path(prefixResponse + strings.TrimPrefix(string(p), prefixRequest))
}

func (k PathKind) String() string {
	switch k {
	case PathKindRequest:
		return "request"
	case PathKindResponse:
		return "response"
	case PathKindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Header is filled by the dispatcher of the receiving side, see
// [Router]. Only relays may forward a SourceIdentity.
type Header struct {
	SourceIdentity   *Identity `json:"source_identity,omitempty"`
	SourceEndpointID *ConnID   `json:"source_endpoint_id,omitempty"`
}

// Message is the typed form of an [Envelope].
type Message[T any] struct {
	ID       uuid.UUID
	Endpoint Path
	Header   Header
	Payload  T
}

// NewMessage allocates a message with a fresh id.
func NewMessage[T any](path Path, payload T) Message[T] {
	return Message[T]{
		ID:       uuid.New(),
		Endpoint: path,
		Payload:  payload,
	}
}

// Reply builds the response of the request reqID. Correlation is done
// on the id only.
func Reply[T any](reqID uuid.UUID, path Path, payload T) Message[T] {
	return Message[T]{
		ID:       reqID,
		Endpoint: path,
		Payload:  payload,
	}
}

// Envelope is the wire unit: header and payload are serialized twice so
// the dispatcher can route and classify without knowing the payload type.
type Envelope struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Header   string `json:"header"`
	Payload  string `json:"payload"`
}

func (m Message[T]) Envelope() (Envelope, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: header: %w", ErrMalformedEnvelope, err)
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %w", ErrMalformedEnvelope, err)
	}
	return Envelope{
		ID:       m.ID.String(),
		Endpoint: string(m.Endpoint),
		Header:   string(header),
		Payload:  string(payload),
	}, nil
}

// MessageID parses the correlation id.
func (env Envelope) MessageID() (uuid.UUID, error) {
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id: %w", ErrMalformedEnvelope, err)
	}
	return id, nil
}

func (env Envelope) DecodeHeader() (Header, error) {
	var header Header
	if env.Header == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(env.Header), &header); err != nil {
		return header, fmt.Errorf("%w: header: %w", ErrMalformedEnvelope, err)
	}
	return header, nil
}

// WithHeader returns a copy of env carrying header.
func (env Envelope) WithHeader(header Header) (Envelope, error) {
	buf, err := json.Marshal(header)
	if err != nil {
		return env, fmt.Errorf("%w: header: %w", ErrMalformedEnvelope, err)
	}
	env.Header = string(buf)
	return env, nil
}

// DecodeMessage decodes env as a Message[T].
func DecodeMessage[T any](env Envelope) (msg Message[T], err error) {
	msg.ID, err = env.MessageID()
	if err != nil {
		return
	}
	msg.Endpoint = Path(env.Endpoint)
	msg.Header, err = env.DecodeHeader()
	if err != nil {
		return
	}
	if err = json.Unmarshal([]byte(env.Payload), &msg.Payload); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrPayloadDecode, env.Endpoint, err)
	}
	return
}
