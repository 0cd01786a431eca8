package replicant

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("node: invalid options")
	ErrNodeClosed = errors.New("node: closed")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrModeMismatch    = errors.New("transport: operation not allowed in this mode")
	ErrDialFailed      = errors.New("transport: could not establish connection")
	ErrDisconnected    = errors.New("transport: connection is disconnected")
	ErrOutboundFull    = errors.New("transport: outbound queue is full")
	ErrPeerCertPinning = errors.New("transport: peer certificate does not match the pinned one")
	ErrCredentials     = errors.New("transport: could not load or generate credentials")

	ErrMalformedEnvelope  = errors.New("router: malformed envelope")
	ErrUnknownEndpoint    = errors.New("router: unknown endpoint")
	ErrPayloadDecode      = errors.New("router: could not decode payload")
	ErrUnknownCorrelation = errors.New("router: response does not match any pending request")

	ErrUnknownRole       = errors.New("authority: unknown peer role")
	ErrUnauthenticated   = errors.New("authority: peer is not authenticated")
	ErrForbidden         = errors.New("authority: source is not allowed to mutate this entity")
	ErrAuthorityConflict = errors.New("authority: entity already has a different authority")
	ErrVersionMismatch   = errors.New("authority: incompatible protocol version")
	ErrIdentityInUse     = errors.New("authority: identity already connected")

	ErrUnknownEntity = errors.New("replication: entity is not known locally")
	ErrSpawnRefused  = errors.New("replication: spawn refused")
	ErrNoSpawner     = errors.New("replication: no peer can spawn entities")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrTeardown = QuicApplicationError{
		Code:   0x5,
		Prefix: "teardown",
	}
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamDone              = quic.StreamErrorCode(0x0)
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
