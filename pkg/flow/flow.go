package flow

import "errors"

var (
	ErrFlowClosed     = errors.New("flow closed")
	ErrFlowEmpty      = errors.New("flow empty")
	ErrFlowFull       = errors.New("flow full")
	ErrTooLargeFrame  = errors.New("flow: frame exceeds maximum size")
	ErrMalformedFrame = errors.New("flow: malformed frame prefix")
)

// PollState is the outcome of a non-blocking poll.
//
// Once a poll observes [Disconnected] every later poll observes it too.
type PollState uint8

const (
	Pending PollState = iota
	Ready
	Disconnected
)

func (s PollState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
