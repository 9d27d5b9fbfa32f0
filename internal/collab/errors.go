package collab

import "fmt"

// Failure reasons carried by Error.
const (
	ReasonNotConnected = "not_connected"
	ReasonAckFailure   = "ack_failure"
	ReasonTransport    = "transport"
	ReasonNotInRoom    = "not_in_room"
	ReasonServer       = "server"
)

// Error is the session-level failure type. Reason is a stable machine
// readable code; Err carries the underlying cause when there is one.
type Error struct {
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("collab: %s: %s: %v", e.Reason, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("collab: %s: %s", e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("collab: %s: %v", e.Reason, e.Err)
	default:
		return "collab: " + e.Reason
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(reason, detail string, err error) *Error {
	return &Error{Reason: reason, Detail: detail, Err: err}
}
