package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/scenesync/scenesync/internal/types"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrAckTimeout   = errors.New("timed out waiting for ack")
	ErrClosed       = errors.New("transport closed")
)

// Identity is advertised to the server at handshake time.
type Identity struct {
	UserId   string
	Username string
	Color    string
	// Token is an optional signed identity token. When the server is
	// configured with a signing key it takes identity from the token
	// instead of the plain query parameters.
	Token string
}

// Ack is the server's structured response to an acknowledged send.
type Ack struct {
	Success bool                `json:"success"`
	Users   []types.Participant `json:"users,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ServerEvent is a message pushed by the server outside of any ack.
type ServerEvent struct {
	Event string
	Data  json.RawMessage
}

// ClientFrame is the wire shape of a client-to-server message. A non-zero
// Id requests an ack carrying the same Id.
type ClientFrame struct {
	Id    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerFrame is the wire shape of a server-to-client message: either an
// ack correlated by Id or a pushed event.
type ServerFrame struct {
	Id    int64           `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Ack   *Ack            `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport is a bidirectional message channel with optional per-call
// acknowledgements. The server can push events at any time; they are
// delivered on Events. Events is closed when the connection drops, which is
// the caller's disconnect signal.
type Transport interface {
	Connect(ctx context.Context, id Identity) error
	// Send transmits an event and waits for the server's ack.
	Send(ctx context.Context, event string, payload any) (*Ack, error)
	// Notify transmits an event without waiting for an ack.
	Notify(event string, payload any) error
	Events() <-chan ServerEvent
	Connected() bool
	Close() error
}
