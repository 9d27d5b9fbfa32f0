package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/internal/testutil"
	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

type sentFrame struct {
	event   string
	payload any
}

// fakeTransport records sends and answers acks via ackFn. The default ack is
// a bare success.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	connectCalls int
	connectErr   error
	identity     transport.Identity
	sends        []sentFrame
	ackFn        func(event string, payload any) (*transport.Ack, error)
	events       chan transport.ServerEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.ServerEvent, 16)}
}

func (f *fakeTransport) Connect(_ context.Context, id transport.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.identity = id
	return nil
}

func (f *fakeTransport) Send(_ context.Context, event string, payload any) (*transport.Ack, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sentFrame{event: event, payload: payload})
	ackFn := f.ackFn
	f.mu.Unlock()

	if ackFn != nil {
		return ackFn(event, payload)
	}
	return &transport.Ack{Success: true}, nil
}

func (f *fakeTransport) Notify(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentFrame{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.ServerEvent { return f.events }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.event
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	return NewSession(tr, testutil.TestLogger(t)), tr
}

func serverEvent(t *testing.T, event string, env types.Envelope) transport.ServerEvent {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return transport.ServerEvent{Event: event, Data: data}
}

func participantEnvelope(t *testing.T, p types.Participant, roomId string) types.Envelope {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return types.Envelope{
		UserId:    p.UserId,
		Username:  p.Username,
		Color:     p.Color,
		RoomId:    roomId,
		Timestamp: types.Now(),
		Data:      data,
	}
}

func joinRoom(t *testing.T, s *Session, tr *fakeTransport, roomId string, users ...types.Participant) {
	t.Helper()
	tr.mu.Lock()
	prev := tr.ackFn
	tr.ackFn = func(event string, payload any) (*transport.Ack, error) {
		if event == types.EventJoinRoom {
			return &transport.Ack{Success: true, Users: users}, nil
		}
		return &transport.Ack{Success: true}, nil
	}
	tr.mu.Unlock()

	require.NoError(t, s.JoinRoom(context.Background(), roomId))

	tr.mu.Lock()
	tr.ackFn = prev
	tr.mu.Unlock()
}

func TestSession_initFillsProfile(t *testing.T) {
	s, tr := newTestSession(t)

	require.NoError(t, s.Init(context.Background(), Profile{}))

	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.Connected())

	user := s.CurrentUser()
	assert.NotEmpty(t, user.Id, "expected a generated user id")
	assert.Equal(t, "user-"+user.Id, user.Username)
	assert.Contains(t, displayPalette, user.Color)

	assert.Equal(t, user.Id, tr.identity.UserId, "identity must reach the transport")
}

func TestSession_initKeepsExplicitProfile(t *testing.T) {
	s, tr := newTestSession(t)

	profile := Profile{UserId: "u1", Username: "ada", Color: "#112233", Token: "tok"}
	require.NoError(t, s.Init(context.Background(), profile))

	assert.Equal(t, types.User{Id: "u1", Username: "ada", Color: "#112233"}, s.CurrentUser())
	assert.Equal(t, "tok", tr.identity.Token)
}

func TestSession_initIdempotent(t *testing.T) {
	s, tr := newTestSession(t)

	require.NoError(t, s.Init(context.Background(), Profile{UserId: "u1"}))
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "other"}))

	assert.Equal(t, 1, tr.connectCalls, "a second Init while connected must not reconnect")
	assert.Equal(t, "u1", s.CurrentUser().Id)
}

func TestSession_initConnectFailure(t *testing.T) {
	s, tr := newTestSession(t)
	tr.connectErr = transport.ErrNotConnected

	err := s.Init(context.Background(), Profile{UserId: "u1"})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonTransport, cerr.Reason)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.State(), "a failed connect must allow a clean retry")
}

func TestSession_joinRoomReplacesParticipants(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))

	joinRoom(t, s, tr, "model-1",
		types.Participant{UserId: "me", Username: "me"},
		types.Participant{UserId: "alice", Username: "alice"},
	)

	assert.True(t, s.Joined())
	assert.Equal(t, "model-1", s.CurrentRoom())
	users := s.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].UserId)
	assert.Equal(t, "me", users[1].UserId)

	// moving to another room leaves the first and replaces the mirror
	joinRoom(t, s, tr, "model-2",
		types.Participant{UserId: "me", Username: "me"},
		types.Participant{UserId: "bob", Username: "bob"},
	)

	assert.Equal(t, "model-2", s.CurrentRoom())
	users = s.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].UserId)
	assert.Contains(t, tr.sentEvents(), types.EventLeaveRoom, "expected a leave before the second join")
}

func TestSession_joinSameRoomNoop(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1")

	before := len(tr.sentEvents())
	require.NoError(t, s.JoinRoom(context.Background(), "model-1"))
	assert.Equal(t, before, len(tr.sentEvents()), "rejoining the current room must not hit the wire")
}

func TestSession_joinAckFailure(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))

	tr.ackFn = func(string, any) (*transport.Ack, error) {
		return &transport.Ack{Success: false, Error: "room full"}, nil
	}

	err := s.JoinRoom(context.Background(), "model-1")

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonAckFailure, cerr.Reason)
	assert.Contains(t, err.Error(), "room full")
	assert.False(t, s.Joined())
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, s.CurrentRoom())
}

func TestSession_leaveRoomClearsStateBeforeAck(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1", types.Participant{UserId: "alice"})

	// even a rejected leave must not leave the session stuck in the room
	tr.ackFn = func(string, any) (*transport.Ack, error) {
		return &transport.Ack{Success: false, Error: "not a member"}, nil
	}

	err := s.LeaveRoom(context.Background())

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonAckFailure, cerr.Reason)
	assert.Empty(t, s.CurrentRoom())
	assert.Empty(t, s.Users())
	assert.Empty(t, s.ChatMessages())
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_leaveWithoutRoomNoop(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))

	require.NoError(t, s.LeaveRoom(context.Background()))
	assert.NotContains(t, tr.sentEvents(), types.EventLeaveRoom)
}

func TestSession_sendRequiresConnection(t *testing.T) {
	s, tr := newTestSession(t)

	err := s.SendChatMessage(context.Background(), "hello")

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonNotConnected, cerr.Reason)
	assert.Empty(t, tr.sentEvents())
}

func TestSession_sendRequiresRoom(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))

	before := len(tr.sentEvents())
	err := s.SendCursorPosition(context.Background(), types.CursorPosition{X: 1})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonNotInRoom, cerr.Reason)
	assert.Equal(t, before, len(tr.sentEvents()), "room-scoped sends outside a room must not hit the wire")
}

func TestSession_serverErrorEventLogged(t *testing.T) {
	tr := newFakeTransport()
	var buf bytes.Buffer
	s := NewSession(tr, log.New(&buf, "", 0))
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))

	s.handleEvent(transport.ServerEvent{
		Event: types.EventError,
		Data:  []byte(`{"data":"room full"}`),
	})

	assert.Contains(t, buf.String(), "collab: "+ReasonServer)
}

func TestSession_sendWrapsEnvelope(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me", Username: "ada", Color: "#fff"}))
	joinRoom(t, s, tr, "model-1")

	require.NoError(t, s.SendCursorPosition(context.Background(), types.CursorPosition{X: 0.25, Y: 0.75}))

	tr.mu.Lock()
	last := tr.sends[len(tr.sends)-1]
	tr.mu.Unlock()

	assert.Equal(t, types.EventCursorPosition, last.event)
	env, ok := last.payload.(types.Envelope)
	require.True(t, ok, "payload must be the uniform envelope")
	assert.Equal(t, "me", env.UserId)
	assert.Equal(t, "ada", env.Username)
	assert.Equal(t, "model-1", env.RoomId)
	assert.False(t, env.Timestamp.IsZero())

	var pos types.CursorPosition
	require.NoError(t, json.Unmarshal(env.Data, &pos))
	assert.Equal(t, types.CursorPosition{X: 0.25, Y: 0.75}, pos)
}

func TestSession_userJoinedAndLeft(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1")

	alice := types.Participant{UserId: "alice", Username: "alice", Color: "#abc"}
	s.handleEvent(serverEvent(t, types.EventUserJoined, participantEnvelope(t, alice, "model-1")))

	users := s.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserId)

	chat := s.ChatMessages()
	require.Len(t, chat, 1)
	assert.Equal(t, types.ChatTypeSystem, chat[0].Type)
	assert.Equal(t, "alice joined", chat[0].Message)

	// our own join echo must not create a self participant
	me := types.Participant{UserId: "me", Username: "me"}
	s.handleEvent(serverEvent(t, types.EventUserJoined, participantEnvelope(t, me, "model-1")))
	assert.Len(t, s.Users(), 1)

	s.handleEvent(serverEvent(t, types.EventUserLeft, types.Envelope{UserId: "alice", Username: "alice", RoomId: "model-1", Timestamp: types.Now()}))
	assert.Empty(t, s.Users())
	chat = s.ChatMessages()
	require.Len(t, chat, 2)
	assert.Equal(t, "alice left", chat[1].Message)

	// a duplicate departure is ignored
	s.handleEvent(serverEvent(t, types.EventUserLeft, types.Envelope{UserId: "alice", RoomId: "model-1", Timestamp: types.Now()}))
	assert.Len(t, s.ChatMessages(), 2)
}

func TestSession_cursorUpdates(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1", types.Participant{UserId: "alice"})

	pos, err := json.Marshal(types.CursorPosition{X: 10, Y: 20})
	require.NoError(t, err)
	s.handleEvent(serverEvent(t, types.EventCursorPosition, types.Envelope{UserId: "alice", RoomId: "model-1", Data: pos}))

	users := s.Users()
	require.Len(t, users, 1)
	require.NotNil(t, users[0].CursorPosition)
	assert.Equal(t, types.CursorPosition{X: 10, Y: 20}, *users[0].CursorPosition)

	// cursor updates for unknown users are dropped
	s.handleEvent(serverEvent(t, types.EventCursorPosition, types.Envelope{UserId: "ghost", RoomId: "model-1", Data: pos}))
	assert.Len(t, s.Users(), 1)
}

func TestSession_selectionUpdates(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1", types.Participant{UserId: "alice"})

	sel, err := json.Marshal(types.ObjectSelection{ObjectId: "mesh-7"})
	require.NoError(t, err)
	s.handleEvent(serverEvent(t, types.EventObjectSelect, types.Envelope{UserId: "alice", RoomId: "model-1", Data: sel}))

	users := s.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "mesh-7", users[0].SelectedObjectId)

	s.handleEvent(serverEvent(t, types.EventObjectDeselect, types.Envelope{UserId: "alice", RoomId: "model-1"}))
	assert.Empty(t, s.Users()[0].SelectedObjectId)
}

func TestSession_chatHistoryBounded(t *testing.T) {
	s, tr := newTestSession(t)
	s.chatCap = 5
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1")

	for i := 0; i < 7; i++ {
		msg, err := json.Marshal(types.ChatMessage{
			Type:    types.ChatTypeMessage,
			UserId:  "alice",
			Message: string(rune('a' + i)),
		})
		require.NoError(t, err)
		s.handleEvent(serverEvent(t, types.EventChatMessage, types.Envelope{UserId: "alice", RoomId: "model-1", Timestamp: types.Now(), Data: msg}))
	}

	chat := s.ChatMessages()
	require.Len(t, chat, 5, "history must stay bounded")
	assert.Equal(t, "c", chat[0].Message, "the oldest messages are dropped first")
	assert.Equal(t, "g", chat[4].Message)
}

func TestSession_handlersRunAfterStateMutation(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1")

	var seen []types.Participant
	s.On(types.EventUserJoined, func(evt Event) {
		seen = s.Users()
	})

	alice := types.Participant{UserId: "alice", Username: "alice"}
	s.handleEvent(serverEvent(t, types.EventUserJoined, participantEnvelope(t, alice, "model-1")))

	require.Len(t, seen, 1, "the handler must observe the already-updated mirror")
	assert.Equal(t, "alice", seen[0].UserId)
}

func TestSession_transportDropResetsState(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1", types.Participant{UserId: "alice"})

	close(tr.events)

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond, "a closed event stream must disconnect the session")
	assert.Empty(t, s.CurrentRoom())
	assert.Empty(t, s.Users())
	assert.False(t, s.Connected())
}

func TestSession_disconnectLeavesRoomFirst(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.Init(context.Background(), Profile{UserId: "me"}))
	joinRoom(t, s, tr, "model-1")

	require.NoError(t, s.Disconnect())

	assert.Contains(t, tr.sentEvents(), types.EventLeaveRoom)
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, tr.Connected())
}
