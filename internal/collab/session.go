package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

// DefaultChatHistoryLimit bounds the per-room chat ring buffer; the oldest
// entries are dropped beyond it.
const DefaultChatHistoryLimit = 500

// displayPalette is the fixed set of cursor colors assigned to users that
// connect without one.
var displayPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#008080", "#9a6324", "#800000",
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoining
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateInRoom:
		return "in_room"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Profile is the identity advertised at connect time. Zero fields are
// filled with generated defaults.
type Profile struct {
	UserId   string
	Username string
	Color    string
	Token    string
}

// Session is one logical client session with a collaboration server. It is
// an explicit object rather than package state so independent sessions can
// coexist, notably in tests.
//
// The participant mirror and chat history are only mutated while holding mu
// since the transport event loop and caller operations run on different
// goroutines.
type Session struct {
	tr  transport.Transport
	log *log.Logger

	dispatch *dispatcher
	chatCap  int

	mu      sync.Mutex
	state   State
	profile Profile
	user    types.User
	room    string
	users   map[string]*types.Participant
	chat    []types.ChatMessage
}

func NewSession(tr transport.Transport, logger *log.Logger) *Session {
	return &Session{
		tr:       tr,
		log:      logger,
		dispatch: newDispatcher(),
		chatCap:  DefaultChatHistoryLimit,
		users:    make(map[string]*types.Participant),
	}
}

// Init establishes the transport connection with the given profile.
// Calling it while already connected is a no-op success.
func (s *Session) Init(ctx context.Context, profile Profile) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}

	if err := fillProfile(&profile); err != nil {
		s.mu.Unlock()
		return newError(ReasonTransport, "generate user id", err)
	}
	s.profile = profile
	s.user = types.User{Id: profile.UserId, Username: profile.Username, Color: profile.Color}
	s.state = StateConnecting
	s.mu.Unlock()

	err := s.tr.Connect(ctx, transport.Identity{
		UserId:   profile.UserId,
		Username: profile.Username,
		Color:    profile.Color,
		Token:    profile.Token,
	})

	s.mu.Lock()
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		return newError(ReasonTransport, "connect", err)
	}
	s.state = StateConnected
	s.mu.Unlock()

	go s.eventLoop(s.tr.Events())

	s.log.Printf("session connected as %s (%s)", profile.Username, profile.UserId)
	return nil
}

func fillProfile(p *Profile) error {
	if p.UserId == "" {
		id, err := shortid.Generate()
		if err != nil {
			return err
		}
		p.UserId = id
	}
	if p.Username == "" {
		p.Username = "user-" + p.UserId
	}
	if p.Color == "" {
		p.Color = displayPalette[rand.Intn(len(displayPalette))]
	}
	return nil
}

// JoinRoom joins the room, connecting first if needed. On success the local
// participant map is replaced wholesale with the server's authoritative
// snapshot from the ack.
func (s *Session) JoinRoom(ctx context.Context, roomId string) error {
	s.mu.Lock()
	state := s.state
	current := s.room
	profile := s.profile
	s.mu.Unlock()

	if state == StateDisconnected {
		if err := s.Init(ctx, profile); err != nil {
			return err
		}
	}

	if current == roomId {
		return nil
	}
	if current != "" {
		// best effort: a failed leave must not block joining the new room
		if err := s.LeaveRoom(ctx); err != nil {
			s.log.Printf("leave %q before join: %v", current, err)
		}
	}

	s.setState(StateJoining)
	ack, err := s.tr.Send(ctx, types.EventJoinRoom, map[string]string{"room_id": roomId})
	if err != nil {
		s.setState(StateConnected)
		return newError(ReasonTransport, "join "+roomId, err)
	}
	if !ack.Success {
		s.setState(StateConnected)
		return newError(ReasonAckFailure, ack.Error, nil)
	}

	s.mu.Lock()
	s.room = roomId
	s.state = StateInRoom
	s.users = make(map[string]*types.Participant, len(ack.Users))
	for _, p := range ack.Users {
		participant := p
		s.users[p.UserId] = &participant
	}
	s.chat = nil
	s.mu.Unlock()

	s.log.Printf("joined room %q with %d participant(s)", roomId, len(ack.Users))
	return nil
}

// LeaveRoom leaves the current room. Local room state is cleared before the
// ack arrives so the session never stays stuck in an unreachable room; the
// ack failure, if any, is still reported.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	if s.room == "" {
		s.mu.Unlock()
		return nil
	}
	roomId := s.room
	s.clearRoomLocked()
	s.mu.Unlock()

	ack, err := s.tr.Send(ctx, types.EventLeaveRoom, map[string]string{"room_id": roomId})
	if err != nil {
		return newError(ReasonTransport, "leave "+roomId, err)
	}
	if !ack.Success {
		return newError(ReasonAckFailure, ack.Error, nil)
	}

	s.log.Printf("left room %q", roomId)
	return nil
}

func (s *Session) clearRoomLocked() {
	s.room = ""
	s.users = make(map[string]*types.Participant)
	s.chat = nil
	if s.state == StateInRoom {
		s.state = StateConnected
	}
}

// Send wraps payload in the uniform outbound envelope and waits for the
// server's ack. All sent events are room scoped, so sending outside a room
// fails locally without touching the wire. Callers that treat sends as
// fire-and-forget should invoke it from a goroutine and log the error.
func (s *Session) Send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateConnecting {
		s.mu.Unlock()
		return newError(ReasonNotConnected, event, nil)
	}
	if s.room == "" {
		s.mu.Unlock()
		return newError(ReasonNotInRoom, event, nil)
	}
	env := types.Envelope{
		UserId:    s.user.Id,
		Username:  s.user.Username,
		Color:     s.user.Color,
		RoomId:    s.room,
		Timestamp: types.Now(),
	}
	s.mu.Unlock()

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return newError(ReasonTransport, "marshal "+event, err)
		}
		env.Data = data
	}

	ack, err := s.tr.Send(ctx, event, env)
	if err != nil {
		return newError(ReasonTransport, event, err)
	}
	if !ack.Success {
		return newError(ReasonAckFailure, ack.Error, nil)
	}
	return nil
}

func (s *Session) SendCursorPosition(ctx context.Context, pos types.CursorPosition) error {
	return s.Send(ctx, types.EventCursorPosition, pos)
}

func (s *Session) SendCameraChange(ctx context.Context, pose types.CameraPose) error {
	return s.Send(ctx, types.EventCameraChange, pose)
}

func (s *Session) SendObjectTransform(ctx context.Context, tf types.ObjectTransform) error {
	return s.Send(ctx, types.EventObjectTransform, tf)
}

func (s *Session) SendObjectSelect(ctx context.Context, objectId string) error {
	return s.Send(ctx, types.EventObjectSelect, types.ObjectSelection{ObjectId: objectId})
}

func (s *Session) SendObjectDeselect(ctx context.Context) error {
	return s.Send(ctx, types.EventObjectDeselect, nil)
}

func (s *Session) SendObjectAdd(ctx context.Context, obj types.SceneObject) error {
	return s.Send(ctx, types.EventObjectAdd, obj)
}

func (s *Session) SendObjectRemove(ctx context.Context, objectId string) error {
	return s.Send(ctx, types.EventObjectRemove, types.ObjectSelection{ObjectId: objectId})
}

func (s *Session) SendChatMessage(ctx context.Context, message string) error {
	return s.Send(ctx, types.EventChatMessage, types.ChatPayload{Message: message})
}

func (s *Session) RequestSync(ctx context.Context) error {
	return s.Send(ctx, types.EventSyncRequest, nil)
}

func (s *Session) SendSyncResponse(ctx context.Context, scene any) error {
	return s.Send(ctx, types.EventSyncResponse, scene)
}

// Disconnect leaves the current room best-effort and tears down the
// transport.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	inRoom := s.room != ""
	s.mu.Unlock()

	if inRoom {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.LeaveRoom(ctx); err != nil {
			s.log.Println("leave on disconnect:", err)
		}
		cancel()
	}

	err := s.tr.Close()

	s.mu.Lock()
	s.state = StateDisconnected
	s.clearRoomLocked()
	s.mu.Unlock()

	if err != nil {
		return newError(ReasonTransport, "close", err)
	}
	return nil
}

// On registers a handler for the named event. Handlers run on the event
// loop goroutine after the session's own state mutation for that event.
func (s *Session) On(event string, h Handler) Subscription {
	return s.dispatch.on(event, h)
}

func (s *Session) Off(sub Subscription) {
	s.dispatch.off(sub)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	st := s.State()
	return st == StateConnected || st == StateJoining || st == StateInRoom
}

func (s *Session) Joined() bool {
	return s.State() == StateInRoom
}

func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) CurrentUser() types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Users returns a copy of the participant mirror ordered by user id.
func (s *Session) Users() []types.Participant {
	s.mu.Lock()
	users := make([]types.Participant, 0, len(s.users))
	for _, p := range s.users {
		users = append(users, *p)
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserId < users[j].UserId })
	return users
}

func (s *Session) ChatMessages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out
}

func (s *Session) eventLoop(events <-chan transport.ServerEvent) {
	for evt := range events {
		s.handleEvent(evt)
	}

	// channel closed: transport dropped. The session does not reconnect
	// itself; callers observe Connected()==false and re-Init.
	s.mu.Lock()
	s.state = StateDisconnected
	s.clearRoomLocked()
	s.mu.Unlock()
	s.log.Println("transport disconnected")
}

func (s *Session) handleEvent(raw transport.ServerEvent) {
	var env types.Envelope
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &env); err != nil {
			s.log.Printf("malformed %q event: %v", raw.Event, err)
			return
		}
	}

	evt := Event{
		Name:      raw.Event,
		Sender:    types.User{Id: env.UserId, Username: env.Username, Color: env.Color},
		RoomId:    env.RoomId,
		Timestamp: env.Timestamp,
		Data:      env.Data,
	}

	switch raw.Event {
	case types.EventUserJoined:
		s.applyUserJoined(evt)
	case types.EventUserLeft:
		s.applyUserLeft(evt)
	case types.EventCursorPosition:
		s.applyCursor(evt)
	case types.EventObjectSelect:
		s.applySelection(evt, true)
	case types.EventObjectDeselect:
		s.applySelection(evt, false)
	case types.EventChatMessage:
		s.applyChat(evt)
	case types.EventError:
		s.log.Println(newError(ReasonServer, string(evt.Data), nil))
	}

	s.dispatch.emit(evt)
}

func (s *Session) applyUserJoined(evt Event) {
	var p types.Participant
	if err := evt.Decode(&p); err != nil {
		s.log.Println("decode user_joined:", err)
		return
	}
	if p.UserId == "" {
		p = types.Participant{UserId: evt.Sender.Id, Username: evt.Sender.Username, Color: evt.Sender.Color}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" || p.UserId == s.user.Id {
		return
	}
	s.users[p.UserId] = &p
	s.appendChatLocked(types.ChatMessage{
		Type:      types.ChatTypeSystem,
		UserId:    p.UserId,
		Username:  p.Username,
		Color:     p.Color,
		Message:   p.Username + " joined",
		Timestamp: evt.Timestamp,
	})
}

func (s *Session) applyUserLeft(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[evt.Sender.Id]
	if !ok {
		return
	}
	delete(s.users, evt.Sender.Id)
	s.appendChatLocked(types.ChatMessage{
		Type:      types.ChatTypeSystem,
		UserId:    p.UserId,
		Username:  p.Username,
		Color:     p.Color,
		Message:   p.Username + " left",
		Timestamp: evt.Timestamp,
	})
}

func (s *Session) applyCursor(evt Event) {
	var pos types.CursorPosition
	if err := evt.Decode(&pos); err != nil {
		s.log.Println("decode cursor_position:", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.users[evt.Sender.Id]; ok && evt.Sender.Id != s.user.Id {
		p.CursorPosition = &pos
	}
}

func (s *Session) applySelection(evt Event, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[evt.Sender.Id]
	if !ok || evt.Sender.Id == s.user.Id {
		return
	}
	if !selected {
		p.SelectedObjectId = ""
		return
	}

	var sel types.ObjectSelection
	if err := json.Unmarshal(evt.Data, &sel); err != nil {
		s.log.Println("decode object_select:", err)
		return
	}
	p.SelectedObjectId = sel.ObjectId
}

func (s *Session) applyChat(evt Event) {
	var msg types.ChatMessage
	if err := evt.Decode(&msg); err != nil {
		s.log.Println("decode chat_message:", err)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = evt.Timestamp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendChatLocked(msg)
}

func (s *Session) appendChatLocked(msg types.ChatMessage) {
	s.chat = append(s.chat, msg)
	if len(s.chat) > s.chatCap {
		s.chat = s.chat[len(s.chat)-s.chatCap:]
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
