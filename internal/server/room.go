package server

import (
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scenesync/scenesync/internal/stats"
	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

const idleRoomTimeout = 30 * time.Second

type joinRequest struct {
	client  *Client
	frameId int64
	roomId  string
}

type leaveRequest struct {
	client  *Client
	frameId int64
}

type relayRequest struct {
	client *Client
	frame  *transport.ClientFrame
}

type exitReq struct {
	done chan struct{}
}

// Room is an actor: a single goroutine owns the participant set and all
// fan-out, so no locking is needed on room state.
type Room struct {
	id    string
	cs    *CollabServer
	log   *log.Logger
	stats stats.Provider

	joinChan  chan *joinRequest
	leaveChan chan *leaveRequest
	relayChan chan *relayRequest

	clients      map[*Client]struct{}
	participants map[string]*types.Participant

	entropy   *rand.Rand
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(id string, cs *CollabServer) *Room {
	return &Room{
		id:           id,
		cs:           cs,
		log:          cs.log,
		stats:        cs.stats,
		joinChan:     make(chan *joinRequest, 256),
		leaveChan:    make(chan *leaveRequest, 256),
		relayChan:    make(chan *relayRequest, 256),
		clients:      make(map[*Client]struct{}),
		participants: make(map[string]*types.Participant),
		entropy:      rand.New(rand.NewSource(time.Now().UnixNano())),
		exit:         make(chan exitReq),
		done:         make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case relay := <-r.relayChan:
			r.handleRelay(relay)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleJoin(join *joinRequest) {
	r.killTimer.Stop()

	c := join.client
	p := &types.Participant{
		UserId:   c.user.Id,
		Username: c.user.Username,
		Color:    c.user.Color,
	}
	r.clients[c] = struct{}{}
	r.participants[c.user.Id] = p
	c.setRoom(r)

	// ack carries the authoritative membership snapshot, joiner included
	c.queueFrame(ackOK(join.frameId, r.snapshot()))

	data, _ := json.Marshal(p)
	r.broadcast(eventFrame(types.EventUserJoined, envelopeFor(c.user, r.id, data)), c)

	r.log.Printf("user %q joined room %q (%d participants)", c.user.Username, r.id, len(r.participants))
}

func (r *Room) handleLeave(leave *leaveRequest) {
	c := leave.client
	if _, ok := r.clients[c]; !ok {
		if leave.frameId != 0 {
			c.queueFrame(ackOK(leave.frameId, nil))
		}
		return
	}

	delete(r.clients, c)
	delete(r.participants, c.user.Id)
	c.clearRoom(r)

	if leave.frameId != 0 {
		c.queueFrame(ackOK(leave.frameId, nil))
	}

	r.broadcast(eventFrame(types.EventUserLeft, envelopeFor(c.user, r.id, nil)), c)
	r.log.Printf("user %q left room %q", c.user.Username, r.id)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// handleRelay stamps the sender's handshake identity onto the envelope and
// fans the event out. Clients cannot spoof another participant.
func (r *Room) handleRelay(relay *relayRequest) {
	c := relay.client
	frame := relay.frame

	var clientEnv types.Envelope
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &clientEnv); err != nil {
			c.queueFrame(ackErr(frame.Id, "invalid envelope"))
			return
		}
	}

	data := clientEnv.Data
	event := frame.Event

	switch event {
	case types.EventCursorPosition:
		r.applyCursor(c.user.Id, data)
	case types.EventObjectSelect:
		r.applySelection(c.user.Id, data)
	case types.EventObjectDeselect:
		r.applySelection(c.user.Id, nil)
	case types.EventChatMessage:
		data = r.buildChatMessage(c.user, data)
		if data == nil {
			c.queueFrame(ackErr(frame.Id, "invalid chat message"))
			return
		}
		r.stats.Incr(stats.MetricChatMessages)
	}

	if frame.Id != 0 {
		c.queueFrame(ackOK(frame.Id, nil))
	}

	out := eventFrame(event, envelopeFor(c.user, r.id, data))
	if event == types.EventChatMessage {
		// chat echoes to the sender so every participant shares one history
		r.broadcast(out, nil)
	} else {
		r.broadcast(out, c)
	}
	r.stats.Incr(stats.MetricEventsRelayed)
}

func (r *Room) applyCursor(userId string, data json.RawMessage) {
	var pos types.CursorPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return
	}
	if p, ok := r.participants[userId]; ok {
		p.CursorPosition = &pos
	}
}

func (r *Room) applySelection(userId string, data json.RawMessage) {
	p, ok := r.participants[userId]
	if !ok {
		return
	}
	if data == nil {
		p.SelectedObjectId = ""
		return
	}

	var sel types.ObjectSelection
	if err := json.Unmarshal(data, &sel); err != nil {
		return
	}
	p.SelectedObjectId = sel.ObjectId
}

func (r *Room) buildChatMessage(user types.User, data json.RawMessage) json.RawMessage {
	var payload types.ChatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return nil
	}

	msg := types.ChatMessage{
		Id:        ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(r.entropy, 0)).String(),
		Type:      types.ChatTypeMessage,
		UserId:    user.Id,
		Username:  user.Username,
		Color:     user.Color,
		Message:   payload.Message,
		Timestamp: types.Now(),
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return out
}

func (r *Room) snapshot() []types.Participant {
	users := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		users = append(users, *p)
	}
	return users
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.id)
	select {
	case r.cs.unloadRoomChan <- r.id:
	default:
		r.log.Printf("unload channel full, retrying room %q later", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.id)
	for c := range r.clients {
		c.clearRoom(r)
	}

	close(r.done)
	if e.done != nil {
		close(e.done)
	}
}

func (r *Room) broadcast(frame *transport.ServerFrame, skip *Client) {
	for client := range r.clients {
		if client == skip {
			continue
		}
		client.queueFrame(frame)
	}
}
