package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scenesync/scenesync/internal/stats"
	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Client struct {
	conn  *websocket.Conn
	cs    *CollabServer
	log   *log.Logger
	stats stats.Provider
	user  types.User
	send  chan *transport.ServerFrame

	roomLock sync.RWMutex
	room     *Room

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *CollabServer, l *log.Logger, sp stats.Provider) *Client {
	return &Client{
		conn:  conn,
		cs:    cs,
		log:   l,
		stats: sp,
		user:  user,
		send:  make(chan *transport.ServerFrame, 256),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame transport.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(ackErr(0, "invalid message format"))
			continue
		}

		switch frame.Event {
		case types.EventJoinRoom:
			c.joinRoom(&frame)
		case types.EventLeaveRoom:
			c.leaveRoom(&frame)
		default:
			c.relay(&frame)
		}
	}
}

func (c *Client) joinRoom(frame *transport.ClientFrame) {
	var req struct {
		RoomId string `json:"room_id"`
	}
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomId == "" {
		c.queueFrame(ackErr(frame.Id, "missing room_id"))
		return
	}

	// a join while in another room implies leaving it; otherwise the old
	// room keeps a ghost participant and never goes idle
	if r := c.getRoom(); r != nil && r.id != req.RoomId {
		select {
		case r.leaveChan <- &leaveRequest{client: c}:
		default:
			c.log.Printf("leaveChan full for room %q", r.id)
		}
	}

	select {
	case c.cs.joinChan <- &joinRequest{client: c, frameId: frame.Id, roomId: req.RoomId}:
	default:
		c.log.Println("joinChan full")
		c.queueFrame(ackErr(frame.Id, "service unavailable"))
	}
}

func (c *Client) leaveRoom(frame *transport.ClientFrame) {
	r := c.getRoom()
	if r == nil {
		// already out; leaving twice is not an error
		c.queueFrame(ackOK(frame.Id, nil))
		return
	}

	select {
	case r.leaveChan <- &leaveRequest{client: c, frameId: frame.Id}:
	default:
		c.log.Printf("leaveChan full for room %q", r.id)
		c.queueFrame(ackErr(frame.Id, "service unavailable"))
	}
}

func (c *Client) relay(frame *transport.ClientFrame) {
	r := c.getRoom()
	if r == nil {
		c.queueFrame(ackErr(frame.Id, "not in a room"))
		return
	}

	select {
	case r.relayChan <- &relayRequest{client: c, frame: frame}:
	default:
		c.log.Printf("relayChan full for room %q", r.id)
		c.queueFrame(ackErr(frame.Id, "service unavailable"))
	}
}

func (c *Client) queueFrame(frame *transport.ServerFrame) bool {
	select {
	case c.send <- frame:
	default:
		c.log.Println("failed to queue frame, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cs.deregisterChan <- c
	if r := c.getRoom(); r != nil {
		select {
		case r.leaveChan <- &leaveRequest{client: c}:
		default:
			c.log.Printf("leaveChan full for room %q during cleanup", r.id)
		}
	}
	c.stopClient()
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	c.room = r
}

// clearRoom detaches the client only if it still points at r. Room-hop
// leaves and joins are handled by different room goroutines, so an old
// room's leave must not wipe out a newer room assignment.
func (c *Client) clearRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	if c.room == r {
		c.room = nil
	}
}

func (c *Client) getRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()
	return c.room
}
