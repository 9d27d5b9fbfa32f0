package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	defaultAckTimeout = 10 * time.Second
	sendBuffer        = 256
	eventBuffer       = 256
)

// WebsocketTransport implements Transport over a gorilla websocket
// connection with read/write pump goroutines. Acks are correlated to sends
// by monotonically increasing frame ids.
type WebsocketTransport struct {
	url        string
	log        *log.Logger
	ackTimeout time.Duration
	dialer     *websocket.Dialer
	header     http.Header

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closed       bool
	eventsClosed bool
	nextId       int64
	pending      map[int64]chan *Ack

	send   chan *ClientFrame
	events chan ServerEvent
	stop   chan struct{}
}

func NewWebsocketTransport(serverURL string, logger *log.Logger) *WebsocketTransport {
	return &WebsocketTransport{
		url:        serverURL,
		log:        logger,
		ackTimeout: defaultAckTimeout,
		dialer:     websocket.DefaultDialer,
		pending:    make(map[int64]chan *Ack),
		events:     make(chan ServerEvent, eventBuffer),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context, id Identity) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", id.UserId)
	q.Set("username", id.Username)
	q.Set("color", id.Color)
	if id.Token != "" {
		q.Set("token", id.Token)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.send = make(chan *ClientFrame, sendBuffer)
	t.stop = make(chan struct{})
	if t.eventsClosed {
		// previous connection drained; consumers must re-read Events
		t.events = make(chan ServerEvent, eventBuffer)
		t.eventsClosed = false
	}
	t.mu.Unlock()

	go t.writePump(conn, t.send, t.stop)
	go t.readPump(conn, t.events)

	return nil
}

func (t *WebsocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebsocketTransport) Events() <-chan ServerEvent {
	return t.events
}

func (t *WebsocketTransport) Send(ctx context.Context, event string, payload any) (*Ack, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.nextId++
	id := t.nextId
	ackCh := make(chan *Ack, 1)
	t.pending[id] = ackCh
	send := t.send
	t.mu.Unlock()

	frame := &ClientFrame{Id: id, Event: event, Data: data}
	select {
	case send <- frame:
	default:
		t.dropPending(id)
		return nil, fmt.Errorf("%s: send queue full", event)
	}

	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return nil, ErrNotConnected
		}
		return ack, nil
	case <-timer.C:
		t.dropPending(id)
		return nil, fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	}
}

func (t *WebsocketTransport) Notify(event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	send := t.send
	t.mu.Unlock()

	select {
	case send <- &ClientFrame{Event: event, Data: data}:
		return nil
	default:
		return fmt.Errorf("%s: send queue full", event)
	}
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if connected {
		t.teardown()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *WebsocketTransport) writePump(conn *websocket.Conn, send chan *ClientFrame, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				return
			}
			bytes, err := json.Marshal(frame)
			if err != nil {
				t.log.Println("failed to serialize frame:", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				t.log.Println("ws: write:", err)
				return
			}
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn, events chan ServerEvent) {
	defer func() {
		conn.Close()
		t.teardown()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.log.Printf("ws: read: %v", err)
			}
			return
		}

		var frame ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.log.Println("error parsing frame:", err)
			continue
		}

		if frame.Id != 0 && frame.Ack != nil {
			t.deliverAck(frame.Id, frame.Ack)
			continue
		}

		select {
		case events <- ServerEvent{Event: frame.Event, Data: frame.Data}:
		default:
			t.log.Printf("event buffer full, dropping %q", frame.Event)
		}
	}
}

func (t *WebsocketTransport) deliverAck(id int64, ack *Ack) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		ch <- ack
	}
}

func (t *WebsocketTransport) dropPending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// teardown marks the transport disconnected, fails outstanding acks and
// closes the event channel so consumers observe the drop.
func (t *WebsocketTransport) teardown() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.eventsClosed = true
	close(t.stop)
	pending := t.pending
	t.pending = make(map[int64]chan *Ack)
	events := t.events
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(events)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
