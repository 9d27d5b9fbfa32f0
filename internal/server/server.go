package server

import (
	"log"
	"sync"

	"github.com/scenesync/scenesync/internal/stats"
)

// CollabServer owns the room registry and the client set. Rooms are created
// on demand when the first client joins and unloaded after sitting idle; the
// room id is an opaque string, the server is content-agnostic.
type CollabServer struct {
	log   *log.Logger
	stats stats.Provider

	joinChan       chan *joinRequest
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadRoomChan chan string

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	rooms       map[string]*Room

	stop chan struct{}
	done chan struct{}
}

func NewCollabServer(logger *log.Logger, sp stats.Provider) *CollabServer {
	return &CollabServer{
		log:            logger,
		stats:          sp,
		joinChan:       make(chan *joinRequest, 256),
		registerChan:   make(chan *Client, 64),
		deregisterChan: make(chan *Client, 64),
		unloadRoomChan: make(chan string, 64),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (cs *CollabServer) Run() {
	for {
		select {
		case join := <-cs.joinChan:
			room, ok := cs.rooms[join.roomId]
			if !ok {
				room = newRoom(join.roomId, cs)
				cs.rooms[join.roomId] = room
				cs.stats.Incr(stats.MetricRooms)
				go room.start()
			}

			select {
			case room.joinChan <- join:
			default:
				cs.log.Printf("join channel full on room %q", room.id)
				join.client.queueFrame(ackErr(join.frameId, "service unavailable"))
			}
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
			cs.stats.Incr(stats.MetricConnections)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
			cs.stats.Decr(stats.MetricConnections)
		case id := <-cs.unloadRoomChan:
			if r, ok := cs.rooms[id]; ok {
				cs.log.Printf("removing room %q", id)
				delete(cs.rooms, id)
				cs.stats.Decr(stats.MetricRooms)
				r.exit <- exitReq{}
				<-r.done
			}
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				cs.log.Println("shutting down room", r.id)
				r.exit <- exitReq{}
				<-r.done
			}

			close(cs.done)
			return
		}
	}
}

func (cs *CollabServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *CollabServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *CollabServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

func (cs *CollabServer) Shutdown() {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	<-cs.done
}
