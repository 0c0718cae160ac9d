package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/stats"
	"github.com/teris-io/shortid"
)

type stopRequest struct {
	done chan struct{}
}

// ChatServer is the hub: it owns the room table, loads rooms lazily on
// first join, and unloads them when idle. The connection registry is an
// explicit dependency shared with the HTTP layer.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	registry       *Registry
	stats          stats.StatsProvider
	joinChan       chan *ClientFrame
	unloadRoomChan chan string
	rooms          map[string]*Room
	roomsLock      sync.RWMutex
	stop           chan stopRequest
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, registry *Registry, sp stats.StatsProvider) (*ChatServer, error) {
	if registry == nil {
		return nil, errors.New("chat server requires a connection registry")
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		registry:       registry,
		stats:          sp,
		joinChan:       make(chan *ClientFrame, roomChanSize),
		unloadRoomChan: make(chan string, roomChanSize),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopRequest),
	}

	sp.RegisterMetric(stats.MetricActiveConnections)
	sp.RegisterMetric(stats.MetricActiveRooms)
	sp.RegisterMetric(stats.MetricMessagesBroadcast)
	sp.RegisterMetric(stats.MetricDeliveriesDropped)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case f := <-cs.joinChan:
			cs.handleJoin(f)
		case name := <-cs.unloadRoomChan:
			cs.unloadRoom(name)
		case req := <-cs.stop:
			cs.shutdownRooms()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(f *ClientFrame) {
	room, ok := cs.getRoom(f.Join.Room)
	if !ok {
		var err error
		room, err = cs.loadRoom(f)
		if err != nil {
			cs.log.Printf("load room %q: %v", f.Join.Room, err)
			if errors.Is(err, database.ErrStoreUnavailable) {
				f.client.queueFrame(ErrFrameStoreUnavailable(f.Id))
			} else {
				f.client.queueFrame(ErrFrameInternal(f.Id))
			}
			return
		}

		cs.addRoom(room)
		go room.run()
		cs.stats.Incr(stats.MetricActiveRooms)
	}

	select {
	case room.joinChan <- f:
	default:
		cs.log.Printf("join channel full on room %q", room.name)
		f.client.queueFrame(ErrFrameInternal(f.Id))
	}
}

// loadRoom fetches the durable room record, creating it on first join.
// Rooms are lazily created and never destroyed; unloading only stops
// the in-memory loop.
func (cs *ChatServer) loadRoom(f *ClientFrame) (*Room, error) {
	dbRoom, err := cs.db.GetRoomByName(f.Join.Room)
	if errors.Is(err, database.ErrNotFound) {
		sid, sidErr := shortid.Generate()
		if sidErr != nil {
			return nil, fmt.Errorf("generate room id: %w", sidErr)
		}

		dbRoom, err = cs.db.CreateRoom(database.CreateRoomParams{
			Name:       f.Join.Room,
			ExternalId: sid,
			OwnerId:    f.client.user.Id,
		})
	}
	if err != nil {
		return nil, err
	}

	return newRoom(cs, dbRoom.Id, dbRoom.Name, dbRoom.ExternalId, dbRoom.SeqId), nil
}

func (cs *ChatServer) unloadRoom(name string) {
	room, ok := cs.getRoom(name)
	if !ok {
		return
	}

	// The idle request may be stale: a join can land between the timer
	// firing and the hub processing the unload. Never kill a room that
	// has members again or a join still waiting. A later empty period
	// re-arms the timer and produces a fresh request.
	if room.memberCount() > 0 || len(room.joinChan) > 0 {
		cs.log.Printf("skipping unload of occupied room %q", name)
		return
	}

	cs.log.Printf("unloading room %q", name)
	cs.removeRoom(name)
	close(room.exit)
	<-room.done
	cs.stats.Decr(stats.MetricActiveRooms)
}

func (cs *ChatServer) shutdownRooms() {
	cs.roomsLock.Lock()
	rooms := cs.rooms
	cs.rooms = make(map[string]*Room)
	cs.roomsLock.Unlock()

	for name, room := range rooms {
		cs.log.Printf("shutting down room %q", name)
		close(room.exit)
		<-room.done
		cs.stats.Decr(stats.MetricActiveRooms)
	}
}

// RegisterClient records the connection in the registry. An id
// collision is a programming error and fails the connection's setup.
func (cs *ChatServer) RegisterClient(c *Client) error {
	if err := cs.registry.Register(c); err != nil {
		return err
	}

	cs.stats.Incr(stats.MetricActiveConnections)
	return nil
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	if cs.registry.Deregister(c.id) {
		cs.stats.Decr(stats.MetricActiveConnections)
	}
}

func (cs *ChatServer) getRoom(name string) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	room, ok := cs.rooms[name]
	return room, ok
}

func (cs *ChatServer) addRoom(r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	cs.rooms[r.name] = r
}

func (cs *ChatServer) removeRoom(name string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	delete(cs.rooms, name)
}

// Shutdown closes every live connection, then stops the hub loop and
// all room loops. It returns once cleanup completed or ctx expired.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	for _, c := range cs.registry.Clients() {
		c.close()
	}

	req := stopRequest{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
