package chat

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ncavallini/go-chat-server/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	// maxFrameBytes bounds a whole inbound frame on the wire;
	// maxBodyBytes bounds the message body inside a send frame.
	maxFrameBytes = 4096
	maxBodyBytes  = 1024

	sendQueueSize = 256

	// maxConsecutiveDrops is the slow-consumer threshold: this many
	// consecutive dropped deliveries force a disconnect.
	maxConsecutiveDrops = 3
)

// Client runs the per-connection session: one read pump and one write
// pump around a websocket, a bounded outbound queue, and the
// join/leave/send/history control flow. The Client owns its connection;
// the registry and rooms hold only non-owning references.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerFrame
	room       *Room
	roomLock   sync.RWMutex
	stop       chan struct{}
	closeOnce  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerFrame, sendQueueSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return publicUser(c.user)
}

// Write is the outbound pump: it drains the send queue onto the socket
// and keeps the connection alive with pings.
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

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read is the inbound pump. It exits on any transport error, idle
// timeout or forced close, and always runs the full cleanup path:
// leave the current room, then deregister.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws read: %v", err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.queueFrame(ErrFrameInvalidMessage(0, "malformed frame"))
			continue
		}

		frame.client = c
		c.route(&frame)
	}
}

// route dispatches one validated inbound frame. A validation failure
// rejects the single frame and keeps the connection open.
func (c *Client) route(f *ClientFrame) {
	if err := f.validate(); err != nil {
		c.queueFrame(ErrFrameInvalidMessage(f.Id, err.Error()))
		return
	}

	switch {
	case f.Join != nil:
		c.joinRoom(f)
	case f.Leave != nil:
		c.leaveRoom(f)
	case f.Send != nil, f.History != nil:
		r := c.currentRoom()
		if r == nil {
			c.queueFrame(ErrFrameInvalidMessage(f.Id, "join a room first"))
			return
		}
		c.forward(r.frameChan, f)
	}
}

func (c *Client) joinRoom(f *ClientFrame) {
	// A connection holds at most one room. Switching detaches from the
	// old room here, before the join is forwarded, so there is no
	// window in which both member sets hold the connection. The queued
	// leave only announces the departure.
	if cur := c.currentRoom(); cur != nil && cur.name != f.Join.Room {
		if cur.detach(c) {
			c.forward(cur.leaveChan, &ClientFrame{Leave: &Leave{}, detached: true, client: c})
		}
	}

	select {
	case c.chatServer.joinChan <- f:
	default:
		c.log.Printf("join channel full, rejecting join from %q", c.user.Username)
		c.queueFrame(ErrFrameInternal(f.Id))
	}
}

func (c *Client) leaveRoom(f *ClientFrame) {
	r := c.currentRoom()
	if r == nil {
		return
	}
	c.forward(r.leaveChan, f)
}

func (c *Client) forward(ch chan *ClientFrame, f *ClientFrame) {
	select {
	case ch <- f:
	default:
		c.log.Printf("room channel full, rejecting frame from %q", c.user.Username)
		c.queueFrame(ErrFrameInternal(f.Id))
	}
}

// queueFrame enqueues without blocking. A false return means the
// bounded queue is saturated and the delivery was dropped.
func (c *Client) queueFrame(frame *ServerFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// cleanup runs the teardown sequence of a dying connection: leave the
// current room, deregister, stop the pumps. Each step is idempotent so
// racing teardown paths cannot leave dangling state.
func (c *Client) cleanup() {
	if r := c.currentRoom(); r != nil {
		leave := &ClientFrame{Leave: &Leave{}, client: c}
		select {
		case r.leaveChan <- leave:
		case <-r.done:
			// room already shut down and dropped its members
		}
	}

	c.chatServer.DeregisterClient(c)
	c.close()
}

// close tears the connection down at most once: the write pump stops
// and the blocked read unblocks via the closed socket, which then runs
// cleanup.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) writeMessage(msgType int, payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, payload); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("ws write: %v", err)
		}
		return false
	}

	return true
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	c.room = r
}

// clearRoom drops the reference only if it still points at r, so a
// stale leave cannot clobber a newer join.
func (c *Client) clearRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	if c.room == r {
		c.room = nil
	}
}

func (c *Client) currentRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()

	return c.room
}
