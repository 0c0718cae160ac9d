package chat

import (
	"log"
	"sync"
	"time"

	"github.com/ncavallini/go-chat-server/internal/stats"
	"github.com/ncavallini/go-chat-server/internal/types"
)

const (
	// idleRoomTimeout is how long an empty room keeps its goroutine
	// before unloading. The durable room record remains; a later join
	// reloads it.
	idleRoomTimeout = 30 * time.Second

	// joinHistoryLimit bounds the history window streamed on join when
	// the client does not resume from a known sequence number.
	joinHistoryLimit = 50

	roomChanSize = 256
)

// memberStatus is the membership state machine of one connection in one
// room: joining -> joined -> leaving -> left. Left is terminal; a fresh
// join starts a new instance.
type memberStatus int

const (
	statusJoining memberStatus = iota
	statusJoined
	statusLeaving
	statusLeft
)

type member struct {
	status memberStatus
	// drops counts consecutive failed deliveries. Reset on success;
	// reaching maxConsecutiveDrops forces a disconnect.
	drops int
}

// Room owns membership and ordered fan-out for one chat room. A single
// goroutine (run) serializes joins, leaves, appends and history reads,
// which is what preserves store order during fan-out.
type Room struct {
	id         int
	name       string
	externalId string
	// seq mirrors the store's last assigned sequence number, used to
	// compute the history window on join.
	seq        int
	cs         *ChatServer
	log        *log.Logger
	joinChan   chan *ClientFrame
	leaveChan  chan *ClientFrame
	frameChan  chan *ClientFrame
	members    map[*Client]*member
	memberLock sync.RWMutex
	killTimer  *time.Timer
	exit       chan struct{}
	done       chan struct{}
}

func newRoom(cs *ChatServer, id int, name, externalId string, seq int) *Room {
	return &Room{
		id:         id,
		name:       name,
		externalId: externalId,
		seq:        seq,
		cs:         cs,
		log:        cs.log,
		joinChan:   make(chan *ClientFrame, roomChanSize),
		leaveChan:  make(chan *ClientFrame, roomChanSize),
		frameChan:  make(chan *ClientFrame, roomChanSize),
		members:    make(map[*Client]*member),
		exit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (r *Room) run() {
	r.log.Printf("starting room %q", r.name)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	defer close(r.done)

	for {
		select {
		case f := <-r.joinChan:
			r.handleJoin(f)
		case f := <-r.leaveChan:
			r.handleLeave(f)
		case f := <-r.frameChan:
			switch {
			case f.Send != nil:
				r.handleSend(f)
			case f.History != nil:
				r.handleHistory(f)
			}
		case <-r.killTimer.C:
			r.handleIdleTimeout()
		case <-r.exit:
			r.handleExit()
			return
		}
	}
}

func (r *Room) handleJoin(f *ClientFrame) {
	r.killTimer.Stop()

	c := f.client
	if m, ok := r.getMember(c); ok && m.status == statusJoined {
		// joining twice is a no-op: re-ack with the current snapshot,
		// no duplicate membership and no history replay
		c.queueFrame(&ServerFrame{
			Id:        f.Id,
			Timestamp: Now(),
			Joined:    &Joined{Room: r.name, Members: r.Members()},
		})
		return
	}

	r.addMember(c)
	c.setRoom(r)
	r.setStatus(c, statusJoined)

	c.queueFrame(&ServerFrame{
		Id:        f.Id,
		Timestamp: Now(),
		Joined:    &Joined{Room: r.name, Members: r.Members()},
	})

	// History is queued before returning to the loop, so every live
	// message broadcast after this point lands behind it in the
	// client's delivery order.
	fromSeq := f.Join.FromSeq
	if fromSeq <= 0 {
		fromSeq = r.seq - joinHistoryLimit + 1
		if fromSeq < 1 {
			fromSeq = 1
		}
	}
	r.streamHistory(c, f.Id, fromSeq, joinHistoryLimit)

	r.broadcast(&ServerFrame{
		Timestamp: Now(),
		Presence: &Presence{
			Room:    r.name,
			User:    publicUser(c.user),
			Present: true,
		},
	}, c)
}

func (r *Room) handleLeave(f *ClientFrame) {
	c := f.client
	m, ok := r.getMember(c)

	if f.detached {
		// membership was removed at detach time; if the connection has
		// rejoined since, there is no departure to announce
		if ok {
			return
		}
	} else {
		if !ok || m.status == statusLeft {
			return
		}
		r.setStatus(c, statusLeaving)
		r.removeMember(c)
		c.clearRoom(r)
	}

	// announce the user offline only once their last connection left
	if !r.userPresent(c.user.Id) {
		r.broadcast(&ServerFrame{
			Timestamp: Now(),
			Presence: &Presence{
				Room:    r.name,
				User:    publicUser(c.user),
				Present: false,
			},
		}, c)
	}

	if r.memberCount() == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleSend(f *ClientFrame) {
	c := f.client
	if m, ok := r.getMember(c); !ok || m.status != statusJoined {
		c.queueFrame(ErrFrameInvalidMessage(f.Id, "not joined to room"))
		return
	}

	// The append is the source of truth: nothing is broadcast unless
	// the store accepted the message and assigned its sequence number.
	msg, err := r.cs.db.AppendMessage(r.id, c.user.Id, f.Send.Body)
	if err != nil {
		r.log.Printf("append message in room %q: %v", r.name, err)
		c.queueFrame(ErrFrameStoreUnavailable(f.Id))
		return
	}

	r.seq = msg.SeqId
	r.cs.stats.Incr(stats.MetricMessagesBroadcast)

	r.broadcast(&ServerFrame{
		Id:        f.Id,
		Timestamp: msg.CreatedAt,
		Message: &types.Message{
			Seq:       msg.SeqId,
			Room:      r.name,
			Sender:    publicUser(c.user),
			Body:      msg.Content,
			Timestamp: msg.CreatedAt,
		},
	}, nil)
}

func (r *Room) handleHistory(f *ClientFrame) {
	r.streamHistory(f.client, f.Id, f.History.FromSeq, f.History.Limit)
}

func (r *Room) streamHistory(c *Client, frameId, fromSeq, limit int) {
	dbMsgs, err := r.cs.db.MessagesSince(r.id, fromSeq, limit)
	if err != nil {
		r.log.Printf("read history for room %q: %v", r.name, err)
		c.queueFrame(ErrFrameStoreUnavailable(frameId))
		return
	}

	messages := make([]types.Message, len(dbMsgs))
	for i, m := range dbMsgs {
		messages[i] = types.Message{
			Seq:       m.SeqId,
			Room:      r.name,
			Sender:    types.User{Id: m.UserId, Username: m.Username},
			Body:      m.Content,
			Timestamp: m.CreatedAt,
		}
	}

	c.queueFrame(&ServerFrame{
		Id:        frameId,
		Timestamp: Now(),
		History:   &HistoryReply{Room: r.name, Messages: messages},
	})
}

// broadcast delivers the frame to every joined member except skip.
// Delivery to each member is independent: a full queue is a dropped
// delivery for that member only, counted toward its disconnect
// threshold, and never surfaced to the sender.
func (r *Room) broadcast(frame *ServerFrame, skip *Client) {
	r.memberLock.RLock()
	defer r.memberLock.RUnlock()

	for c, m := range r.members {
		if c == skip || m.status != statusJoined {
			continue
		}

		if _, live := r.cs.registry.Lookup(c.id); !live {
			continue
		}

		if c.queueFrame(frame) {
			m.drops = 0
			continue
		}

		m.drops++
		r.cs.stats.Incr(stats.MetricDeliveriesDropped)
		r.log.Printf("dropped delivery to %q in room %q (%d consecutive)", c.user.Username, r.name, m.drops)

		if m.drops >= maxConsecutiveDrops {
			r.log.Printf("disconnecting slow consumer %q from room %q", c.user.Username, r.name)
			c.close()
		}
	}
}

func (r *Room) handleIdleTimeout() {
	select {
	case r.cs.unloadRoomChan <- r.name:
	default:
		r.log.Printf("unload channel full, keeping room %q", r.name)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleExit() {
	r.log.Printf("room %q is exiting", r.name)

	r.memberLock.Lock()
	defer r.memberLock.Unlock()

	for c, m := range r.members {
		m.status = statusLeft
		c.clearRoom(r)
		delete(r.members, c)
	}
}

// detach removes the membership immediately, from the caller's
// goroutine, so a connection switching rooms is never in two member
// sets at once. The caller queues a leave frame flagged detached so the
// room loop still announces the departure and re-arms its idle timer.
func (r *Room) detach(c *Client) bool {
	r.memberLock.Lock()
	defer r.memberLock.Unlock()

	m, ok := r.members[c]
	if !ok || m.status == statusLeft {
		return false
	}

	m.status = statusLeft
	delete(r.members, c)
	c.clearRoom(r)
	return true
}

func (r *Room) addMember(c *Client) {
	r.memberLock.Lock()
	defer r.memberLock.Unlock()

	r.members[c] = &member{status: statusJoining}
}

func (r *Room) removeMember(c *Client) {
	r.memberLock.Lock()
	defer r.memberLock.Unlock()

	if m, ok := r.members[c]; ok {
		m.status = statusLeft
		delete(r.members, c)
	}
}

func (r *Room) getMember(c *Client) (*member, bool) {
	r.memberLock.RLock()
	defer r.memberLock.RUnlock()

	m, ok := r.members[c]
	return m, ok
}

func (r *Room) setStatus(c *Client, status memberStatus) {
	r.memberLock.Lock()
	defer r.memberLock.Unlock()

	if m, ok := r.members[c]; ok {
		m.status = status
	}
}

func (r *Room) memberCount() int {
	r.memberLock.RLock()
	defer r.memberLock.RUnlock()

	return len(r.members)
}

func (r *Room) userPresent(userId int) bool {
	r.memberLock.RLock()
	defer r.memberLock.RUnlock()

	for c, m := range r.members {
		if m.status == statusJoined && c.user.Id == userId {
			return true
		}
	}
	return false
}

// Members returns a point-in-time presence snapshot, one entry per
// distinct user currently joined.
func (r *Room) Members() []types.User {
	r.memberLock.RLock()
	defer r.memberLock.RUnlock()

	seen := make(map[int]struct{}, len(r.members))
	users := make([]types.User, 0, len(r.members))
	for c, m := range r.members {
		if m.status != statusJoined {
			continue
		}
		if _, ok := seen[c.user.Id]; ok {
			continue
		}
		seen[c.user.Id] = struct{}{}
		users = append(users, publicUser(c.user))
	}
	return users
}

func publicUser(u types.User) types.User {
	return types.User{Id: u.Id, Username: u.Username}
}
