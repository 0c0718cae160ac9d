package chat

import (
	"testing"
	"time"

	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/stats"
	"github.com/ncavallini/go-chat-server/internal/testutil"
	"github.com/ncavallini/go-chat-server/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const recvTimeout = 2 * time.Second

func newTestChatServer(t *testing.T, db database.ChatRepository) *ChatServer {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), db, NewRegistry(), su)
	require.NoError(t, err, "expected chat server to be created")

	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, user types.User) *Client {
	t.Helper()

	c := NewClient(user, nil, cs, testutil.TestLogger(t))
	require.NoError(t, cs.RegisterClient(c), "expected client to register")

	return c
}

// newTestRoom builds a room whose handlers can be invoked directly,
// without running the room loop.
func newTestRoom(cs *ChatServer, id int, name string, seq int) *Room {
	r := newRoom(cs, id, name, "ext-"+name, seq)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	return r
}

func recvFrame(t *testing.T, c *Client) *ServerFrame {
	t.Helper()

	select {
	case f := <-c.send:
		return f
	case <-time.After(recvTimeout):
		t.Fatalf("timed out waiting for frame for %q", c.user.Username)
		return nil
	}
}

// assertNoFrame asserts the client's queue is empty right now. Callers
// must synchronize on another delivery first so the check is not racing
// the room loop.
func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()

	select {
	case f := <-c.send:
		t.Fatalf("expected no frame for %q, got %+v", c.user.Username, f)
	default:
	}
}

func drainFrames(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func joinFrame(c *Client, room string, id int) *ClientFrame {
	return &ClientFrame{Id: id, Join: &Join{Room: room}, client: c}
}

func sendFrame(c *Client, body string, id int) *ClientFrame {
	return &ClientFrame{Id: id, Send: &Send{Body: body}, client: c}
}

func leaveFrame(c *Client) *ClientFrame {
	return &ClientFrame{Leave: &Leave{}, client: c}
}

// seedRoom creates a durable room plus the given accounts in the
// in-memory store.
func seedRoom(t *testing.T, db *database.MemoryChatRepository, name string, usernames ...string) (database.Room, []types.User) {
	t.Helper()

	users := make([]types.User, 0, len(usernames))
	for _, username := range usernames {
		u, err := db.CreateAccount(database.CreateAccountParams{
			Username:     username,
			EmailAddress: username + "@example.com",
			PasswordHash: "x",
		})
		require.NoError(t, err)
		users = append(users, types.User{Id: u.Id, Username: u.Username})
	}

	room, err := db.CreateRoom(database.CreateRoomParams{
		Name:       name,
		ExternalId: "ext-" + name,
		OwnerId:    users[0].Id,
	})
	require.NoError(t, err)

	return room, users
}
