package chat

import (
	"context"
	"testing"
	"time"

	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/stats"
	"github.com/ncavallini/go-chat-server/internal/testutil"
	"github.com/ncavallini/go-chat-server/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewChatServer_requiresRegistry(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)

	_, err := NewChatServer(testutil.TestLogger(t), database.NewMemoryChatRepository(), nil, su)
	assert.Error(t, err, "expected construction without a registry to fail")
}

func startTestChatServer(t *testing.T, db database.ChatRepository) *ChatServer {
	t.Helper()

	cs := newTestChatServer(t, db)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return cs
}

func TestChatServer_lazyRoomCreation(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice")

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])

	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "ops"}, client: alice})

	joined := recvFrame(t, alice)
	require.NotNil(t, joined.Joined, "expected the first join to create the room")
	assert.Equal(t, "ops", joined.Joined.Room)

	dbRoom, err := db.GetRoomByName("ops")
	require.NoError(t, err, "expected a durable room record")
	assert.Equal(t, users[0].Id, dbRoom.OwnerId, "expected the first joiner recorded as owner")
	assert.NotEmpty(t, dbRoom.ExternalId)
}

func TestChatServer_joinExistingRoomResumesSeq(t *testing.T) {
	db := database.NewMemoryChatRepository()
	dbRoom, users := seedRoom(t, db, "lobby", "alice")

	for _, body := range []string{"one", "two"} {
		_, err := db.AppendMessage(dbRoom.Id, users[0].Id, body)
		require.NoError(t, err)
	}

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])

	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined

	history := recvFrame(t, alice)
	require.NotNil(t, history.History)
	require.Len(t, history.History.Messages, 2, "expected the stored transcript replayed")

	alice.route(&ClientFrame{Id: 2, Send: &Send{Body: "three"}, client: alice})
	msg := recvFrame(t, alice)
	require.NotNil(t, msg.Message)
	assert.Equal(t, 3, msg.Message.Seq, "expected sequencing to continue where the store left off")
}

func TestChatServer_joinStoreUnavailable(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice")

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])

	db.SetUnavailable(true)
	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})

	f := recvFrame(t, alice)
	require.NotNil(t, f.Error)
	assert.Equal(t, KindStoreUnavailable, f.Error.Kind)

	_, ok := cs.getRoom("lobby")
	assert.False(t, ok, "expected no room loaded when the store is down")
}

// TestChatServer_broadcastTranscript walks a three-party session: two
// users chat, a third joins late and receives the transcript before any
// live traffic.
func TestChatServer_broadcastTranscript(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice", "bob", "carol")

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])
	bob := newTestClient(t, cs, users[1])
	carol := newTestClient(t, cs, users[2])

	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined
	recvFrame(t, alice) // history, empty

	bob.route(&ClientFrame{Id: 2, Join: &Join{Room: "lobby"}, client: bob})
	recvFrame(t, bob) // joined
	recvFrame(t, bob) // history

	presence := recvFrame(t, alice)
	require.NotNil(t, presence.Presence, "expected alice to see bob arrive")
	assert.Equal(t, users[1], presence.Presence.User)

	alice.route(&ClientFrame{Id: 3, Send: &Send{Body: "hi"}, client: alice})
	bob.route(&ClientFrame{Id: 4, Send: &Send{Body: "hey"}, client: bob})

	for _, c := range []*Client{alice, bob} {
		first := recvFrame(t, c)
		require.NotNil(t, first.Message)
		assert.Equal(t, 1, first.Message.Seq)
		assert.Equal(t, "hi", first.Message.Body)
		assert.Equal(t, users[0], first.Message.Sender)

		second := recvFrame(t, c)
		require.NotNil(t, second.Message)
		assert.Equal(t, 2, second.Message.Seq)
		assert.Equal(t, "hey", second.Message.Body)
		assert.Equal(t, users[1], second.Message.Sender)
	}

	// late joiner gets the transcript, then presence flows live
	carol.route(&ClientFrame{Id: 5, Join: &Join{Room: "lobby"}, client: carol})

	joined := recvFrame(t, carol)
	require.NotNil(t, joined.Joined)
	assert.ElementsMatch(t, users, joined.Joined.Members)

	history := recvFrame(t, carol)
	require.NotNil(t, history.History)
	require.Len(t, history.History.Messages, 2, "expected the full transcript on join")
	assert.Equal(t, "hi", history.History.Messages[0].Body)
	assert.Equal(t, "hey", history.History.Messages[1].Body)

	for _, c := range []*Client{alice, bob} {
		f := recvFrame(t, c)
		require.NotNil(t, f.Presence, "expected existing members to see carol arrive")
		assert.Equal(t, users[2], f.Presence.User)
	}

	// teardown leaves no membership or registry state behind
	alice.cleanup()
	bob.cleanup()
	carol.cleanup()

	assert.Equal(t, 0, cs.registry.Len(), "expected all connections deregistered")

	room, ok := cs.getRoom("lobby")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return room.memberCount() == 0
	}, recvTimeout, 10*time.Millisecond, "expected all memberships dropped")
}

func TestChatServer_unloadAndReloadRoom(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice")

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])

	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined
	recvFrame(t, alice) // history

	alice.route(&ClientFrame{Id: 2, Send: &Send{Body: "hi"}, client: alice})
	recvFrame(t, alice) // message seq 1

	alice.route(&ClientFrame{Id: 3, Leave: &Leave{}, client: alice})

	room, ok := cs.getRoom("lobby")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return room.memberCount() == 0
	}, recvTimeout, 10*time.Millisecond)

	cs.unloadRoomChan <- "lobby"
	assert.Eventually(t, func() bool {
		_, ok := cs.getRoom("lobby")
		return !ok
	}, recvTimeout, 10*time.Millisecond, "expected the idle room unloaded")

	select {
	case <-room.done:
	case <-time.After(recvTimeout):
		t.Fatal("expected the room loop to exit")
	}

	// the room reloads from the durable record with its sequence intact
	alice.route(&ClientFrame{Id: 4, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined

	history := recvFrame(t, alice)
	require.NotNil(t, history.History)
	require.Len(t, history.History.Messages, 1, "expected history to survive the unload")
	assert.Equal(t, 1, history.History.Messages[0].Seq)
}

// TestChatServer_staleUnloadSkipsOccupiedRoom replays an idle-unload
// request that was queued before a join landed: the room must survive
// it and keep delivering to the member that just joined.
func TestChatServer_staleUnloadSkipsOccupiedRoom(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice", "bob")

	cs := startTestChatServer(t, db)
	alice := newTestClient(t, cs, users[0])

	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined
	recvFrame(t, alice) // history

	// the stale request fires after the join was acked
	cs.unloadRoom("lobby")

	room, ok := cs.getRoom("lobby")
	require.True(t, ok, "expected the occupied room to stay loaded")
	select {
	case <-room.done:
		t.Fatal("expected the room loop to keep running")
	default:
	}
	assert.Equal(t, 1, room.memberCount(), "expected the membership kept")
	assert.Equal(t, room, alice.currentRoom())

	// the member still receives fan-out afterwards
	bob := newTestClient(t, cs, users[1])
	bob.route(&ClientFrame{Id: 2, Join: &Join{Room: "lobby"}, client: bob})
	recvFrame(t, bob) // joined
	recvFrame(t, bob) // history

	presence := recvFrame(t, alice)
	require.NotNil(t, presence.Presence, "expected alice to see bob arrive")

	bob.route(&ClientFrame{Id: 3, Send: &Send{Body: "hi"}, client: bob})
	for _, c := range []*Client{alice, bob} {
		f := recvFrame(t, c)
		require.NotNil(t, f.Message, "expected delivery to continue after the stale unload")
		assert.Equal(t, 1, f.Message.Seq)
	}
}

// A join that is queued on the room but not yet processed also blocks
// the unload.
func TestChatServer_unloadSkipsPendingJoin(t *testing.T) {
	db := database.NewMemoryChatRepository()
	dbRoom, users := seedRoom(t, db, "lobby", "alice")

	cs := newTestChatServer(t, db)
	room := newRoom(cs, dbRoom.Id, dbRoom.Name, dbRoom.ExternalId, dbRoom.SeqId)
	cs.addRoom(room)

	alice := newTestClient(t, cs, users[0])
	room.joinChan <- joinFrame(alice, "lobby", 1)

	cs.unloadRoom("lobby")

	_, ok := cs.getRoom("lobby")
	assert.True(t, ok, "expected the room kept while a join is waiting")
	select {
	case <-room.done:
		t.Fatal("expected the room loop not torn down")
	default:
	}
}

func TestChatServer_Shutdown(t *testing.T) {
	db := database.NewMemoryChatRepository()
	_, users := seedRoom(t, db, "seed", "alice")

	cs := newTestChatServer(t, db)
	go cs.Run()

	alice := newTestClient(t, cs, users[0])
	alice.route(&ClientFrame{Id: 1, Join: &Join{Room: "lobby"}, client: alice})
	recvFrame(t, alice) // joined

	room, ok := cs.getRoom("lobby")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx), "expected a clean shutdown")

	select {
	case <-alice.stop:
	default:
		t.Fatal("expected live connections closed on shutdown")
	}

	select {
	case <-room.done:
	default:
		t.Fatal("expected room loops stopped on shutdown")
	}

	_, ok = cs.getRoom("lobby")
	assert.False(t, ok, "expected the room table cleared")
}

func TestChatServer_connectionStats(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", stats.MetricActiveConnections).Once()
	su.On("Decr", stats.MetricActiveConnections).Once()

	cs, err := NewChatServer(testutil.TestLogger(t), database.NewMemoryChatRepository(), NewRegistry(), su)
	require.NoError(t, err)

	c := NewClient(types.User{Id: 1, Username: "alice"}, nil, cs, testutil.TestLogger(t))
	require.NoError(t, cs.RegisterClient(c))

	// racing teardown paths must not double-decrement
	cs.DeregisterClient(c)
	cs.DeregisterClient(c)

	su.AssertExpectations(t)
}
