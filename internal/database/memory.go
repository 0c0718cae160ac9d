package database

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryChatRepository keeps all records in process memory. It backs
// tests and the -in-memory server mode. Appends take a per-room lock so
// that sequence assignment is linearized for one room without blocking
// appends to any other.
type MemoryChatRepository struct {
	mu          sync.RWMutex
	users       map[int]User
	rooms       map[int]*Room
	messages    map[int][]Message
	roomLocks   map[int]*sync.Mutex
	nextUserId  int
	nextRoomId  int
	nextMsgId   int
	unavailable bool
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		users:      make(map[int]User),
		rooms:      make(map[int]*Room),
		messages:   make(map[int][]Message),
		roomLocks:  make(map[int]*sync.Mutex),
		nextUserId: 1,
		nextRoomId: 1,
		nextMsgId:  1,
	}
}

// SetUnavailable makes every subsequent operation fail with
// ErrStoreUnavailable until reset. Tests use it to simulate an
// unreachable backing store.
func (db *MemoryChatRepository) SetUnavailable(unavailable bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unavailable = unavailable
}

func (db *MemoryChatRepository) available() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.unavailable {
		return ErrStoreUnavailable
	}
	return nil
}

func (db *MemoryChatRepository) Ping() error {
	return db.available()
}

func (db *MemoryChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	if err := db.available(); err != nil {
		return User{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC()
	u := User{
		Id:           db.nextUserId,
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		Role:         RoleMember,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	db.nextUserId++
	db.users[u.Id] = u

	return u, nil
}

func (db *MemoryChatRepository) GetAccountById(accountId int) (User, error) {
	if err := db.available(); err != nil {
		return User{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[accountId]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (db *MemoryChatRepository) GetAccountByEmail(email string) (User, error) {
	if err := db.available(); err != nil {
		return User{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, u := range db.users {
		if strings.EqualFold(u.EmailAddress, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (db *MemoryChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	if err := db.available(); err != nil {
		return Room{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC()
	room := &Room{
		Id:          db.nextRoomId,
		ExternalId:  params.ExternalId,
		Name:        params.Name,
		Description: params.Description,
		OwnerId:     params.OwnerId,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	db.nextRoomId++
	db.rooms[room.Id] = room
	db.roomLocks[room.Id] = &sync.Mutex{}

	return *room, nil
}

func (db *MemoryChatRepository) GetRoomByName(name string) (Room, error) {
	if err := db.available(); err != nil {
		return Room{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, room := range db.rooms {
		if room.Name == name {
			return *room, nil
		}
	}
	return Room{}, ErrNotFound
}

func (db *MemoryChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	if err := db.available(); err != nil {
		return Room{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, room := range db.rooms {
		if room.ExternalId == externalId {
			return *room, nil
		}
	}
	return Room{}, ErrNotFound
}

func (db *MemoryChatRepository) ListRooms() ([]Room, error) {
	if err := db.available(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rooms := make([]Room, 0, len(db.rooms))
	for _, room := range db.rooms {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	return rooms, nil
}

func (db *MemoryChatRepository) AppendMessage(roomId, userId int, body string) (Message, error) {
	if err := db.available(); err != nil {
		return Message{}, err
	}

	db.mu.RLock()
	room, ok := db.rooms[roomId]
	lock := db.roomLocks[roomId]
	db.mu.RUnlock()
	if !ok {
		return Message{}, ErrNotFound
	}

	// Per-room critical section: appends to the same room are
	// linearized, appends to other rooms proceed in parallel.
	lock.Lock()
	defer lock.Unlock()

	db.mu.Lock()
	room.SeqId++
	room.UpdatedAt = time.Now().UTC()
	msg := Message{
		Id:        db.nextMsgId,
		SeqId:     room.SeqId,
		RoomId:    roomId,
		UserId:    userId,
		Username:  db.users[userId].Username,
		Content:   body,
		CreatedAt: room.UpdatedAt,
	}
	db.nextMsgId++
	db.messages[roomId] = append(db.messages[roomId], msg)
	db.mu.Unlock()

	return msg, nil
}

func (db *MemoryChatRepository) MessagesSince(roomId, fromSeq, limit int) ([]Message, error) {
	if err := db.available(); err != nil {
		return nil, err
	}

	limit = historyLimit(limit)

	db.mu.RLock()
	defer db.mu.RUnlock()

	var messages = make([]Message, 0, limit)
	for _, msg := range db.messages[roomId] {
		if msg.SeqId < fromSeq {
			continue
		}
		messages = append(messages, msg)
		if len(messages) == limit {
			break
		}
	}

	return messages, nil
}

func (db *MemoryChatRepository) AnalyticsOverview() (Overview, error) {
	if err := db.available(); err != nil {
		return Overview{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	ov := Overview{
		TotalUsers: len(db.users),
		TotalRooms: len(db.rooms),
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	perRoom := make(map[int]int)
	perUser := make(map[int]int)
	for roomId, msgs := range db.messages {
		ov.TotalMessages += len(msgs)
		perRoom[roomId] = len(msgs)
		for _, msg := range msgs {
			perUser[msg.UserId]++
			if !msg.CreatedAt.Before(today) {
				ov.MessagesToday++
			}
		}
	}

	var best int
	for roomId, n := range perRoom {
		if n > best {
			best = n
			ov.MostActiveRoom = db.rooms[roomId].Name
		}
	}

	best = 0
	for userId, n := range perUser {
		if n > best {
			best = n
			ov.MostActiveUser = db.users[userId].Username
		}
	}

	return ov, nil
}
