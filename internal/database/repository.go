package database

import "errors"

const (
	// defaultHistoryLimit applies to history reads that do not name a
	// limit; maxHistoryLimit bounds what one read may request.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// historyLimit clamps a requested page size into [1, maxHistoryLimit].
func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable is returned when the durable backing cannot be
	// reached. Nothing is broadcast for an append that returns it.
	ErrStoreUnavailable = errors.New("store unavailable")
)

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByName(name string) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	ListRooms() ([]Room, error)
	// AppendMessage assigns the next sequence number for the room
	// atomically with respect to concurrent appends to the same room.
	// Appends to different rooms do not block each other.
	AppendMessage(roomId, userId int, body string) (Message, error)
	// MessagesSince returns messages with seq >= fromSeq in ascending
	// order, at most limit of them.
	MessagesSince(roomId, fromSeq, limit int) ([]Message, error)
	AnalyticsOverview() (Overview, error)
}
