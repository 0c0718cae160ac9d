package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

func (db *PgChatRepository) Ping() error {
	if err := db.conn.Ping(); err != nil {
		return fmt.Errorf("ping: %w", ErrStoreUnavailable)
	}
	return nil
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, role, active, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, true, $5, $5) RETURNING id, username, email, role",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		RoleMember,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.Role)
	u.Active = true

	return u, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, role, active, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}

	return u, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, role, active, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}

	return u, err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	res := db.conn.QueryRow(
		"INSERT INTO rooms (name, external_id, description, owner_id, seq_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, 0, $5, $5) "+
			"RETURNING id, name, external_id, description, owner_id, seq_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		params.OwnerId,
		time.Now().UTC(),
	)

	var room Room
	err := res.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.OwnerId,
		&room.SeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgChatRepository) GetRoomByName(name string) (Room, error) {
	return db.getRoom("name", name)
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	return db.getRoom("external_id", externalId)
}

func (db *PgChatRepository) getRoom(column, value string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, external_id, description, owner_id, seq_id, created_at, updated_at FROM rooms "+
			"WHERE "+column+" = $1 LIMIT 1",
		value,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.OwnerId,
		&room.SeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}

	return room, err
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, external_id, description, owner_id, seq_id, created_at, updated_at FROM rooms ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err = rows.Scan(
			&room.Id,
			&room.Name,
			&room.ExternalId,
			&room.Description,
			&room.OwnerId,
			&room.SeqId,
			&room.CreatedAt,
			&room.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// AppendMessage assigns the room's next sequence number and inserts the
// message in one transaction. The UPDATE ... RETURNING on the room row
// linearizes appends per room while leaving other rooms untouched.
func (db *PgChatRepository) AppendMessage(roomId, userId int, body string) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", ErrStoreUnavailable)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRow(
		"UPDATE rooms SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		roomId,
		now,
	)

	var seq int
	if err = row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("assign seq: %w", ErrStoreUnavailable)
	}

	msg := Message{
		SeqId:     seq,
		RoomId:    roomId,
		UserId:    userId,
		Content:   body,
		CreatedAt: now,
	}

	row = tx.QueryRow(
		"INSERT INTO messages (seq_id, room_id, user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		msg.SeqId,
		msg.RoomId,
		msg.UserId,
		msg.Content,
		msg.CreatedAt,
	)
	if err = row.Scan(&msg.Id); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", ErrStoreUnavailable)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", ErrStoreUnavailable)
	}

	return msg, nil
}

func (db *PgChatRepository) MessagesSince(roomId, fromSeq, limit int) ([]Message, error) {
	limit = historyLimit(limit)

	rows, err := db.conn.Query(
		"SELECT m.id, m.seq_id, m.room_id, m.user_id, a.username, m.content, m.created_at "+
			"FROM messages m JOIN accounts a ON m.user_id = a.id "+
			"WHERE m.room_id = $1 AND m.seq_id >= $2 ORDER BY m.seq_id ASC LIMIT $3",
		roomId,
		fromSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", ErrStoreUnavailable)
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) AnalyticsOverview() (Overview, error) {
	var ov Overview

	row := db.conn.QueryRow(
		"SELECT " +
			"(SELECT count(*) FROM accounts), " +
			"(SELECT count(*) FROM rooms), " +
			"(SELECT count(*) FROM messages), " +
			"(SELECT count(*) FROM messages WHERE created_at::date = now()::date)",
	)
	if err := row.Scan(&ov.TotalUsers, &ov.TotalRooms, &ov.TotalMessages, &ov.MessagesToday); err != nil {
		return Overview{}, err
	}

	row = db.conn.QueryRow(
		"SELECT r.name FROM rooms r JOIN messages m ON m.room_id = r.id " +
			"GROUP BY r.id, r.name ORDER BY count(m.id) DESC LIMIT 1",
	)
	if err := row.Scan(&ov.MostActiveRoom); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Overview{}, err
	}

	row = db.conn.QueryRow(
		"SELECT a.username FROM accounts a JOIN messages m ON m.user_id = a.id " +
			"GROUP BY a.id, a.username ORDER BY count(m.id) DESC LIMIT 1",
	)
	if err := row.Scan(&ov.MostActiveUser); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Overview{}, err
	}

	return ov, nil
}
