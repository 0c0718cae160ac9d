package database

import "time"

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Role         string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id          int
	ExternalId  string
	Name        string
	Description string
	SeqId       int
	OwnerId     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	Id        int
	SeqId     int
	RoomId    int
	UserId    int
	Username  string
	Content   string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string
	ExternalId  string
	Description string
	OwnerId     int
}

type Overview struct {
	TotalUsers     int    `json:"total_users"`
	TotalRooms     int    `json:"total_rooms"`
	TotalMessages  int    `json:"total_messages"`
	MessagesToday  int    `json:"messages_today"`
	MostActiveRoom string `json:"most_active_room"`
	MostActiveUser string `json:"most_active_user"`
}
