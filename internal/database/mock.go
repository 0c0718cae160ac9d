package database

import (
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockChatRepository) GetRoomByName(name string) (Room, error) {
	args := m.Called(name)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}

func (m *MockChatRepository) ListRooms() ([]Room, error) {
	args := m.Called()
	return args.Get(0).([]Room), args.Error(1)
}

func (m *MockChatRepository) AppendMessage(roomId, userId int, body string) (Message, error) {
	args := m.Called(roomId, userId, body)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockChatRepository) MessagesSince(roomId, fromSeq, limit int) ([]Message, error) {
	args := m.Called(roomId, fromSeq, limit)
	return args.Get(0).([]Message), args.Error(1)
}

func (m *MockChatRepository) AnalyticsOverview() (Overview, error) {
	args := m.Called()
	return args.Get(0).(Overview), args.Error(1)
}
