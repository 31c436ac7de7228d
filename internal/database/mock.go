package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetSwapRequest(ctx context.Context, id string) (SwapRequest, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(SwapRequest), args.Error(1)
}
func (m *MockRepository) CreateThread(ctx context.Context, params CreateThreadParams) (Thread, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Thread), args.Error(1)
}
func (m *MockRepository) GetThread(ctx context.Context, id string) (Thread, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Thread), args.Error(1)
}
func (m *MockRepository) ListThreads(ctx context.Context, userId string) ([]Thread, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Thread), args.Error(1)
}
func (m *MockRepository) ArchiveThread(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepository) DeleteThread(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, threadId, messageId string) (Message, error) {
	args := m.Called(ctx, threadId, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, threadId string, page, limit int) ([]Message, int, error) {
	args := m.Called(ctx, threadId, page, limit)
	return args.Get(0).([]Message), args.Int(1), args.Error(2)
}
func (m *MockRepository) MarkMessageRead(ctx context.Context, messageId string, readAt time.Time) error {
	args := m.Called(ctx, messageId, readAt)
	return args.Error(0)
}
func (m *MockRepository) CreateCall(ctx context.Context, params CreateCallParams) (Call, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) GetCall(ctx context.Context, id string) (Call, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) GetActiveCallForThread(ctx context.Context, threadId string) (Call, error) {
	args := m.Called(ctx, threadId)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) TransitionCall(ctx context.Context, params TransitionCallParams) (Call, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) ListActiveCalls(ctx context.Context, userId string) ([]Call, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Call), args.Error(1)
}
func (m *MockRepository) ListCallHistory(ctx context.Context, userId string, page, limit int) ([]Call, int, error) {
	args := m.Called(ctx, userId, page, limit)
	return args.Get(0).([]Call), args.Int(1), args.Error(2)
}
func (m *MockRepository) AppendSignaling(ctx context.Context, callId string, kind SignalingKind, data json.RawMessage, at time.Time) (Call, error) {
	args := m.Called(ctx, callId, kind, data, at)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
