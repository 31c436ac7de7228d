package database

import (
	"context"
	"encoding/json"
	"time"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id string) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
}

type SwapRequestStore interface {
	GetSwapRequest(ctx context.Context, id string) (SwapRequest, error)
}

type ThreadStore interface {
	CreateThread(ctx context.Context, params CreateThreadParams) (Thread, error)
	GetThread(ctx context.Context, id string) (Thread, error)
	ListThreads(ctx context.Context, userId string) ([]Thread, error)
	ArchiveThread(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, threadId, messageId string) (Message, error)
	// ListMessages returns a page of messages newest first and the thread's message total.
	ListMessages(ctx context.Context, threadId string, page, limit int) ([]Message, int, error)
	// MarkMessageRead sets the read flag once; later calls leave readAt unchanged.
	MarkMessageRead(ctx context.Context, messageId string, readAt time.Time) error
}

type CallStore interface {
	CreateCall(ctx context.Context, params CreateCallParams) (Call, error)
	GetCall(ctx context.Context, id string) (Call, error)
	GetActiveCallForThread(ctx context.Context, threadId string) (Call, error)
	TransitionCall(ctx context.Context, params TransitionCallParams) (Call, error)
	ListActiveCalls(ctx context.Context, userId string) ([]Call, error)
	ListCallHistory(ctx context.Context, userId string, page, limit int) ([]Call, int, error)
	AppendSignaling(ctx context.Context, callId string, kind SignalingKind, data json.RawMessage, at time.Time) (Call, error)
}

type Repository interface {
	AccountStore
	SwapRequestStore
	ThreadStore
	CallStore
	Ping(ctx context.Context) error
	Close() error
}
