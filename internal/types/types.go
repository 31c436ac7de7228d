package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Thread struct {
	Id            string    `json:"id"`
	SwapRequestId string    `json:"swap_request_id"`
	Participants  []User    `json:"participants"`
	LastMessageAt time.Time `json:"last_message_at"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// MaxMessageLength bounds the trimmed content of a message, in characters.
const MaxMessageLength = 1000

type Sender struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

type Message struct {
	Id          string      `json:"id"`
	ThreadId    string      `json:"threadId"`
	Sender      Sender      `json:"sender"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	IsRead      bool        `json:"isRead"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	ClientToken string      `json:"clientToken,omitempty"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}
