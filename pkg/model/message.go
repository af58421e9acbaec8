package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 500

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// ChatMessage is immutable once the relay has built it.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *ChatMessage) Validate() error {
	return ValidateMessageBody(m.Text, MessageMaxBodyLength)
}

// ValidateMessageBody checks a chat body against a rune limit.
func ValidateMessageBody(body string, limit int) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	}
	if limit <= 0 {
		limit = MessageMaxBodyLength
	}
	if utf8.RuneCountInString(body) > limit {
		return ErrMessageBodyTooLong
	}
	return nil
}

type MessageFilters struct {
	LimitToSenderID *int64
	PageSize        *int64
	Offset          *int64
}
