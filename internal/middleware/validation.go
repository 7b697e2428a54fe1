package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength bounds a single user message.
const MaxMessageLength = 16000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates a portal thread ID.
func ValidateThreadID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateToolCallID validates a tool call ID issued by the backend.
func ValidateToolCallID(id string) error {
	if id == "" {
		return errors.New("tool call ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("tool call ID exceeds maximum length")
	}
	if strings.ContainsAny(id, "/?# \t\r\n") {
		return errors.New("invalid tool call ID format")
	}
	return nil
}
