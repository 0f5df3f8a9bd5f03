// Package domain contains core domain types for the MILES router.
package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the user.
	RoleUser Role = "user"
	// RoleModel marks a turn written by the brain.
	RoleModel Role = "model"
)

// ConversationTurn is a single persisted message. Turns are never mutated
// after they are appended to the history.
type ConversationTurn struct {
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// NewConversationTurn stamps a turn with the given time.
func NewConversationTurn(role Role, content string, at time.Time) ConversationTurn {
	return ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}

// HistoryMessage is the role + parts shape handed to decomposer backends.
type HistoryMessage struct {
	Role  Role     `json:"role"`
	Parts []string `json:"parts"`
}

// Text joins the message parts.
func (m HistoryMessage) Text() string {
	return strings.Join(m.Parts, "\n")
}
