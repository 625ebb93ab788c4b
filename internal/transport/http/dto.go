package http

import (
	"time"

	"github.com/cwrk-planet/messenger/internal/event"
)

type ConversationItem struct {
	ConversationID string            `json:"conversationId"`
	PeerID         string            `json:"peerId"`
	LastMessage    event.MessageView `json:"lastMessage"`
	UnreadCount    int               `json:"unreadCount"`
}

type MessagesPage struct {
	Items      []event.MessageView `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type MarkReadResponse struct {
	MessageIDs []string `json:"messageIds"`
}

type SendResponse struct {
	Message        event.MessageView `json:"message"`
	LiveDeliveries int               `json:"liveDeliveries"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

type PresenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
