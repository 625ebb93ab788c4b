package domain

import (
	"sort"
	"time"
)

type UserID string

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Status двигается только вперёд: sent -> delivered -> read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance возвращает новый статус и true, если next строго позже текущего.
func (s Status) Advance(next Status) (Status, bool) {
	if next.rank() > s.rank() {
		return next, true
	}
	return s, false
}

type ReadReceipt struct {
	ReaderID UserID    `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       UserID
	RecipientID    UserID
	Content        string
	Type           MessageType
	ReplyTo        *string
	Status         Status
	Reactions      map[UserID]string
	ReadBy         []ReadReceipt
	Deleted        bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// Peer: собеседник userID в этом сообщении.
func (m *Message) Peer(userID UserID) UserID {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

func (m *Message) HasParticipant(userID UserID) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Clone: глубокая копия, хранилища не отдают наружу свои указатели.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.DeletedAt != nil {
		d := *m.DeletedAt
		c.DeletedAt = &d
	}
	c.Reactions = make(map[UserID]string, len(m.Reactions))
	for k, v := range m.Reactions {
		c.Reactions[k] = v
	}
	c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	return &c
}

type NewMessage struct {
	SenderID    UserID
	RecipientID UserID
	Content     string
	Type        MessageType
	ReplyTo     *string
}

// ConversationKey: неупорядоченная пара участников в каноническом виде.
type ConversationKey struct {
	Low  UserID
	High UserID
}

func KeyFor(a, b UserID) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

func (k ConversationKey) String() string { return string(k.Low) + ":" + string(k.High) }

type ConversationSummary struct {
	ConversationID string
	PeerID         UserID
	LastMessage    *Message
	UnreadCount    int
}

// SortSummaries: свежие сверху, при равном времени по id последнего сообщения по возрастанию.
func SortSummaries(out []ConversationSummary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Newer: порядок выдачи истории: created_at DESC, id DESC.
func Newer(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
