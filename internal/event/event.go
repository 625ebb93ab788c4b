package event

import (
	"encoding/json"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
)

// Входящие события (клиент -> сервер)
const (
	TypeUserJoin         = "user_join"
	TypeSendMessage      = "send_message"
	TypeMarkMessageRead  = "mark_message_read"
	TypePostReaction     = "post_reaction"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
	TypeSendNotification = "send_notification"
	TypeDeleteMessage    = "delete_message"
)

// Исходящие события (сервер -> клиент)
const (
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent" // подтверждение отправителю (НЕ сообщение)
	TypeMessageRead       = "message_read"
	TypeMessageReaction   = "message_reaction"
	TypeMessageDeleted    = "message_deleted"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeNewNotification   = "new_notification"
	TypeMessageError      = "message_error"
)

// Envelope — кадр на проводе. Payload входящих событий разбирается в момент диспатча.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event — исходящее событие до сериализации.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// --- inbound payloads ---

type UserJoin struct {
	UserID string `json:"userId" validate:"required"`
}

type SendMessage struct {
	RecipientID string  `json:"recipientId" validate:"required,max=128"`
	Content     string  `json:"content" validate:"required"`
	Type        string  `json:"messageType" validate:"omitempty,oneof=text image video audio file"`
	ReplyTo     *string `json:"replyTo,omitempty"`
	// ClientRef возвращается в message_sent/message_error для сопоставления на клиенте
	ClientRef string `json:"clientRef,omitempty" validate:"max=64"`
}

type MessageRef struct {
	MessageID string `json:"messageId" validate:"required"`
}

type PostReaction struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type Typing struct {
	PeerID string `json:"peerId" validate:"required"`
}

type SendNotification struct {
	RecipientID string `json:"recipientId" validate:"required"`
	Kind        string `json:"kind" validate:"required,max=64"`
	Text        string `json:"text" validate:"max=1000"`
}

// --- outbound payloads ---

type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type MessageView struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Sender         Sender            `json:"sender"`
	RecipientID    string            `json:"recipientId"`
	Content        string            `json:"content"`
	Type           string            `json:"messageType"`
	ReplyTo        *string           `json:"replyTo,omitempty"`
	Status         string            `json:"status"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	ReadBy         []ReadReceipt     `json:"readBy,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type ReadReceipt struct {
	ReaderID string    `json:"readerId"`
	ReadAt   time.Time `json:"readAt"`
}

type MessageSent struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	ClientRef string    `json:"clientRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageRead struct {
	MessageID string    `json:"messageId"`
	ReaderID  string    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

type MessageReaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
	DeletedBy string `json:"deletedBy"`
}

type UserTyping struct {
	UserID string `json:"userId"`
}

type UserPresence struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Notification struct {
	From      string    `json:"from"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Error struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Ref   string `json:"ref,omitempty"`
}

// --- constructors ---

func ViewOf(m *domain.Message, sender domain.DisplayInfo) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender: Sender{
			ID:          string(m.SenderID),
			Username:    sender.Username,
			DisplayName: sender.DisplayName,
			Avatar:      sender.Avatar,
		},
		RecipientID: string(m.RecipientID),
		Content:     m.Content,
		Type:        string(m.Type),
		ReplyTo:     m.ReplyTo,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
	if len(m.Reactions) > 0 {
		v.Reactions = make(map[string]string, len(m.Reactions))
		for u, e := range m.Reactions {
			v.Reactions[string(u)] = e
		}
	}
	for _, r := range m.ReadBy {
		v.ReadBy = append(v.ReadBy, ReadReceipt{ReaderID: string(r.ReaderID), ReadAt: r.ReadAt})
	}
	return v
}

func NewMessage(m *domain.Message, sender domain.DisplayInfo) Event {
	return Event{Type: TypeNewMessage, Payload: ViewOf(m, sender)}
}

func Sent(m *domain.Message, clientRef string) Event {
	return Event{Type: TypeMessageSent, Payload: MessageSent{
		MessageID: m.ID,
		Status:    string(m.Status),
		ClientRef: clientRef,
		CreatedAt: m.CreatedAt,
	}}
}

func Read(messageID string, reader domain.UserID, at time.Time) Event {
	return Event{Type: TypeMessageRead, Payload: MessageRead{MessageID: messageID, ReaderID: string(reader), ReadAt: at}}
}

func Reaction(messageID string, user domain.UserID, emoji string) Event {
	return Event{Type: TypeMessageReaction, Payload: MessageReaction{MessageID: messageID, UserID: string(user), Emoji: emoji}}
}

func Deleted(messageID string, by domain.UserID) Event {
	return Event{Type: TypeMessageDeleted, Payload: MessageDeleted{MessageID: messageID, DeletedBy: string(by)}}
}

func TypingChanged(from domain.UserID, typing bool) Event {
	t := TypeUserStoppedTyping
	if typing {
		t = TypeUserTyping
	}
	return Event{Type: t, Payload: UserTyping{UserID: string(from)}}
}

func Online(user domain.UserID) Event {
	return Event{Type: TypeUserOnline, Payload: UserPresence{UserID: string(user)}}
}

func Offline(user domain.UserID, lastSeen time.Time) Event {
	return Event{Type: TypeUserOffline, Payload: UserPresence{UserID: string(user), LastSeen: &lastSeen}}
}

func NewNotification(from domain.UserID, kind, text string, at time.Time) Event {
	return Event{Type: TypeNewNotification, Payload: Notification{From: string(from), Kind: kind, Text: text, CreatedAt: at}}
}

func Failure(code, msg, ref string) Event {
	return Event{Type: TypeMessageError, Payload: Error{Error: msg, Code: code, Ref: ref}}
}
