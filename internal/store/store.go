package store

import (
	"context"
	"errors"

	"github.com/cwrk-planet/messenger/internal/domain"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// MessageStore: долговечная история переписки. Единственный источник правды
// для истории, от транспорта не зависит.
type MessageStore interface {
	CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// ListConversation: сообщения пары без удалённых, created_at DESC, id DESC.
	ListConversation(ctx context.Context, a, b domain.UserID, cursor string, limit int) (Page, error)
	// MarkDelivered, MarkRead и SoftDelete возвращают changed=false, если состояние уже было таким.
	MarkDelivered(ctx context.Context, messageID string) (*domain.Message, bool, error)
	MarkRead(ctx context.Context, messageID string, readerID domain.UserID) (*domain.Message, bool, error)
	MarkConversationRead(ctx context.Context, readerID, peerID domain.UserID) ([]*domain.Message, error)
	SetReaction(ctx context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error)
	// SoftDelete разрешён только отправителю: получатель получает domain.ErrNotSender (Forbidden),
	// посторонний пользователь получает domain.ErrMessageNotFound, чтобы не раскрывать само сообщение.
	SoftDelete(ctx context.Context, messageID string, requesterID domain.UserID) (*domain.Message, bool, error)
	ListConversationsFor(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error)
	// CountMessages: всего сообщений, включая удалённые.
	CountMessages(ctx context.Context) (int, error)
}

type Page struct {
	Messages   []*domain.Message
	NextCursor string
}

var ErrInvalidCursor = errors.New("invalid cursor")

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// ValidateNew: общие правила для всех реализаций createMessage.
func ValidateNew(in domain.NewMessage, maxLen int) error {
	if in.SenderID == "" {
		return domain.Invalid("senderId", "required")
	}
	if in.RecipientID == "" {
		return domain.Invalid("recipientId", "required")
	}
	if in.Content == "" {
		return domain.Invalid("content", "empty")
	}
	if maxLen > 0 && len([]rune(in.Content)) > maxLen {
		return domain.Invalid("content", "too long")
	}
	if !in.Type.Valid() {
		return domain.Invalid("messageType", "unknown")
	}
	return nil
}
