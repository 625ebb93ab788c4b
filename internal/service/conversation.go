package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/directory"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/metrics"
	"github.com/cwrk-planet/messenger/internal/store"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cwrk-planet/messenger/internal/service")

type Router interface {
	Deliver(ctx context.Context, to domain.UserID, ev event.Event) delivery.Result
}

type Typing interface {
	SetTyping(from, to domain.UserID)
	ClearTyping(from, to domain.UserID) bool
}

// Authorizer — точка подключения правил «кто кому может писать» (например, только по принятым связям).
type Authorizer interface {
	CanMessage(ctx context.Context, from, to domain.UserID) (bool, error)
}

type AllowAll struct{}

func (AllowAll) CanMessage(context.Context, domain.UserID, domain.UserID) (bool, error) {
	return true, nil
}

type ConversationService struct {
	store   store.MessageStore
	users   directory.Directory
	router  Router
	typing  Typing
	authz   Authorizer
	metrics *metrics.Metrics
	maxLen  int
}

type Option func(*ConversationService)

func WithAuthorizer(a Authorizer) Option    { return func(s *ConversationService) { s.authz = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *ConversationService) { s.metrics = m } }
func WithMaxContentLength(n int) Option     { return func(s *ConversationService) { s.maxLen = n } }

func NewConversationService(st store.MessageStore, users directory.Directory, router Router, typing Typing, opts ...Option) *ConversationService {
	s := &ConversationService{
		store:  st,
		users:  users,
		router: router,
		typing: typing,
		authz:  AllowAll{},
		maxLen: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type SendInput struct {
	SenderID    domain.UserID
	RecipientID domain.UserID
	Content     string
	Type        domain.MessageType
	ReplyTo     *string
	ClientRef   string
}

type SendResult struct {
	Message  *domain.Message
	Delivery delivery.Result
}

// SendMessage: validated -> persisted -> delivery-attempted -> acknowledged-to-sender.
// Отката нет: после записи сообщение существует при любом исходе доставки.
func (s *ConversationService) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "conversation.SendMessage", trace.WithAttributes(
		attribute.String("sender.id", string(in.SenderID)),
		attribute.String("recipient.id", string(in.RecipientID)),
	))
	defer span.End()

	nm, err := s.validateSend(ctx, in)
	if err != nil {
		return SendResult{}, err
	}

	m, err := s.store.CreateMessage(ctx, nm)
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.Persisted()
	span.SetAttributes(attribute.String("message.id", m.ID))

	res := s.router.Deliver(ctx, m.RecipientID, event.NewMessage(m, s.displayInfo(ctx, m.SenderID)))
	if res.Delivered() > 0 {
		if dm, changed, err := s.store.MarkDelivered(ctx, m.ID); err != nil {
			logger.FromCtx(ctx).Warn("mark delivered failed", "message_id", m.ID, logger.Err(err))
		} else if changed {
			m = dm
		}
	}

	s.router.Deliver(ctx, m.SenderID, event.Sent(m, in.ClientRef))
	return SendResult{Message: m, Delivery: res}, nil
}

func (s *ConversationService) validateSend(ctx context.Context, in SendInput) (domain.NewMessage, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.NewMessage{}, domain.Invalid("content", "empty")
	}
	if s.maxLen > 0 && len([]rune(content)) > s.maxLen {
		return domain.NewMessage{}, domain.Invalid("content", "too long")
	}
	if in.Type == "" {
		in.Type = domain.TypeText
	}
	if !in.Type.Valid() {
		return domain.NewMessage{}, domain.Invalid("messageType", "unknown")
	}
	if in.RecipientID == "" {
		return domain.NewMessage{}, domain.Invalid("recipientId", "required")
	}
	if in.RecipientID == in.SenderID {
		return domain.NewMessage{}, domain.Invalid("recipientId", "cannot message yourself")
	}

	ok, err := s.users.UserExists(ctx, in.RecipientID)
	if err != nil {
		return domain.NewMessage{}, err
	}
	if !ok {
		return domain.NewMessage{}, domain.Invalid("recipientId", "unknown user")
	}

	allowed, err := s.authz.CanMessage(ctx, in.SenderID, in.RecipientID)
	if err != nil {
		return domain.NewMessage{}, err
	}
	if !allowed {
		return domain.NewMessage{}, domain.ErrNotAllowed
	}

	replyTo := in.ReplyTo
	if replyTo != nil && strings.TrimSpace(*replyTo) == "" {
		replyTo = nil
	}
	if replyTo != nil {
		// висячая ссылка допустима, чужая беседа нет
		ref, err := s.store.GetMessage(ctx, *replyTo)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return domain.NewMessage{}, err
		case domain.KeyFor(ref.SenderID, ref.RecipientID) != domain.KeyFor(in.SenderID, in.RecipientID):
			return domain.NewMessage{}, domain.Invalid("replyTo", "belongs to another conversation")
		}
	}

	return domain.NewMessage{
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     content,
		Type:        in.Type,
		ReplyTo:     replyTo,
	}, nil
}

func (s *ConversationService) displayInfo(ctx context.Context, id domain.UserID) domain.DisplayInfo {
	info, err := s.users.GetDisplayInfo(ctx, id)
	if err != nil {
		logger.FromCtx(ctx).Debug("display info unavailable", logger.User(string(id)), logger.Err(err))
		return domain.DisplayInfo{UserID: id}
	}
	return info
}

// MarkRead идемпотентен: повторный вызов не шлёт отправителю второй message_read.
func (s *ConversationService) MarkRead(ctx context.Context, messageID string, readerID domain.UserID) (*domain.Message, error) {
	m, changed, err := s.store.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.router.Deliver(ctx, m.SenderID, event.Read(m.ID, readerID, readAt(m, readerID)))
	}
	return m, nil
}

// MarkConversationRead — всё непрочитанное от peer к reader; по одному message_read на сообщение.
func (s *ConversationService) MarkConversationRead(ctx context.Context, readerID, peerID domain.UserID) ([]*domain.Message, error) {
	if peerID == "" || peerID == readerID {
		return nil, domain.Invalid("peerId", "invalid")
	}
	changed, err := s.store.MarkConversationRead(ctx, readerID, peerID)
	if err != nil {
		return nil, err
	}
	for _, m := range changed {
		s.router.Deliver(ctx, m.SenderID, event.Read(m.ID, readerID, readAt(m, readerID)))
	}
	return changed, nil
}

func readAt(m *domain.Message, reader domain.UserID) (at time.Time) {
	for _, r := range m.ReadBy {
		if r.ReaderID == reader {
			at = r.ReadAt
		}
	}
	return at
}

func (s *ConversationService) React(ctx context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, domain.Invalid("emoji", "required")
	}
	m, err := s.store.SetReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	s.router.Deliver(ctx, m.Peer(userID), event.Reaction(m.ID, userID, emoji))
	return m, nil
}

func (s *ConversationService) DeleteMessage(ctx context.Context, messageID string, requesterID domain.UserID) error {
	m, changed, err := s.store.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	if changed {
		s.router.Deliver(ctx, m.Peer(requesterID), event.Deleted(m.ID, requesterID))
	}
	return nil
}

// RelayTyping никогда не трогает хранилище.
func (s *ConversationService) RelayTyping(ctx context.Context, from, to domain.UserID, isTyping bool) error {
	if to == "" || to == from {
		return domain.Invalid("peerId", "invalid")
	}
	if isTyping {
		s.typing.SetTyping(from, to)
	} else {
		s.typing.ClearTyping(from, to)
	}
	s.router.Deliver(ctx, to, event.TypingChanged(from, isTyping))
	return nil
}

// SendNotification — эфемерная доставка, не сохраняется.
func (s *ConversationService) SendNotification(ctx context.Context, from, to domain.UserID, kind, text string) (delivery.Result, error) {
	if to == "" {
		return delivery.Result{}, domain.Invalid("recipientId", "required")
	}
	if strings.TrimSpace(kind) == "" {
		return delivery.Result{}, domain.Invalid("kind", "required")
	}
	return s.router.Deliver(ctx, to, event.NewNotification(from, kind, text, time.Now().UTC())), nil
}

func (s *ConversationService) ListConversations(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error) {
	return s.store.ListConversationsFor(ctx, userID)
}

func (s *ConversationService) ListMessages(ctx context.Context, userID, peerID domain.UserID, cursor string, limit int) (store.Page, error) {
	if peerID == "" {
		return store.Page{}, domain.Invalid("peerId", "required")
	}
	return s.store.ListConversation(ctx, userID, peerID, cursor, limit)
}
