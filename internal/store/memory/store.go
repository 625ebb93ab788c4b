package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/store"

	"github.com/google/uuid"
)

type conversation struct {
	mu       sync.RWMutex // все мутации сообщений беседы сериализуются здесь
	id       string
	key      domain.ConversationKey
	messages []*domain.Message
	byID     map[string]*domain.Message
}

// Store: MessageStore в памяти процесса. Наружу отдаются только копии.
type Store struct {
	mu    sync.RWMutex
	convs map[domain.ConversationKey]*conversation
	index map[string]*conversation // messageID -> беседа

	now    func() time.Time
	maxLen int
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithMaxContentLength(n int) Option { return func(s *Store) { s.maxLen = n } }

func New(opts ...Option) *Store {
	s := &Store{
		convs:  make(map[domain.ConversationKey]*conversation),
		index:  make(map[string]*conversation),
		now:    time.Now,
		maxLen: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.MessageStore = (*Store)(nil)

func (s *Store) conversationFor(key domain.ConversationKey, create bool) *conversation {
	s.mu.RLock()
	c, ok := s.convs[key]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.convs[key]; ok {
		return c
	}
	c = &conversation{
		id:   uuid.Must(uuid.NewV7()).String(),
		key:  key,
		byID: make(map[string]*domain.Message),
	}
	s.convs[key] = c
	return c
}

// lookup: беседа и сообщение под write-локом беседы; unlock обязателен.
func (s *Store) lookup(id string) (*conversation, *domain.Message, error) {
	s.mu.RLock()
	c, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrMessageNotFound
	}
	c.mu.Lock()
	return c, c.byID[id], nil
}

func (s *Store) CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if in.Type == "" {
		in.Type = domain.TypeText
	}
	if err := store.ValidateNew(in, s.maxLen); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.conversationFor(domain.KeyFor(in.SenderID, in.RecipientID), true)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	m := &domain.Message{
		ID:             id.String(),
		ConversationID: c.id,
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		Content:        in.Content,
		Type:           in.Type,
		ReplyTo:        in.ReplyTo,
		Status:         domain.StatusSent,
		Reactions:      map[domain.UserID]string{},
	}

	// индекс и беседа меняются вместе: сообщение, видимое в списке, всегда находится по id.
	// Порядок локов s.mu -> c.mu, как и в остальных путях.
	s.mu.Lock()
	c.mu.Lock()
	m.CreatedAt = s.now().UTC()
	c.messages = append(c.messages, m)
	c.byID[m.ID] = m
	s.index[m.ID] = c
	out := m.Clone()
	c.mu.Unlock()
	s.mu.Unlock()

	return out, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	c, m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	if m.Deleted {
		return nil, domain.ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *Store) ListConversation(_ context.Context, a, b domain.UserID, cursor string, limit int) (store.Page, error) {
	limit = store.ClampLimit(limit)
	cur, err := store.DecodeCursor(cursor)
	if err != nil {
		return store.Page{}, err
	}

	c := s.conversationFor(domain.KeyFor(a, b), false)
	if c == nil {
		return store.Page{}, nil
	}

	c.mu.RLock()
	var picked []*domain.Message
	for _, m := range c.messages {
		if m.Deleted || !cur.Before(m.CreatedAt, m.ID) {
			continue
		}
		picked = append(picked, m.Clone())
	}
	c.mu.RUnlock()

	sortNewest(picked)

	var page store.Page
	if len(picked) > limit {
		last := picked[limit-1]
		next, err := store.EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return store.Page{}, err
		}
		page.NextCursor = next
		picked = picked[:limit]
	}
	page.Messages = picked
	return page, nil
}

func (s *Store) MarkDelivered(_ context.Context, messageID string) (*domain.Message, bool, error) {
	c, m, err := s.lookup(messageID)
	if err != nil {
		return nil, false, err
	}
	defer c.mu.Unlock()

	next, changed := m.Status.Advance(domain.StatusDelivered)
	m.Status = next
	return m.Clone(), changed, nil
}

func (s *Store) MarkRead(_ context.Context, messageID string, readerID domain.UserID) (*domain.Message, bool, error) {
	c, m, err := s.lookup(messageID)
	if err != nil {
		return nil, false, err
	}
	defer c.mu.Unlock()

	if m.Deleted {
		return nil, false, domain.ErrMessageNotFound
	}
	if m.RecipientID != readerID {
		return nil, false, domain.ErrNotParticipant
	}
	changed := s.markReadLocked(m, readerID)
	return m.Clone(), changed, nil
}

func (s *Store) markReadLocked(m *domain.Message, readerID domain.UserID) bool {
	next, changed := m.Status.Advance(domain.StatusRead)
	if !changed {
		return false
	}
	m.Status = next
	m.ReadBy = append(m.ReadBy, domain.ReadReceipt{ReaderID: readerID, ReadAt: s.now().UTC()})
	return true
}

func (s *Store) MarkConversationRead(_ context.Context, readerID, peerID domain.UserID) ([]*domain.Message, error) {
	c := s.conversationFor(domain.KeyFor(readerID, peerID), false)
	if c == nil {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*domain.Message
	for _, m := range c.messages {
		if m.Deleted || m.RecipientID != readerID || m.SenderID != peerID {
			continue
		}
		if s.markReadLocked(m, readerID) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Store) SetReaction(_ context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error) {
	if emoji == "" {
		return nil, domain.Invalid("emoji", "required")
	}
	c, m, err := s.lookup(messageID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if m.Deleted {
		return nil, domain.ErrMessageNotFound
	}
	if !m.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	m.Reactions[userID] = emoji
	return m.Clone(), nil
}

func (s *Store) SoftDelete(_ context.Context, messageID string, requesterID domain.UserID) (*domain.Message, bool, error) {
	c, m, err := s.lookup(messageID)
	if err != nil {
		return nil, false, err
	}
	defer c.mu.Unlock()

	if m.SenderID != requesterID {
		if m.RecipientID == requesterID {
			return nil, false, domain.ErrNotSender
		}
		// чужим не раскрываем существование сообщения
		return nil, false, domain.ErrMessageNotFound
	}
	if m.Deleted {
		return m.Clone(), false, nil
	}
	now := s.now().UTC()
	m.Deleted = true
	m.DeletedAt = &now
	return m.Clone(), true, nil
}

func (s *Store) ListConversationsFor(_ context.Context, userID domain.UserID) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	var mine []*conversation
	for key, c := range s.convs {
		if key.Low == userID || key.High == userID {
			mine = append(mine, c)
		}
	}
	s.mu.RUnlock()

	out := make([]domain.ConversationSummary, 0, len(mine))
	for _, c := range mine {
		c.mu.RLock()
		var (
			last   *domain.Message
			unread int
		)
		for _, m := range c.messages {
			if m.Deleted {
				continue
			}
			if last == nil || domain.Newer(m, last) {
				last = m
			}
			if m.RecipientID == userID && m.Status != domain.StatusRead {
				unread++
			}
		}
		if last != nil {
			peer := c.key.High
			if peer == userID {
				peer = c.key.Low
			}
			out = append(out, domain.ConversationSummary{
				ConversationID: c.id,
				PeerID:         peer,
				LastMessage:    last.Clone(),
				UnreadCount:    unread,
			})
		}
		c.mu.RUnlock()
	}

	domain.SortSummaries(out)
	return out, nil
}

func (s *Store) CountMessages(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index), nil
}

func sortNewest(ms []*domain.Message) {
	sort.Slice(ms, func(i, j int) bool { return domain.Newer(ms[i], ms[j]) })
}
