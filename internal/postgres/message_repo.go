package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepo — MessageStore поверх Postgres. Мутации одного сообщения
// сериализуются через SELECT ... FOR UPDATE, создание через лок строки беседы.
type MessageRepo struct {
	db     *pgxpool.Pool
	now    func() time.Time
	maxLen int
}

var _ store.MessageStore = (*MessageRepo)(nil)

func NewMessageRepo(db *pgxpool.Pool, maxContentLength int) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now, maxLen: maxContentLength}
}

// timestamptz хранит микросекунды; режем заранее, чтобы курсоры совпадали с базой
func (r *MessageRepo) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *MessageRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *MessageRepo) CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if in.Type == "" {
		in.Type = domain.TypeText
	}
	if err := store.ValidateNew(in, r.maxLen); err != nil {
		return nil, err
	}

	key := domain.KeyFor(in.SenderID, in.RecipientID)
	m := &domain.Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		Type:        in.Type,
		ReplyTo:     in.ReplyTo,
		Status:      domain.StatusSent,
		Reactions:   map[domain.UserID]string{},
	}

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		convID := uuid.Must(uuid.NewV7()).String()
		if err := tx.QueryRow(ctx, queryUpsertConversation, convID, key.Low, key.High).Scan(&m.ConversationID); err != nil {
			return mapPgError(err)
		}
		m.CreatedAt = r.stamp()
		_, err := tx.Exec(ctx, queryInsertMessage,
			m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, string(m.Type), m.ReplyTo, m.CreatedAt)
		return mapPgError(err)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepo) load(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Message, error) {
	sql := queryGetMessage
	if forUpdate {
		sql = queryGetMessageForUpd
	}
	m, err := scanMessage(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, mapPgError(err)
	}
	return m, nil
}

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := r.load(ctx, r.db, id, false)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, domain.ErrMessageNotFound
	}
	if err := hydrate(ctx, r.db, []*domain.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepo) conversationID(ctx context.Context, q querier, a, b domain.UserID, lock bool) (string, error) {
	key := domain.KeyFor(a, b)
	sql := queryFindConversation
	if lock {
		sql = queryLockConversation
	}
	var id string
	if err := q.QueryRow(ctx, sql, key.Low, key.High).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (r *MessageRepo) ListConversation(ctx context.Context, a, b domain.UserID, cursor string, limit int) (store.Page, error) {
	limit = store.ClampLimit(limit)
	cur, err := store.DecodeCursor(cursor)
	if err != nil {
		return store.Page{}, err
	}
	convID, err := r.conversationID(ctx, r.db, a, b, false)
	if err != nil || convID == "" {
		return store.Page{}, err
	}

	var createdAt, lastID any
	if cur != nil {
		createdAt = cur.CreatedAt
		lastID = cur.ID
	}
	// +1, чтобы знать, есть ли следующая страница
	rows, err := r.db.Query(ctx, queryListConversation, convID, createdAt, lastID, limit+1)
	if err != nil {
		return store.Page{}, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return store.Page{}, err
	}

	var page store.Page
	if len(msgs) > limit {
		msgs = msgs[:limit]
		last := msgs[len(msgs)-1]
		if page.NextCursor, err = store.EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err != nil {
			return store.Page{}, err
		}
	}
	if err := hydrate(ctx, r.db, msgs); err != nil {
		return store.Page{}, err
	}
	page.Messages = msgs
	return page, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID string) (*domain.Message, bool, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, queryMarkDelivered, messageID))
	changed := err == nil
	if errors.Is(err, pgx.ErrNoRows) {
		// либо нет сообщения, либо статус уже не sent
		m, err = r.load(ctx, r.db, messageID, false)
	}
	if err != nil {
		return nil, false, mapPgError(err)
	}
	if err := hydrate(ctx, r.db, []*domain.Message{m}); err != nil {
		return nil, false, err
	}
	return m, changed, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, messageID string, readerID domain.UserID) (*domain.Message, bool, error) {
	var (
		out     *domain.Message
		changed bool
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		m, err := r.load(ctx, tx, messageID, true)
		if err != nil {
			return err
		}
		if m.Deleted {
			return domain.ErrMessageNotFound
		}
		if m.RecipientID != readerID {
			return domain.ErrNotParticipant
		}
		if next, ok := m.Status.Advance(domain.StatusRead); ok {
			if _, err := tx.Exec(ctx, querySetRead, m.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, queryInsertReceipts, []string{m.ID}, string(readerID), r.stamp()); err != nil {
				return err
			}
			m.Status = next
			changed = true
		}
		out = m
		return hydrate(ctx, tx, []*domain.Message{m})
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (r *MessageRepo) MarkConversationRead(ctx context.Context, readerID, peerID domain.UserID) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		convID, err := r.conversationID(ctx, tx, readerID, peerID, true)
		if err != nil || convID == "" {
			return err
		}

		rows, err := tx.Query(ctx, queryMarkConversationRead, convID, string(readerID), string(peerID))
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil || len(ids) == 0 {
			return err
		}
		if _, err := tx.Exec(ctx, queryInsertReceipts, ids, string(readerID), r.stamp()); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, queryMessagesByID, ids)
		if err != nil {
			return err
		}
		if out, err = collectMessages(rows); err != nil {
			return err
		}
		return hydrate(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessageRepo) SetReaction(ctx context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error) {
	if emoji == "" {
		return nil, domain.Invalid("emoji", "required")
	}
	var out *domain.Message
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		m, err := r.load(ctx, tx, messageID, true)
		if err != nil {
			return err
		}
		if m.Deleted {
			return domain.ErrMessageNotFound
		}
		if !m.HasParticipant(userID) {
			return domain.ErrNotParticipant
		}
		if _, err := tx.Exec(ctx, queryUpsertReaction, m.ID, string(userID), emoji); err != nil {
			return mapPgError(err)
		}
		out = m
		return hydrate(ctx, tx, []*domain.Message{m})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, messageID string, requesterID domain.UserID) (*domain.Message, bool, error) {
	var (
		out     *domain.Message
		changed bool
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		m, err := r.load(ctx, tx, messageID, true)
		if err != nil {
			return err
		}
		if m.SenderID != requesterID {
			if m.RecipientID == requesterID {
				return domain.ErrNotSender
			}
			return domain.ErrMessageNotFound
		}
		if !m.Deleted {
			now := r.stamp()
			if _, err := tx.Exec(ctx, querySoftDelete, m.ID, now); err != nil {
				return err
			}
			m.Deleted = true
			m.DeletedAt = &now
			changed = true
		}
		out = m
		return hydrate(ctx, tx, []*domain.Message{m})
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (r *MessageRepo) ListConversationsFor(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error) {
	rows, err := r.db.Query(ctx, queryListConversationsFor, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out  []domain.ConversationSummary
		last []*domain.Message
	)
	for rows.Next() {
		var (
			low, high string
			unread    int64
		)
		m, err := scanMessage(rows, &low, &high, &unread)
		if err != nil {
			return nil, err
		}
		peer := domain.UserID(high)
		if peer == userID {
			peer = domain.UserID(low)
		}
		out = append(out, domain.ConversationSummary{
			ConversationID: m.ConversationID,
			PeerID:         peer,
			LastMessage:    m,
			UnreadCount:    int(unread),
		})
		last = append(last, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := hydrate(ctx, r.db, last); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessageRepo) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, queryCountMessages).Scan(&n)
	return n, err
}
