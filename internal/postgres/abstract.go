package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrConflict = errors.New("postgres: conflict")

/*
абстрактный слой над *pgxpool.Pool / pgx.Tx,
чтобы чтения можно было делать и внутри транзакции, и без неё
*/
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique violation
			return ErrConflict
		case "23503": // foreign key violation
			return domain.ErrNotFound
		}
	}
	return err
}

func scanMessage(row pgx.Row, extra ...any) (*domain.Message, error) {
	var (
		m         domain.Message
		typ       string
		status    string
		deletedAt *time.Time
	)
	dest := []any{
		&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &typ,
		&m.ReplyTo, &status, &m.Deleted, &deletedAt, &m.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Type = domain.MessageType(typ)
	m.Status = domain.Status(status)
	if deletedAt != nil {
		t := deletedAt.UTC()
		m.DeletedAt = &t
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Reactions = map[domain.UserID]string{}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*domain.Message, error) {
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// hydrate подтягивает реакции и квитанции о прочтении одним запросом на таблицу.
func hydrate(ctx context.Context, q querier, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*domain.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	rows, err := q.Query(ctx, queryReactionsFor, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, user, emoji string
		if err := rows.Scan(&id, &user, &emoji); err != nil {
			rows.Close()
			return err
		}
		byID[id].Reactions[domain.UserID(user)] = emoji
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, queryReceiptsFor, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, reader string
			at         time.Time
		)
		if err := rows.Scan(&id, &reader, &at); err != nil {
			return err
		}
		m := byID[id]
		m.ReadBy = append(m.ReadBy, domain.ReadReceipt{ReaderID: domain.UserID(reader), ReadAt: at.UTC()})
	}
	return rows.Err()
}
