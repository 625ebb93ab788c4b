package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/messenger/internal/directory"
	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/jackc/pgx/v5"
)

// UserRepo — каталог пользователей на таблице users; владелец таблицы — сервис профилей.
type UserRepo struct {
	q querier
}

var _ directory.Directory = (*UserRepo)(nil)

func NewUserRepo(q querier) *UserRepo {
	return &UserRepo{q: q}
}

func (r *UserRepo) GetDisplayInfo(ctx context.Context, userID domain.UserID) (domain.DisplayInfo, error) {
	var (
		info        domain.DisplayInfo
		displayName *string
		avatarURL   *string
	)
	err := r.q.QueryRow(ctx, queryGetDisplayInfo, string(userID)).Scan(&info.UserID, &info.Username, &displayName, &avatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DisplayInfo{}, domain.ErrNotFound
		}
		return domain.DisplayInfo{}, mapPgError(err)
	}
	if displayName != nil {
		info.DisplayName = *displayName
	}
	if avatarURL != nil {
		info.Avatar = *avatarURL
	}
	return info, nil
}

func (r *UserRepo) UserExists(ctx context.Context, userID domain.UserID) (bool, error) {
	var ok bool
	if err := r.q.QueryRow(ctx, queryUserExists, string(userID)).Scan(&ok); err != nil {
		return false, mapPgError(err)
	}
	return ok, nil
}

func (r *UserRepo) UpdatePresence(ctx context.Context, userID domain.UserID, online bool, lastSeen time.Time) error {
	tag, err := r.q.Exec(ctx, queryUpdatePresence, string(userID), online, lastSeen)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Upsert нужен тестам и локальному сидированию.
func (r *UserRepo) Upsert(ctx context.Context, u domain.DisplayInfo) error {
	_, err := r.q.Exec(ctx, queryUpsertUser, string(u.UserID), u.Username, nullable(u.DisplayName), nullable(u.Avatar))
	return mapPgError(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
