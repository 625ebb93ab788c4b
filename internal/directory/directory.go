package directory

import (
	"context"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
)

// Directory: внешний каталог пользователей (профили, auth). Ядро только читает
// отображаемые поля и пишет грубый online/lastSeen.
type Directory interface {
	GetDisplayInfo(ctx context.Context, userID domain.UserID) (domain.DisplayInfo, error)
	UserExists(ctx context.Context, userID domain.UserID) (bool, error)
	UpdatePresence(ctx context.Context, userID domain.UserID, online bool, lastSeen time.Time) error
}
