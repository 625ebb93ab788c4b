package memdir

import (
	"context"
	"sync"
	"time"

	"github.com/cwrk-planet/messenger/internal/directory"
	"github.com/cwrk-planet/messenger/internal/domain"
)

type Directory struct {
	mu            sync.RWMutex
	users         map[domain.UserID]domain.DisplayInfo
	presence      map[domain.UserID]domain.Presence
	acceptUnknown bool
}

var _ directory.Directory = (*Directory)(nil)

type Option func(*Directory)

// AcceptUnknown: любой непустой id считается существующим (локальная разработка).
func AcceptUnknown() Option { return func(d *Directory) { d.acceptUnknown = true } }

func New(opts ...Option) *Directory {
	d := &Directory{
		users:    make(map[domain.UserID]domain.DisplayInfo),
		presence: make(map[domain.UserID]domain.Presence),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Directory) Add(users ...domain.DisplayInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		d.users[u.UserID] = u
	}
}

func (d *Directory) GetDisplayInfo(_ context.Context, userID domain.UserID) (domain.DisplayInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	if d.acceptUnknown && userID != "" {
		return domain.DisplayInfo{UserID: userID, Username: string(userID)}, nil
	}
	return domain.DisplayInfo{}, domain.ErrNotFound
}

func (d *Directory) UserExists(_ context.Context, userID domain.UserID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok || (d.acceptUnknown && userID != ""), nil
}

func (d *Directory) UpdatePresence(_ context.Context, userID domain.UserID, online bool, lastSeen time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence[userID] = domain.Presence{UserID: userID, Online: online, LastSeen: lastSeen}
	return nil
}

// Presence: последняя записанная запись, для тестов и /presence.
func (d *Directory) Presence(userID domain.UserID) (domain.Presence, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.presence[userID]
	return p, ok
}
