package registry

import (
	"sync"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
)

type Session struct {
	ID          string
	UserID      domain.UserID
	ConnectedAt time.Time
}

// Transition: смена доступности пользователя: первая сессия появилась или последняя ушла.
type Transition struct {
	UserID domain.UserID
	Online bool
	At     time.Time
}

type Listener func(Transition)

// Registry: user -> живые сессии. Единственное разделяемое состояние,
// которое трогают все сессии; все изменения под одним мьютексом, слушатели
// вызываются после его освобождения.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session                    // sessionID -> session
	byUser   map[domain.UserID]map[string]struct{} // userID -> set of sessionIDs

	lmu       sync.RWMutex
	listeners []Listener

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		byUser:   make(map[domain.UserID]map[string]struct{}),
		now:      time.Now,
	}
}

func (r *Registry) Subscribe(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(t Transition) {
	r.lmu.RLock()
	ls := r.listeners
	r.lmu.RUnlock()
	for _, l := range ls {
		l(t)
	}
}

// Register идемпотентен по sessionID. Повторная регистрация того же id
// за другим пользователем переносит сессию.
func (r *Registry) Register(userID domain.UserID, sessionID string) Session {
	var transitions []Transition

	r.mu.Lock()
	now := r.now()
	if prev, ok := r.sessions[sessionID]; ok {
		if prev.UserID == userID {
			r.mu.Unlock()
			return prev
		}
		if t, gone := r.detachLocked(prev, now); gone {
			transitions = append(transitions, t)
		}
	}
	s := Session{ID: sessionID, UserID: userID, ConnectedAt: now}
	r.sessions[sessionID] = s
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
	if len(set) == 1 {
		transitions = append(transitions, Transition{UserID: userID, Online: true, At: now})
	}
	r.mu.Unlock()

	for _, t := range transitions {
		r.emit(t)
	}
	return s
}

// Unregister неизвестного id: no-op (дубли disconnect от нестабильных транспортов).
func (r *Registry) Unregister(sessionID string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	t, gone := r.detachLocked(s, r.now())
	r.mu.Unlock()

	if gone {
		r.emit(t)
	}
	return s, true
}

func (r *Registry) detachLocked(s Session, now time.Time) (Transition, bool) {
	delete(r.sessions, s.ID)
	set := r.byUser[s.UserID]
	delete(set, s.ID)
	if len(set) > 0 {
		return Transition{}, false
	}
	delete(r.byUser, s.UserID)
	return Transition{UserID: s.UserID, Online: false, At: now}, true
}

// SessionsFor: снимок, взятый под одним локом; никогда не бывает «рваным».
func (r *Registry) SessionsFor(userID domain.UserID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (r *Registry) IsOnline(userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// OnlineUsers: все пользователи с ≥1 сессией.
func (r *Registry) OnlineUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
