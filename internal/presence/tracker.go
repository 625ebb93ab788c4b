package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/registry"
	"github.com/cwrk-planet/messenger/pkg/logger"
)

const DefaultTypingTTL = 3 * time.Second

// OnlineSource: истина об онлайне; трекер её не дублирует, а сверяется с ней.
type OnlineSource interface {
	IsOnline(userID domain.UserID) bool
}

type PresenceWriter interface {
	UpdatePresence(ctx context.Context, userID domain.UserID, online bool, lastSeen time.Time) error
}

type Pusher interface {
	Deliver(ctx context.Context, to domain.UserID, ev event.Event) delivery.Result
	Broadcast(ctx context.Context, ev event.Event, except domain.UserID)
}

type typingKey struct {
	from, to domain.UserID
}

type Tracker struct {
	online OnlineSource
	store  PresenceWriter
	push   Pusher
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	typing    map[typingKey]time.Time // -> expiresAt
	lastSeen  map[domain.UserID]time.Time
	announced map[domain.UserID]bool // последнее разосланное состояние

	// переходы одного пользователя применяются строго по очереди
	stripes [64]sync.Mutex
}

type Option func(*Tracker)

func WithTypingTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(online OnlineSource, store PresenceWriter, push Pusher, opts ...Option) *Tracker {
	t := &Tracker{
		online:    online,
		store:     store,
		push:      push,
		ttl:       DefaultTypingTTL,
		now:       time.Now,
		typing:    make(map[typingKey]time.Time),
		lastSeen:  make(map[domain.UserID]time.Time),
		announced: make(map[domain.UserID]bool),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Attach подписывает трекер на переходы реестра.
func (t *Tracker) Attach(reg *registry.Registry) {
	reg.Subscribe(func(tr registry.Transition) { t.Handle(context.Background(), tr) })
}

func (t *Tracker) stripe(u domain.UserID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(u))
	return &t.stripes[h.Sum32()%uint32(len(t.stripes))]
}

// Handle сверяет событие с реестром: устаревшие и повторные переходы
// отбрасываются, каждый реальный переход рассылается ровно один раз.
func (t *Tracker) Handle(ctx context.Context, tr registry.Transition) {
	u := tr.UserID
	lock := t.stripe(u)
	lock.Lock()
	defer lock.Unlock()

	online := t.online.IsOnline(u)

	t.mu.Lock()
	if t.announced[u] == online {
		t.mu.Unlock()
		return
	}
	at := t.now().UTC()
	var peers []domain.UserID
	if online {
		t.announced[u] = true
	} else {
		delete(t.announced, u)
		t.lastSeen[u] = at
		peers = t.dropTypingLocked(u)
	}
	t.mu.Unlock()

	log := logger.FromCtx(ctx)
	if t.store != nil {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := t.store.UpdatePresence(wctx, u, online, at); err != nil {
			log.Debug("update presence failed", logger.User(string(u)), logger.Err(err))
		}
		cancel()
	}

	if online {
		t.push.Broadcast(ctx, event.Online(u), u)
		return
	}
	for _, p := range peers {
		t.push.Deliver(ctx, p, event.TypingChanged(u, false))
	}
	t.push.Broadcast(ctx, event.Offline(u, at), u)
}

func (t *Tracker) dropTypingLocked(from domain.UserID) []domain.UserID {
	now := t.now()
	var peers []domain.UserID
	for k, exp := range t.typing {
		if k.from != from {
			continue
		}
		delete(t.typing, k)
		if exp.After(now) {
			peers = append(peers, k.to)
		}
	}
	return peers
}

// SetTyping ставит флаг с истечением через ttl; повторный вызов продлевает.
func (t *Tracker) SetTyping(from, to domain.UserID) {
	t.mu.Lock()
	t.typing[typingKey{from, to}] = t.now().Add(t.ttl)
	t.mu.Unlock()
}

// ClearTyping снимает флаг досрочно; true, если он ещё был активен.
func (t *Tracker) ClearTyping(from, to domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{from, to}
	exp, ok := t.typing[k]
	delete(t.typing, k)
	return ok && exp.After(t.now())
}

// IsTypingTo: истечение проверяется лениво при чтении.
func (t *Tracker) IsTypingTo(from, to domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.typing[typingKey{from, to}]
	return ok && exp.After(t.now())
}

// Sweep удаляет истёкшие флаги и шлёт собеседникам user_stopped_typing.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.now()
	var expired []typingKey
	t.mu.Lock()
	for k, exp := range t.typing {
		if !exp.After(now) {
			expired = append(expired, k)
			delete(t.typing, k)
		}
	}
	t.mu.Unlock()

	for _, k := range expired {
		t.push.Deliver(ctx, k.to, event.TypingChanged(k.from, false))
	}
	return len(expired)
}

// Run: фоновый sweep до отмены ctx.
func (t *Tracker) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) IsOnline(userID domain.UserID) bool {
	return t.online.IsOnline(userID)
}

func (t *Tracker) LastSeen(userID domain.UserID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

func (t *Tracker) Presence(userID domain.UserID) domain.Presence {
	p := domain.Presence{UserID: userID, Online: t.online.IsOnline(userID)}
	if ts, ok := t.LastSeen(userID); ok {
		p.LastSeen = ts
	}
	return p
}
