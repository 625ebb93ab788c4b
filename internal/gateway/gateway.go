package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/metrics"
	"github.com/cwrk-planet/messenger/internal/registry"
	"github.com/cwrk-planet/messenger/internal/service"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/cwrk-planet/messenger/internal/gateway")

var ErrSessionGone = fmt.Errorf("session gone: %w", domain.ErrDelivery)

// Conn — живое соединение транспорта. Send не блокируется: переполненная
// очередь возвращает ошибку, а не тормозит роутер.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

type Service interface {
	SendMessage(ctx context.Context, in service.SendInput) (service.SendResult, error)
	MarkRead(ctx context.Context, messageID string, readerID domain.UserID) (*domain.Message, error)
	React(ctx context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string, requesterID domain.UserID) error
	RelayTyping(ctx context.Context, from, to domain.UserID, isTyping bool) error
	SendNotification(ctx context.Context, from, to domain.UserID, kind, text string) (delivery.Result, error)
}

type session struct {
	id      string
	userID  domain.UserID
	conn    Conn
	limiter *rate.Limiter

	mu       sync.Mutex
	typingTo map[domain.UserID]struct{}
}

type Config struct {
	RatePerSecond float64
	Burst         int
}

// Gateway — граница транспорта: onConnect/onDisconnect/onInboundEvent внутрь ядра
// и send(sessionID, event) наружу для DeliveryRouter.
type Gateway struct {
	reg     *registry.Registry
	svc     Service
	cfg     Config
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*session
}

var _ delivery.Sender = (*Gateway)(nil)

func New(reg *registry.Registry, svc Service, cfg Config, m *metrics.Metrics) *Gateway {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	return &Gateway{
		reg:     reg,
		svc:     svc,
		cfg:     cfg,
		metrics: m,
		conns:   make(map[string]*session),
	}
}

// OnConnect — сессия уже аутентифицирована транспортом.
func (g *Gateway) OnConnect(ctx context.Context, sessionID string, userID domain.UserID, conn Conn) {
	s := &session{
		id:       sessionID,
		userID:   userID,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst),
		typingTo: make(map[domain.UserID]struct{}),
	}

	g.mu.Lock()
	prev := g.conns[sessionID]
	g.conns[sessionID] = s
	g.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	} else {
		g.metrics.SessionOpened()
	}

	g.reg.Register(userID, sessionID)
	logger.FromCtx(ctx).Info("session connected", logger.Session(sessionID), logger.User(string(userID)))
}

// OnDisconnect — неявный stop typing для всех собеседников сессии, затем unregister.
// Повторный вызов: no-op.
func (g *Gateway) OnDisconnect(ctx context.Context, sessionID string) {
	g.mu.Lock()
	s, ok := g.conns[sessionID]
	delete(g.conns, sessionID)
	g.mu.Unlock()
	if !ok {
		logger.FromCtx(ctx).Debug("disconnect for unknown session", logger.Session(sessionID), logger.Err(domain.ErrTransport))
		return
	}
	g.metrics.SessionClosed()

	s.mu.Lock()
	peers := make([]domain.UserID, 0, len(s.typingTo))
	for p := range s.typingTo {
		peers = append(peers, p)
	}
	s.typingTo = nil
	s.mu.Unlock()
	for _, p := range peers {
		// флаг набора общий на пользователя: пока другая его сессия печатает p, не снимаем
		if g.typingElsewhere(s.userID, p) {
			continue
		}
		_ = g.svc.RelayTyping(ctx, s.userID, p, false)
	}

	g.reg.Unregister(sessionID)
	logger.FromCtx(ctx).Info("session disconnected", logger.Session(sessionID), logger.User(string(s.userID)))
}

func (g *Gateway) typingElsewhere(userID, peer domain.UserID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, o := range g.conns {
		if o.userID != userID {
			continue
		}
		o.mu.Lock()
		_, ok := o.typingTo[peer]
		o.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// Send реализует delivery.Sender.
func (g *Gateway) Send(sessionID string, ev event.Event) error {
	g.mu.RLock()
	s, ok := g.conns[sessionID]
	g.mu.RUnlock()
	if !ok {
		return ErrSessionGone
	}
	frame, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", domain.ErrDelivery, ev.Type, err)
	}
	return s.conn.Send(frame)
}

// Close закрывает все соединения; транспорт сам вызовет OnDisconnect.
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]Conn, 0, len(g.conns))
	for _, s := range g.conns {
		conns = append(conns, s.conn)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) reply(s *session, ev event.Event) {
	frame, err := ev.Marshal()
	if err == nil {
		err = s.conn.Send(frame)
	}
	if err != nil {
		logger.L().Debug("reply to session failed", logger.Session(s.id), "type", ev.Type, logger.Err(err))
	}
}

// OnInboundEvent обрабатывает один кадр сессии. Вызывается последовательно для
// одной сессии; разные сессии работают параллельно. Ошибки уходят только
// в исходную сессию как message_error.
func (g *Gateway) OnInboundEvent(ctx context.Context, sessionID string, data []byte) {
	g.mu.RLock()
	s, ok := g.conns[sessionID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	env, err := event.Decode(data)
	if err != nil || env.Type == "" {
		g.reply(s, event.Failure(CodeValidation, "malformed frame", ""))
		return
	}
	g.metrics.Inbound(env.Type)

	if !s.limiter.Allow() {
		g.metrics.Limited()
		g.reply(s, event.Failure(CodeRateLimited, "too many events", env.Type))
		return
	}

	ctx, span := tracer.Start(ctx, "gateway."+env.Type, trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("user.id", string(s.userID)),
	))
	defer span.End()

	ref, err := g.dispatch(ctx, s, env)
	if err != nil {
		span.RecordError(err)
		code := CodeOf(err)
		lvl := slog.LevelDebug
		if code == CodeInternal {
			lvl = slog.LevelError
		}
		logger.FromCtx(ctx).Log(ctx, lvl, "inbound event failed",
			logger.Session(s.id), logger.User(string(s.userID)), "type", env.Type, logger.Err(err))
		g.reply(s, event.Failure(code, err.Error(), ref))
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, env event.Envelope) (ref string, err error) {
	switch env.Type {
	case event.TypeUserJoin:
		var p event.UserJoin
		if err := event.Bind(env.Payload, &p); err != nil {
			return "", err
		}
		if domain.UserID(p.UserID) != s.userID {
			return p.UserID, fmt.Errorf("user_join for another user: %w", domain.ErrForbidden)
		}
		g.reg.Register(s.userID, s.id)
		return "", nil

	case event.TypeSendMessage:
		var p event.SendMessage
		if err := event.Bind(env.Payload, &p); err != nil {
			return p.ClientRef, err
		}
		_, err := g.svc.SendMessage(ctx, service.SendInput{
			SenderID:    s.userID,
			RecipientID: domain.UserID(p.RecipientID),
			Content:     p.Content,
			Type:        domain.MessageType(p.Type),
			ReplyTo:     p.ReplyTo,
			ClientRef:   p.ClientRef,
		})
		return p.ClientRef, err

	case event.TypeMarkMessageRead:
		var p event.MessageRef
		if err := event.Bind(env.Payload, &p); err != nil {
			return "", err
		}
		_, err := g.svc.MarkRead(ctx, p.MessageID, s.userID)
		return p.MessageID, err

	case event.TypePostReaction:
		var p event.PostReaction
		if err := event.Bind(env.Payload, &p); err != nil {
			return p.MessageID, err
		}
		_, err := g.svc.React(ctx, p.MessageID, s.userID, p.Emoji)
		return p.MessageID, err

	case event.TypeDeleteMessage:
		var p event.MessageRef
		if err := event.Bind(env.Payload, &p); err != nil {
			return "", err
		}
		return p.MessageID, g.svc.DeleteMessage(ctx, p.MessageID, s.userID)

	case event.TypeTypingStart, event.TypeTypingStop:
		var p event.Typing
		if err := event.Bind(env.Payload, &p); err != nil {
			return "", err
		}
		typing := env.Type == event.TypeTypingStart
		peer := domain.UserID(p.PeerID)
		if err := g.svc.RelayTyping(ctx, s.userID, peer, typing); err != nil {
			return p.PeerID, err
		}
		s.mu.Lock()
		if s.typingTo != nil {
			if typing {
				s.typingTo[peer] = struct{}{}
			} else {
				delete(s.typingTo, peer)
			}
		}
		s.mu.Unlock()
		return p.PeerID, nil

	case event.TypeSendNotification:
		var p event.SendNotification
		if err := event.Bind(env.Payload, &p); err != nil {
			return "", err
		}
		_, err := g.svc.SendNotification(ctx, s.userID, domain.UserID(p.RecipientID), p.Kind, p.Text)
		return p.RecipientID, err
	}

	return env.Type, errUnknownEvent
}

var errUnknownEvent = errors.New("unknown event type")
