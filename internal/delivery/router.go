package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/metrics"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cwrk-planet/messenger/internal/delivery")

// SessionLookup: то, что роутеру нужно от реестра соединений.
type SessionLookup interface {
	SessionsFor(userID domain.UserID) []string
	OnlineUsers() []domain.UserID
}

// Sender: исходящая сторона транспорта; Send не должен блокироваться надолго.
type Sender interface {
	Send(sessionID string, ev event.Event) error
}

// Relay: доставка на другие узлы кластера.
type Relay interface {
	Publish(ctx context.Context, to domain.UserID, ev event.Event) error
}

type Outcome struct {
	SessionID string
	Err       error
}

type Result struct {
	UserID   domain.UserID
	Outcomes []Outcome
}

// NoLiveSession: не ошибка: сообщение лежит в хранилище и будет забрано при синхронизации.
func (r Result) NoLiveSession() bool { return len(r.Outcomes) == 0 }

func (r Result) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

type Router struct {
	sessions SessionLookup
	sender   Sender
	relay    Relay
	timeout  time.Duration
	metrics  *metrics.Metrics
}

type Option func(*Router)

func WithRelay(r Relay) Option              { return func(rt *Router) { rt.relay = r } }
func WithTimeout(d time.Duration) Option    { return func(rt *Router) { rt.timeout = d } }
func WithMetrics(m *metrics.Metrics) Option { return func(rt *Router) { rt.metrics = m } }

func NewRouter(sessions SessionLookup, sender Sender, opts ...Option) *Router {
	r := &Router{
		sessions: sessions,
		sender:   sender,
		timeout:  2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetSender: гейтвей создаётся после роутера в main.
func (r *Router) SetSender(s Sender) { r.sender = s }

// SetRelay: relay сам зависит от роутера (DeliverLocal), поэтому подключается после.
func (r *Router) SetRelay(rl Relay) { r.relay = rl }

// Deliver: fire-and-forget относительно хранения: результат только информирует вызывающего.
// При включённом relay событие также уходит на остальные узлы.
func (r *Router) Deliver(ctx context.Context, to domain.UserID, ev event.Event) Result {
	ctx, span := tracer.Start(ctx, "delivery.Deliver", trace.WithAttributes(
		attribute.String("event.type", ev.Type),
		attribute.String("user.id", string(to)),
	))
	defer span.End()

	res := r.DeliverLocal(ctx, to, ev)
	if r.relay != nil {
		if err := r.relay.Publish(ctx, to, ev); err != nil {
			logger.FromCtx(ctx).Warn("relay publish failed", logger.User(string(to)), "type", ev.Type, logger.Err(err))
		} else {
			r.metrics.Delivery(metrics.OutcomeRelayed)
		}
	}
	span.SetAttributes(attribute.Int("sessions", len(res.Outcomes)), attribute.Int("delivered", res.Delivered()))
	return res
}

// DeliverLocal: только сессии этого узла. Отказ одной сессии не мешает остальным.
func (r *Router) DeliverLocal(ctx context.Context, to domain.UserID, ev event.Event) Result {
	res := Result{UserID: to}
	ids := r.sessions.SessionsFor(to)
	if len(ids) == 0 || r.sender == nil {
		r.metrics.Delivery(metrics.OutcomeNoSession)
		return res
	}

	res.Outcomes = r.fanOut(ctx, ids, ev)
	for _, o := range res.Outcomes {
		if o.Err != nil {
			r.metrics.Delivery(metrics.OutcomeFailed)
			// DeliveryError: логируем и глотаем, сообщение уже сохранено
			logger.FromCtx(ctx).Warn("push to session failed",
				logger.Session(o.SessionID), logger.User(string(to)), "type", ev.Type, logger.Err(o.Err))
			continue
		}
		r.metrics.Delivery(metrics.OutcomeDelivered)
	}
	return res
}

func (r *Router) fanOut(ctx context.Context, ids []string, ev event.Event) []Outcome {
	if len(ids) == 1 {
		return []Outcome{{SessionID: ids[0], Err: r.send(ids[0], ev)}}
	}

	// буфер на все сессии: опоздавшие горутины не блокируются после таймаута
	results := make(chan Outcome, len(ids))
	for _, id := range ids {
		go func(id string) {
			results <- Outcome{SessionID: id, Err: r.send(id, ev)}
		}(id)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	out := make([]Outcome, 0, len(ids))
	done := make(map[string]bool, len(ids))
	for len(out) < len(ids) {
		select {
		case o := <-results:
			out = append(out, o)
			done[o.SessionID] = true
		case <-timer.C:
			return appendPending(out, ids, done, fmt.Errorf("%w: timeout", domain.ErrDelivery))
		case <-ctx.Done():
			return appendPending(out, ids, done, fmt.Errorf("%w: %v", domain.ErrDelivery, ctx.Err()))
		}
	}
	return out
}

func appendPending(out []Outcome, ids []string, done map[string]bool, err error) []Outcome {
	for _, id := range ids {
		if !done[id] {
			out = append(out, Outcome{SessionID: id, Err: err})
		}
	}
	return out
}

func (r *Router) send(sessionID string, ev event.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrDelivery, p)
		}
	}()
	if err := r.sender.Send(sessionID, ev); err != nil {
		if errors.Is(err, domain.ErrDelivery) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	return nil
}

// Broadcast: всем живым сессиям узла, кроме сессий except. Presence не реплицируется между узлами.
func (r *Router) Broadcast(ctx context.Context, ev event.Event, except domain.UserID) {
	for _, u := range r.sessions.OnlineUsers() {
		if u == except {
			continue
		}
		r.DeliverLocal(ctx, u, ev)
	}
}
