package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	SubjectPrefix = "deliver"
	HeaderOrigin  = "Messenger-Origin"
)

var tracer = otel.Tracer("github.com/cwrk-planet/messenger/internal/cluster")

// Conn: подмножество *nats.Conn, которым пользуется relay.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, to domain.UserID, ev event.Event) delivery.Result
}

// Relay пересылает доставки на другие узлы: каждый узел отдаёт событие своим
// сессиям получателя и пропускает собственные публикации.
type Relay struct {
	nc    Conn
	node  string
	local LocalDeliverer
	sub   *nats.Subscription
}

func NewRelay(nc Conn, node string, local LocalDeliverer) *Relay {
	return &Relay{nc: nc, node: node, local: local}
}

func Connect(url, user, pass, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L().Warn("nats disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.L().Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if user != "" {
		opts = append(opts, nats.UserInfo(user, pass))
	}
	return nats.Connect(url, opts...)
}

// Subject: deliver.<userId>; id с символами вне [A-Za-z0-9_-] кодируется base64url.
func Subject(userID domain.UserID) string {
	return SubjectPrefix + "." + token(string(userID))
}

func token(s string) string {
	if strings.HasPrefix(s, "b64") {
		return "b64" + base64.RawURLEncoding.EncodeToString([]byte(s))
	}
	for _, r := range s {
		if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "b64" + base64.RawURLEncoding.EncodeToString([]byte(s))
		}
	}
	return s
}

func decodeToken(t string) (string, error) {
	if !strings.HasPrefix(t, "b64") {
		return t, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(t, "b64"))
	return string(b), err
}

func (r *Relay) Publish(ctx context.Context, to domain.UserID, ev event.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	subject := Subject(to)

	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{h})
	h.Set(HeaderOrigin, r.node)

	if err := r.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: h}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(SubjectPrefix+".*", r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	logger.L().Info("cluster relay subscribed", "subject", SubjectPrefix+".*", "node", r.node)
	return nil
}

func (r *Relay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	if msg.Header.Get(HeaderOrigin) == r.node {
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), &headerCarrier{msg.Header})
	ctx, span := tracer.Start(ctx, msg.Subject+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
		),
	)
	defer span.End()

	log := logger.FromCtx(ctx)
	tok := strings.TrimPrefix(msg.Subject, SubjectPrefix+".")
	user, err := decodeToken(tok)
	if err != nil || user == "" {
		log.Warn("relay: bad subject", "subject", msg.Subject)
		return
	}
	env, err := event.Decode(msg.Data)
	if err != nil || env.Type == "" {
		log.Warn("relay: bad payload", "subject", msg.Subject, logger.Err(err))
		return
	}

	r.local.DeliverLocal(ctx, domain.UserID(user), event.Event{Type: env.Type, Payload: env.Payload})
}

// headerCarrier: nats.Header как propagation.TextMapCarrier.
type headerCarrier struct {
	h nats.Header
}

func (c *headerCarrier) Get(key string) string { return c.h.Get(key) }
func (c *headerCarrier) Set(key, value string) { c.h.Set(key, value) }
func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}
