package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/directory/memdir"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/presence"
	"github.com/cwrk-planet/messenger/internal/registry"
	"github.com/cwrk-planet/messenger/internal/service"
	"github.com/cwrk-planet/messenger/internal/store/memory"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	full   bool
	closed bool
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("queue full")
	}
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) of(typ string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastError(t *testing.T) event.Error {
	t.Helper()
	errs := c.of(event.TypeMessageError)
	if len(errs) == 0 {
		t.Fatalf("no message_error frames")
	}
	var e event.Error
	if err := json.Unmarshal(errs[len(errs)-1].Payload, &e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	return e
}

type harness struct {
	gw      *Gateway
	reg     *registry.Registry
	tracker *presence.Tracker
	store   *memory.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := registry.New()
	dir := memdir.New()
	dir.Add(
		domain.DisplayInfo{UserID: "A", Username: "alice"},
		domain.DisplayInfo{UserID: "B", Username: "bob"},
	)
	router := delivery.NewRouter(reg, nil)
	tracker := presence.New(reg, dir, router)
	tracker.Attach(reg)
	st := memory.New()
	svc := service.NewConversationService(st, dir, router, tracker)
	gw := New(reg, svc, cfg, nil)
	router.SetSender(gw)
	return &harness{gw: gw, reg: reg, tracker: tracker, store: st}
}

func raw(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestGateway_SendMessageFlow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)
	h.gw.OnConnect(ctx, "sB", "B", b)

	if len(a.of(event.TypeUserOnline)) != 1 {
		t.Fatalf("A must see B online, frames %+v", a.frames)
	}

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeSendMessage, map[string]any{
		"recipientId": "B", "content": "hi", "clientRef": "r1",
	}))

	if got := b.of(event.TypeNewMessage); len(got) != 1 {
		t.Fatalf("B new_message = %d", len(got))
	}
	sent := a.of(event.TypeMessageSent)
	if len(sent) != 1 {
		t.Fatalf("A message_sent = %d", len(sent))
	}
	var ack event.MessageSent
	_ = json.Unmarshal(sent[0].Payload, &ack)
	if ack.ClientRef != "r1" || ack.Status != string(domain.StatusDelivered) {
		t.Fatalf("ack = %+v", ack)
	}
	if len(a.of(event.TypeNewMessage)) != 0 {
		t.Fatalf("sender must not get new_message")
	}

	h.gw.OnInboundEvent(ctx, "sB", raw(t, event.TypeMarkMessageRead, map[string]any{"messageId": ack.MessageID}))
	if len(a.of(event.TypeMessageRead)) != 1 {
		t.Fatalf("A must get message_read")
	}
	// повторное чтение не шлёт уведомление
	h.gw.OnInboundEvent(ctx, "sB", raw(t, event.TypeMarkMessageRead, map[string]any{"messageId": ack.MessageID}))
	if len(a.of(event.TypeMessageRead)) != 1 {
		t.Fatalf("repeated read must be silent")
	}
}

func TestGateway_ValidationErrorGoesToOriginOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)
	h.gw.OnConnect(ctx, "sB", "B", b)

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeSendMessage, map[string]any{
		"recipientId": "B", "content": "   ", "clientRef": "r2",
	}))
	e := a.lastError(t)
	if e.Code != CodeValidation || e.Ref != "r2" {
		t.Fatalf("error = %+v", e)
	}
	if len(b.of(event.TypeNewMessage)) != 0 || len(b.of(event.TypeMessageError)) != 0 {
		t.Fatalf("B must see nothing")
	}
	if n, _ := h.store.CountMessages(ctx); n != 0 {
		t.Fatalf("nothing persisted, got %d", n)
	}
}

func TestGateway_MalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a := &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)

	h.gw.OnInboundEvent(ctx, "sA", []byte("{not json"))
	if e := a.lastError(t); e.Code != CodeValidation {
		t.Fatalf("malformed: %+v", e)
	}
	h.gw.OnInboundEvent(ctx, "sA", raw(t, "dance", map[string]any{}))
	if e := a.lastError(t); e.Code != CodeUnknownEvent || e.Ref != "dance" {
		t.Fatalf("unknown: %+v", e)
	}
	// события неизвестной сессии игнорируются
	h.gw.OnInboundEvent(ctx, "ghost", raw(t, event.TypeTypingStart, map[string]any{"peerId": "A"}))
}

func TestGateway_UserJoinMustMatchAuthenticatedUser(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a := &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeUserJoin, map[string]any{"userId": "A"}))
	if len(a.of(event.TypeMessageError)) != 0 {
		t.Fatalf("join as self must succeed")
	}
	if got := h.reg.SessionsFor("A"); len(got) != 1 {
		t.Fatalf("join must be idempotent, sessions %v", got)
	}

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeUserJoin, map[string]any{"userId": "B"}))
	if e := a.lastError(t); e.Code != CodeForbidden {
		t.Fatalf("join as other: %+v", e)
	}
	if h.reg.IsOnline("B") {
		t.Fatalf("B must stay offline")
	}
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, Config{RatePerSecond: 0.001, Burst: 2})
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)
	h.gw.OnConnect(ctx, "sB", "B", b)

	for i := 0; i < 3; i++ {
		h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeTypingStart, map[string]any{"peerId": "B"}))
	}
	if got := len(b.of(event.TypeUserTyping)); got != 2 {
		t.Fatalf("typing frames = %d, want 2", got)
	}
	if e := a.lastError(t); e.Code != CodeRateLimited {
		t.Fatalf("error = %+v", e)
	}
}

func TestGateway_DisconnectStopsTypingAndGoesOffline(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "sA", "A", a)
	h.gw.OnConnect(ctx, "sB", "B", b)

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeTypingStart, map[string]any{"peerId": "B"}))
	if !h.tracker.IsTypingTo("A", "B") {
		t.Fatalf("A must be typing to B")
	}

	h.gw.OnDisconnect(ctx, "sA")
	if h.tracker.IsTypingTo("A", "B") {
		t.Fatalf("typing must be cleared")
	}
	if got := len(b.of(event.TypeUserStoppedTyping)); got != 1 {
		t.Fatalf("stopped_typing frames = %d, want 1", got)
	}
	if got := len(b.of(event.TypeUserOffline)); got != 1 {
		t.Fatalf("offline frames = %d, want 1", got)
	}
	if h.gw.SessionCount() != 1 {
		t.Fatalf("sessions = %d", h.gw.SessionCount())
	}

	// повторный disconnect безопасен
	h.gw.OnDisconnect(ctx, "sA")
	if got := len(b.of(event.TypeUserOffline)); got != 1 {
		t.Fatalf("offline must fire once, got %d", got)
	}
}

func TestGateway_DisconnectKeepsTypingFromOtherSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a1, a2, b := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "sA1", "A", a1)
	h.gw.OnConnect(ctx, "sA2", "A", a2)
	h.gw.OnConnect(ctx, "sB", "B", b)

	h.gw.OnInboundEvent(ctx, "sA1", raw(t, event.TypeTypingStart, map[string]any{"peerId": "B"}))
	h.gw.OnInboundEvent(ctx, "sA2", raw(t, event.TypeTypingStart, map[string]any{"peerId": "B"}))

	h.gw.OnDisconnect(ctx, "sA1")
	if !h.tracker.IsTypingTo("A", "B") {
		t.Fatalf("A still types to B from sA2")
	}
	if got := len(b.of(event.TypeUserStoppedTyping)); got != 0 {
		t.Fatalf("stopped_typing frames = %d, want 0", got)
	}

	// последняя печатающая сессия уходит: stop отправляется один раз
	h.gw.OnDisconnect(ctx, "sA2")
	if h.tracker.IsTypingTo("A", "B") {
		t.Fatalf("typing must be cleared")
	}
	if got := len(b.of(event.TypeUserStoppedTyping)); got != 1 {
		t.Fatalf("stopped_typing frames = %d, want 1", got)
	}
}

func TestGateway_SendToFullQueueFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{full: true}
	h.gw.OnConnect(ctx, "sA", "A", a)
	h.gw.OnConnect(ctx, "sB", "B", b)

	h.gw.OnInboundEvent(ctx, "sA", raw(t, event.TypeSendMessage, map[string]any{"recipientId": "B", "content": "x"}))
	sent := a.of(event.TypeMessageSent)
	if len(sent) != 1 {
		t.Fatalf("sender ack missing")
	}
	var ack event.MessageSent
	_ = json.Unmarshal(sent[0].Payload, &ack)
	if ack.Status != string(domain.StatusSent) {
		t.Fatalf("failed delivery must keep status sent, got %s", ack.Status)
	}

	if err := h.gw.Send("nope", event.Online("A")); !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("unknown session err = %v", err)
	}
}

func TestGateway_ReconnectSameSessionClosesOld(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	old, fresh := &fakeConn{}, &fakeConn{}
	h.gw.OnConnect(ctx, "s1", "A", old)
	h.gw.OnConnect(ctx, "s1", "A", fresh)
	if !old.closed {
		t.Fatalf("old conn must be closed")
	}
	if h.gw.SessionCount() != 1 || len(h.reg.SessionsFor("A")) != 1 {
		t.Fatalf("one session expected")
	}
}

func TestCodeOf(t *testing.T) {
	cases := map[error]string{
		domain.Invalid("x", "y"):    CodeValidation,
		domain.ErrMessageNotFound:   CodeNotFound,
		domain.ErrNotSender:         CodeForbidden,
		errUnknownEvent:             CodeUnknownEvent,
		errors.New("disk on fire"): CodeInternal,
	}
	for err, want := range cases {
		if got := CodeOf(err); got != want {
			t.Fatalf("CodeOf(%v) = %s, want %s", err, got, want)
		}
	}
}
