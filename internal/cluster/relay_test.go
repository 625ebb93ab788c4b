package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"

	"github.com/nats-io/nats.go"
)

// bus: синхронная шина в памяти между relay разных узлов.
type bus struct {
	mu   sync.Mutex
	subs []nats.MsgHandler
}

func (b *bus) PublishMsg(m *nats.Msg) error {
	b.mu.Lock()
	subs := append([]nats.MsgHandler(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s(m)
	}
	return nil
}

func (b *bus) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	b.subs = append(b.subs, cb)
	b.mu.Unlock()
	return nil, nil
}

type recorder struct {
	mu  sync.Mutex
	got map[domain.UserID][]event.Event
}

func (r *recorder) DeliverLocal(_ context.Context, to domain.UserID, ev event.Event) delivery.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[domain.UserID][]event.Event{}
	}
	r.got[to] = append(r.got[to], ev)
	return delivery.Result{UserID: to}
}

func TestRelay_CrossNodeDelivery(t *testing.T) {
	b := &bus{}
	localA, localB := &recorder{}, &recorder{}
	nodeA := NewRelay(b, "node-a", localA)
	nodeB := NewRelay(b, "node-b", localB)
	if err := nodeA.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}

	if err := nodeA.Publish(context.Background(), "user.with dots", event.Read("m1", "r", time.Unix(1, 0))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(localA.got) != 0 {
		t.Fatalf("origin node must ignore its own publication")
	}
	evs := localB.got["user.with dots"]
	if len(evs) != 1 || evs[0].Type != event.TypeMessageRead {
		t.Fatalf("node b got %+v", localB.got)
	}
	raw, ok := evs[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type %T", evs[0].Payload)
	}
	var p event.MessageRead
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID != "m1" {
		t.Fatalf("payload = %s err=%v", raw, err)
	}
}

func TestSubject_TokenSafe(t *testing.T) {
	if got := Subject("abc-1_2"); got != "deliver.abc-1_2" {
		t.Fatalf("plain id changed: %s", got)
	}
	s := Subject("a.b c")
	tok := s[len("deliver."):]
	back, err := decodeToken(tok)
	if err != nil || back != "a.b c" {
		t.Fatalf("round trip: %q %v", back, err)
	}
	if back, _ := decodeToken(token("b64x")); back != "b64x" {
		t.Fatalf("prefix collision: %q", back)
	}
}
