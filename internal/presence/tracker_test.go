package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/directory/memdir"
	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/registry"
)

type pushed struct {
	to     domain.UserID // пусто для broadcast
	except domain.UserID
	ev     event.Event
}

type fakePusher struct {
	mu  sync.Mutex
	out []pushed
}

func (f *fakePusher) Deliver(_ context.Context, to domain.UserID, ev event.Event) delivery.Result {
	f.mu.Lock()
	f.out = append(f.out, pushed{to: to, ev: ev})
	f.mu.Unlock()
	return delivery.Result{UserID: to}
}

func (f *fakePusher) Broadcast(_ context.Context, ev event.Event, except domain.UserID) {
	f.mu.Lock()
	f.out = append(f.out, pushed{except: except, ev: ev})
	f.mu.Unlock()
}

func (f *fakePusher) ofType(typ string) []pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []pushed
	for _, p := range f.out {
		if p.ev.Type == typ {
			res = append(res, p)
		}
	}
	return res
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*registry.Registry, *Tracker, *fakePusher, *memdir.Directory, *clock) {
	t.Helper()
	reg := registry.New()
	dir := memdir.New(memdir.AcceptUnknown())
	push := &fakePusher{}
	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := New(reg, dir, push, WithTypingTTL(3*time.Second), WithClock(clk.now))
	tr.Attach(reg)
	return reg, tr, push, dir, clk
}

func TestTyping_ExpiresLazily(t *testing.T) {
	_, tr, _, _, clk := setup(t)

	tr.SetTyping("a", "b")
	if !tr.IsTypingTo("a", "b") {
		t.Fatalf("typing flag must be set")
	}
	if tr.IsTypingTo("b", "a") {
		t.Fatalf("typing is directional")
	}
	clk.advance(5 * time.Second)
	if tr.IsTypingTo("a", "b") {
		t.Fatalf("flag must expire after ttl without typing_stop")
	}
}

func TestTyping_ClearEarly(t *testing.T) {
	_, tr, _, _, _ := setup(t)
	tr.SetTyping("a", "b")
	if !tr.ClearTyping("a", "b") {
		t.Fatalf("clear must report an active flag")
	}
	if tr.IsTypingTo("a", "b") || tr.ClearTyping("a", "b") {
		t.Fatalf("flag must be gone")
	}
}

func TestSweep_NotifiesPeer(t *testing.T) {
	_, tr, push, _, clk := setup(t)
	tr.SetTyping("a", "b")
	tr.SetTyping("a", "c")
	clk.advance(time.Second)
	tr.SetTyping("a", "c") // продлили

	clk.advance(2500 * time.Millisecond)
	if n := tr.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got := push.ofType(event.TypeUserStoppedTyping)
	if len(got) != 1 || got[0].to != "b" {
		t.Fatalf("stopped typing pushes = %+v", got)
	}
}

func TestOnline_BroadcastOnce(t *testing.T) {
	reg, tr, push, dir, _ := setup(t)

	reg.Register("b", "s1")
	reg.Register("b", "s2")
	if !tr.IsOnline("b") {
		t.Fatalf("b must be online")
	}
	on := push.ofType(event.TypeUserOnline)
	if len(on) != 1 || on[0].except != "b" {
		t.Fatalf("user_online broadcasts = %+v", on)
	}
	if p, ok := dir.Presence("b"); !ok || !p.Online {
		t.Fatalf("directory presence = %+v", p)
	}
}

func TestOffline_LastSeenAndTypingCleared(t *testing.T) {
	reg, tr, push, dir, clk := setup(t)

	reg.Register("a", "s1")
	tr.SetTyping("a", "b")
	clk.advance(time.Second)
	reg.Unregister("s1")

	ts, ok := tr.LastSeen("a")
	if !ok || !ts.Equal(clk.now()) {
		t.Fatalf("lastSeen = %v ok=%v", ts, ok)
	}
	if p, _ := dir.Presence("a"); p.Online || !p.LastSeen.Equal(ts) {
		t.Fatalf("directory not updated: %+v", p)
	}
	if tr.IsTypingTo("a", "b") {
		t.Fatalf("disconnect must stop typing")
	}
	stopped := push.ofType(event.TypeUserStoppedTyping)
	if len(stopped) != 1 || stopped[0].to != "b" {
		t.Fatalf("stopped typing = %+v", stopped)
	}
	if off := push.ofType(event.TypeUserOffline); len(off) != 1 {
		t.Fatalf("user_offline broadcasts = %d", len(off))
	}
}

func TestHandle_StaleTransitionDropped(t *testing.T) {
	reg, tr, push, _, _ := setup(t)
	reg.Register("a", "s1")

	// запоздалый offline при живой сессии
	tr.Handle(context.Background(), registry.Transition{UserID: "a", Online: false})
	if off := push.ofType(event.TypeUserOffline); len(off) != 0 {
		t.Fatalf("stale offline broadcast")
	}
	tr.Handle(context.Background(), registry.Transition{UserID: "a", Online: true})
	if on := push.ofType(event.TypeUserOnline); len(on) != 1 {
		t.Fatalf("duplicate online broadcast: %d", len(on))
	}
}

func TestPresence_MatchesRegistryUnderRace(t *testing.T) {
	reg, tr, push, _, _ := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := string(rune('a' + i))
			reg.Register("u", sid)
			reg.Unregister(sid)
		}(i)
	}
	wg.Wait()
	reg.Register("u", "final")

	if !tr.IsOnline("u") {
		t.Fatalf("u must be online")
	}
	on := len(push.ofType(event.TypeUserOnline))
	off := len(push.ofType(event.TypeUserOffline))
	// рассылки чередуются, последним всегда идёт online
	if on != off+1 {
		t.Fatalf("online=%d offline=%d, want online = offline+1", on, off)
	}
}
