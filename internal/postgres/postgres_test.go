package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cwrk-planet/messenger/config"
	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Тесты ходят в живую базу; без MESSENGER_TEST_POSTGRES_DSN пропускаются.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("MESSENGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MESSENGER_TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.Postgres{DSN: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := ApplySchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE read_receipts, message_reactions, messages, conversations, users`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestMessageRepo_Lifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewMessageRepo(pool, 1000)

	if _, err := repo.CreateMessage(ctx, domain.NewMessage{SenderID: "a", RecipientID: "b"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty content: %v", err)
	}

	m1, err := repo.CreateMessage(ctx, domain.NewMessage{SenderID: "a", RecipientID: "b", Content: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m2, err := repo.CreateMessage(ctx, domain.NewMessage{SenderID: "b", RecipientID: "a", Content: "yo"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m1.ConversationID != m2.ConversationID {
		t.Fatalf("pair must share a conversation")
	}

	page, err := repo.ListConversation(ctx, "b", "a", "", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != m2.ID || page.NextCursor == "" {
		t.Fatalf("page1 = %+v", page)
	}
	page, err = repo.ListConversation(ctx, "a", "b", page.NextCursor, 1)
	if err != nil || len(page.Messages) != 1 || page.Messages[0].ID != m1.ID || page.NextCursor != "" {
		t.Fatalf("page2 = %+v err=%v", page, err)
	}

	got, changed, err := repo.MarkDelivered(ctx, m1.ID)
	if err != nil || !changed || got.Status != domain.StatusDelivered {
		t.Fatalf("delivered: %+v %v %v", got, changed, err)
	}
	got, changed, err = repo.MarkRead(ctx, m1.ID, "b")
	if err != nil || !changed || got.Status != domain.StatusRead || len(got.ReadBy) != 1 {
		t.Fatalf("read: %+v %v %v", got, changed, err)
	}
	if _, changed, _ = repo.MarkRead(ctx, m1.ID, "b"); changed {
		t.Fatalf("second read must be a no-op")
	}
	if got, _, _ = repo.MarkDelivered(ctx, m1.ID); got.Status != domain.StatusRead {
		t.Fatalf("status regressed to %s", got.Status)
	}
	if _, _, err = repo.MarkRead(ctx, m1.ID, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("sender read: %v", err)
	}

	if _, err = repo.SetReaction(ctx, m1.ID, "b", "🔥"); err != nil {
		t.Fatalf("react: %v", err)
	}
	got, err = repo.SetReaction(ctx, m1.ID, "b", "❤️")
	if err != nil || len(got.Reactions) != 1 || got.Reactions["b"] != "❤️" {
		t.Fatalf("reactions = %v err=%v", got.Reactions, err)
	}

	sums, err := repo.ListConversationsFor(ctx, "a")
	if err != nil || len(sums) != 1 || sums[0].PeerID != "b" || sums[0].UnreadCount != 1 {
		t.Fatalf("summaries = %+v err=%v", sums, err)
	}

	if _, _, err = repo.SoftDelete(ctx, m2.ID, "a"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign delete: %v", err)
	}
	if _, _, err = repo.SoftDelete(ctx, m2.ID, "c"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("outsider delete: %v", err)
	}
	if _, changed, err = repo.SoftDelete(ctx, m2.ID, "b"); err != nil || !changed {
		t.Fatalf("delete: %v %v", changed, err)
	}
	if sums, _ = repo.ListConversationsFor(ctx, "a"); len(sums) != 1 || sums[0].LastMessage.ID != m1.ID || sums[0].UnreadCount != 0 {
		t.Fatalf("summaries after delete = %+v", sums)
	}
	if n, _ := repo.CountMessages(ctx); n != 2 {
		t.Fatalf("count = %d", n)
	}
}

func TestMessageRepo_MarkConversationRead(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewMessageRepo(pool, 1000)
	repo.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		if _, err := repo.CreateMessage(ctx, domain.NewMessage{SenderID: "a", RecipientID: "b", Content: "x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	changed, err := repo.MarkConversationRead(ctx, "b", "a")
	if err != nil || len(changed) != 3 {
		t.Fatalf("changed=%d err=%v", len(changed), err)
	}
	if again, _ := repo.MarkConversationRead(ctx, "b", "a"); len(again) != 0 {
		t.Fatalf("repeat changed %d", len(again))
	}
}

func TestUserRepo(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepo(pool)

	if err := users.Upsert(ctx, domain.DisplayInfo{UserID: "a", Username: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	info, err := users.GetDisplayInfo(ctx, "a")
	if err != nil || info.DisplayName != "Alice" || info.Avatar != "" {
		t.Fatalf("info = %+v err=%v", info, err)
	}
	if ok, _ := users.UserExists(ctx, "zz"); ok {
		t.Fatalf("unknown user exists")
	}
	if err := users.UpdatePresence(ctx, "a", true, time.Now()); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := users.UpdatePresence(ctx, "zz", true, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("presence unknown: %v", err)
	}
}
