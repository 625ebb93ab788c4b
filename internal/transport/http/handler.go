package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/event"
	"github.com/cwrk-planet/messenger/internal/service"
	"github.com/cwrk-planet/messenger/internal/store"
	httpmw "github.com/cwrk-planet/messenger/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
)

type Conversations interface {
	SendMessage(ctx context.Context, in service.SendInput) (service.SendResult, error)
	MarkRead(ctx context.Context, messageID string, readerID domain.UserID) (*domain.Message, error)
	MarkConversationRead(ctx context.Context, readerID, peerID domain.UserID) ([]*domain.Message, error)
	React(ctx context.Context, messageID string, userID domain.UserID, emoji string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string, requesterID domain.UserID) error
	ListConversations(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error)
	ListMessages(ctx context.Context, userID, peerID domain.UserID, cursor string, limit int) (store.Page, error)
}

type PresenceReader interface {
	Presence(userID domain.UserID) domain.Presence
}

type Handler struct {
	conv     Conversations
	presence PresenceReader
}

func NewHandler(conv Conversations, presence PresenceReader) *Handler {
	return &Handler{conv: conv, presence: presence}
}

// REST отдаёт отправителя только по id; полные display-данные приходят в new_message.
func view(m *domain.Message) event.MessageView {
	return event.ViewOf(m, domain.DisplayInfo{UserID: m.SenderID})
}

func views(ms []*domain.Message) []event.MessageView {
	out := make([]event.MessageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, view(m))
	}
	return out
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.Invalid("body", "malformed json")
	}
	return event.Check(dst)
}

// GET /api/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	uid := httpmw.UserIDFromCtx(r.Context())
	items, err := h.conv.ListConversations(r.Context(), uid)
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	resp := make([]ConversationItem, 0, len(items))
	for _, s := range items {
		resp = append(resp, ConversationItem{
			ConversationID: s.ConversationID,
			PeerID:         string(s.PeerID),
			LastMessage:    view(s.LastMessage),
			UnreadCount:    s.UnreadCount,
		})
	}
	ok(r.Context(), w, resp)
}

// GET /api/conversations/{peerId}/messages?cursor=&limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	uid := httpmw.UserIDFromCtx(r.Context())
	peer := domain.UserID(chi.URLParam(r, "peerId"))
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			fail(r.Context(), w, domain.Invalid("limit", "must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.conv.ListMessages(r.Context(), uid, peer, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	ok(r.Context(), w, MessagesPage{Items: views(page.Messages), NextCursor: page.NextCursor})
}

// POST /api/conversations/{peerId}/read
func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	uid := httpmw.UserIDFromCtx(r.Context())
	peer := domain.UserID(chi.URLParam(r, "peerId"))
	changed, err := h.conv.MarkConversationRead(r.Context(), uid, peer)
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	ids := make([]string, 0, len(changed))
	for _, m := range changed {
		ids = append(ids, m.ID)
	}
	ok(r.Context(), w, MarkReadResponse{MessageIDs: ids})
}

// POST /api/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req event.SendMessage
	if err := decode(r, &req); err != nil {
		fail(r.Context(), w, err)
		return
	}
	res, err := h.conv.SendMessage(r.Context(), service.SendInput{
		SenderID:    httpmw.UserIDFromCtx(r.Context()),
		RecipientID: domain.UserID(req.RecipientID),
		Content:     req.Content,
		Type:        domain.MessageType(req.Type),
		ReplyTo:     req.ReplyTo,
		ClientRef:   req.ClientRef,
	})
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusCreated, envelope{"data": SendResponse{
		Message:        view(res.Message),
		LiveDeliveries: res.Delivery.Delivered(),
	}})
}

// PATCH /api/messages/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	m, err := h.conv.MarkRead(r.Context(), chi.URLParam(r, "id"), httpmw.UserIDFromCtx(r.Context()))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	ok(r.Context(), w, view(m))
}

// POST /api/messages/{id}/reactions
func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := decode(r, &req); err != nil {
		fail(r.Context(), w, err)
		return
	}
	m, err := h.conv.React(r.Context(), chi.URLParam(r, "id"), httpmw.UserIDFromCtx(r.Context()), strings.TrimSpace(req.Emoji))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	ok(r.Context(), w, view(m))
}

// DELETE /api/messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.conv.DeleteMessage(r.Context(), chi.URLParam(r, "id"), httpmw.UserIDFromCtx(r.Context())); err != nil {
		fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/users/{id}/presence
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	p := h.presence.Presence(domain.UserID(chi.URLParam(r, "id")))
	resp := PresenceResponse{UserID: string(p.UserID), Online: p.Online}
	if !p.LastSeen.IsZero() {
		ls := p.LastSeen
		resp.LastSeen = &ls
	}
	ok(r.Context(), w, resp)
}
