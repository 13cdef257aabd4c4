package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	"github.com/wolfman30/whatsapp-scheduler/internal/conversation"
	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

type conversationResetter interface {
	Reset(ctx context.Context, phone string) (*conversation.Conversation, error)
}

type waitlistLister interface {
	ListWaitlist(ctx context.Context, limit int) ([]bookings.WaitlistEntry, error)
}

// AdminConversationsHandler serves operator endpoints to inspect and reset
// a patient's conversation.
type AdminConversationsHandler struct {
	store    conversation.Store
	engine   conversationResetter
	waitlist waitlistLister
	logger   *logging.Logger
}

// NewAdminConversationsHandler creates a new admin conversations handler.
// waitlist may be nil.
func NewAdminConversationsHandler(store conversation.Store, engine conversationResetter, waitlist waitlistLister, logger *logging.Logger) *AdminConversationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminConversationsHandler{
		store:    store,
		engine:   engine,
		waitlist: waitlist,
		logger:   logger,
	}
}

// ConversationDetailResponse is the operator view of one conversation.
type ConversationDetailResponse struct {
	ID        string               `json:"id"`
	Phone     string               `json:"phone"`
	State     conversation.State   `json:"state"`
	Context   conversation.Context `json:"context"`
	Version   int64                `json:"version"`
	CreatedAt string               `json:"created_at"`
	UpdatedAt string               `json:"updated_at"`
}

func newConversationDetail(conv *conversation.Conversation) ConversationDetailResponse {
	return ConversationDetailResponse{
		ID:        conv.ID,
		Phone:     conv.Phone,
		State:     conv.State,
		Context:   conv.Context,
		Version:   conv.Version,
		CreatedAt: conv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: conv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// GetConversation handles GET /admin/conversations/{phone}.
func (h *AdminConversationsHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	phone := messaging.NormalizePhone(chi.URLParam(r, "phone"))
	if phone == "" {
		http.Error(w, "phone required", http.StatusBadRequest)
		return
	}
	conv, err := h.store.Get(r.Context(), phone)
	if err != nil {
		h.writeStoreError(w, phone, err)
		return
	}
	WriteJSON(w, http.StatusOK, newConversationDetail(conv))
}

// ResetConversation handles POST /admin/conversations/{phone}/reset.
func (h *AdminConversationsHandler) ResetConversation(w http.ResponseWriter, r *http.Request) {
	phone := messaging.NormalizePhone(chi.URLParam(r, "phone"))
	if phone == "" {
		http.Error(w, "phone required", http.StatusBadRequest)
		return
	}
	conv, err := h.engine.Reset(r.Context(), phone)
	if err != nil {
		h.writeStoreError(w, phone, err)
		return
	}
	h.logger.Info("admin reset conversation", "phone", phone, "version", conv.Version)
	WriteJSON(w, http.StatusOK, newConversationDetail(conv))
}

// ListWaitlist handles GET /admin/waitlist.
func (h *AdminConversationsHandler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	if h.waitlist == nil {
		http.Error(w, "waitlist not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}
	entries, err := h.waitlist.ListWaitlist(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list waitlist", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []bookings.WaitlistEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *AdminConversationsHandler) writeStoreError(w http.ResponseWriter, phone string, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrMalformedInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("admin conversation request failed", "error", err, "phone", phone)
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
