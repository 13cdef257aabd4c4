package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/conversation"
	"github.com/wolfman30/whatsapp-scheduler/internal/events"
	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	observemetrics "github.com/wolfman30/whatsapp-scheduler/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const maxWebhookBody = 1 << 20

type inboundPublisher interface {
	EnqueueInbound(ctx context.Context, evt conversation.InboundEvent) error
}

type processedTracker interface {
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// ZAPIWebhookHandler accepts Z-API callbacks and queues chat messages for
// the conversation worker.
type ZAPIWebhookHandler struct {
	publisher inboundPublisher
	processed processedTracker
	token     string
	logger    *logging.Logger
	metrics   *observemetrics.WebhookMetrics
	now       func() time.Time
}

type ZAPIWebhookConfig struct {
	Publisher inboundPublisher
	Processed processedTracker
	// Token is compared with the Client-Token header when set.
	Token   string
	Logger  *logging.Logger
	Metrics *observemetrics.WebhookMetrics
}

func NewZAPIWebhookHandler(cfg ZAPIWebhookConfig) *ZAPIWebhookHandler {
	if cfg.Publisher == nil {
		panic("handlers: publisher required")
	}
	if cfg.Processed == nil {
		cfg.Processed = events.NewMemoryDeduper()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &ZAPIWebhookHandler{
		publisher: cfg.Publisher,
		processed: cfg.Processed,
		token:     strings.TrimSpace(cfg.Token),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// zapiCallback is the subset of the Z-API webhook body we read.
type zapiCallback struct {
	Type       string `json:"type"`
	Phone      string `json:"phone"`
	MessageID  string `json:"messageId"`
	FromMe     bool   `json:"fromMe"`
	IsGroup    bool   `json:"isGroup"`
	IsNewslet  bool   `json:"isNewsletter"`
	Moment     int64  `json:"momment"`
	SenderName string `json:"senderName"`
	Text       *struct {
		Message string `json:"message"`
	} `json:"text"`
	ButtonsResponse *struct {
		ButtonID string `json:"buttonId"`
		Message  string `json:"message"`
	} `json:"buttonsResponseMessage"`
	ListResponse *struct {
		SelectedRowID string `json:"selectedRowId"`
		Title         string `json:"title"`
	} `json:"listResponseMessage"`
}

func (c zapiCallback) eventType() string {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "receivedcallback":
		return conversation.EventTypeMessage
	case "messagestatuscallback", "deliverycallback":
		return conversation.EventTypeMessageStatus
	case "presencechatcallback":
		return conversation.EventTypePresence
	default:
		return conversation.EventTypeConnection
	}
}

func (c zapiCallback) body() string {
	switch {
	case c.Text != nil && c.Text.Message != "":
		return c.Text.Message
	case c.ButtonsResponse != nil:
		if c.ButtonsResponse.ButtonID != "" {
			return c.ButtonsResponse.ButtonID
		}
		return c.ButtonsResponse.Message
	case c.ListResponse != nil:
		if c.ListResponse.SelectedRowID != "" {
			return c.ListResponse.SelectedRowID
		}
		return c.ListResponse.Title
	default:
		return ""
	}
}

// Handle processes POST /webhooks/zapi.
func (h *ZAPIWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !h.authorized(r) {
		h.observe("unknown", "unauthorized")
		h.logger.Warn("zapi webhook rejected", "reason", "client token mismatch", "remote_ip", r.RemoteAddr)
		http.Error(w, "invalid client token", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var cb zapiCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		h.observe("unknown", "malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	eventType := cb.eventType()
	switch {
	case eventType != conversation.EventTypeMessage:
		h.ignore(w, eventType, "non_message")
		return
	case cb.FromMe:
		h.ignore(w, eventType, "from_me")
		return
	case cb.IsGroup || cb.IsNewslet:
		h.ignore(w, eventType, "group")
		return
	}

	phone := messaging.NormalizePhone(cb.Phone)
	if phone == "" || strings.TrimSpace(cb.MessageID) == "" {
		h.observe(eventType, "malformed")
		http.Error(w, "phone and messageId are required", http.StatusBadRequest)
		return
	}
	text := cb.body()
	if strings.TrimSpace(text) == "" {
		// media without caption, stickers, reactions
		h.ignore(w, eventType, "no_text")
		return
	}

	ctx := r.Context()
	// The claim is atomic, so concurrent redeliveries of one id enqueue once.
	if claimed, err := h.processed.MarkProcessed(ctx, events.ProviderZAPI, cb.MessageID); err != nil {
		h.logger.Error("processed claim failed", "error", err, "message_id", cb.MessageID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if !claimed {
		h.observe(eventType, "duplicate")
		WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	evt := conversation.InboundEvent{
		Phone:      phone,
		MessageID:  cb.MessageID,
		Text:       text,
		FromMe:     cb.FromMe,
		EventType:  eventType,
		ReceivedAt: h.receivedAt(cb.Moment),
	}
	if err := h.publisher.EnqueueInbound(ctx, evt); err != nil {
		h.observe(eventType, "enqueue_failed")
		h.logger.Error("failed to enqueue zapi message", "error", err, "message_id", cb.MessageID, "phone", phone)
		// Give the id back so Z-API's retry is not treated as a duplicate.
		if relErr := h.processed.Release(context.WithoutCancel(ctx), events.ProviderZAPI, cb.MessageID); relErr != nil {
			h.logger.Error("failed to release zapi message claim", "error", relErr, "message_id", cb.MessageID)
		}
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	h.observe(eventType, "accepted")
	if h.metrics != nil {
		h.metrics.ObserveWebhookLatency(eventType, time.Since(start).Seconds())
	}
	h.logger.Info("zapi message accepted", "message_id", cb.MessageID, "phone", phone)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "message_id": cb.MessageID})
}

func (h *ZAPIWebhookHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.Header.Get("Client-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *ZAPIWebhookHandler) ignore(w http.ResponseWriter, eventType, reason string) {
	h.observe(eventType, "ignored")
	h.logger.Debug("zapi callback ignored", "event_type", eventType, "reason", reason)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
}

func (h *ZAPIWebhookHandler) observe(eventType, status string) {
	if h.metrics != nil {
		h.metrics.ObserveInbound(eventType, status)
	}
}

func (h *ZAPIWebhookHandler) receivedAt(moment int64) time.Time {
	if moment > 0 {
		return time.UnixMilli(moment).UTC()
	}
	return h.now().UTC()
}

// WriteJSON writes payload as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
