package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/acta/internal/model"
	"github.com/LeventeLantos/acta/internal/repo"
	"github.com/LeventeLantos/acta/internal/scheduler"
	"github.com/LeventeLantos/acta/internal/service"
)

const maxWebhookBody = 1 << 20

type Pipeline interface {
	Process(ctx context.Context, in model.InboundMessage) error
	RecordDeliveryStatus(ctx context.Context, carrierID, status string) error
}

type DigestRunner interface {
	Run(ctx context.Context) (service.DigestResult, error)
}

type OutboundLister interface {
	ListOutbound(ctx context.Context, limit, offset int) ([]model.Message, error)
}

// Deps collects what the HTTP surface needs. Sched may be nil when no
// background job is configured.
type Deps struct {
	Sched         *scheduler.Scheduler
	Pipeline      Pipeline
	Digest        DigestRunner
	Messages      OutboundLister
	WebhookSecret string
	DigestEnabled bool
	Logger        *zap.Logger
}

type Handler struct {
	sched         *scheduler.Scheduler
	pipeline      Pipeline
	digest        DigestRunner
	messages      OutboundLister
	secret        string
	digestEnabled bool
	log           *zap.Logger
	now           func() time.Time
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if d.WebhookSecret == "" {
		log.Warn("webhook secret not configured, signatures will not be verified")
	}
	return &Handler{
		sched:         d.Sched,
		pipeline:      d.Pipeline,
		digest:        d.Digest,
		messages:      d.Messages,
		secret:        d.WebhookSecret,
		digestEnabled: d.DigestEnabled,
		log:           log,
		now:           time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// InboundSMS handles the carrier's message webhook.
func (h *Handler) InboundSMS(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		sig, ts := signatureFrom(r.Header)
		if !VerifySignature(h.secret, body, sig, ts) {
			h.log.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	if ev := eventType(body); ev != "" && ev != "message.received" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "event": ev})
		return
	}

	in, err := NormalizeInbound(body, h.now().UTC())
	if err != nil {
		h.log.Warn("malformed inbound webhook", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.pipeline.Process(r.Context(), in); err != nil {
		h.log.Error("inbound processing failed",
			zap.String("carrier_message_id", in.CarrierMessageID),
			zap.Error(err),
		)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type deliveryReport struct {
	CarrierMsgID   json.RawMessage `json:"carrier_msg_id"`
	ID             json.RawMessage `json:"id"`
	Status         string          `json:"status"`
	DeliveryStatus string          `json:"delivery_status"`
}

// DeliveryReport records a carrier delivery receipt against the outbound row.
func (h *Handler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	var dr deliveryReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&dr); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	carrierID := scalar(dr.CarrierMsgID)
	if carrierID == "" {
		carrierID = scalar(dr.ID)
	}
	status := dr.Status
	if status == "" {
		status = dr.DeliveryStatus
	}
	if carrierID == "" || status == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	err := h.pipeline.RecordDeliveryStatus(r.Context(), carrierID, status)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		h.log.Info("delivery report for unknown message", zap.String("carrier_message_id", carrierID))
		writeJSON(w, http.StatusOK, map[string]any{"status": "unknown_message"})
	case err != nil:
		h.log.Error("record delivery status", zap.String("carrier_message_id", carrierID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (h *Handler) RunDigest(w http.ResponseWriter, r *http.Request) {
	if !h.digestEnabled {
		writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
		return
	}

	res, err := h.digest.Run(r.Context())
	if err != nil {
		h.log.Error("digest run failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"course":        res.Course,
		"summary":       res.Summary,
		"totalMessages": res.TotalMessages,
		"generatedAt":   res.GeneratedAt,
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		http.Error(w, "no scheduler configured", http.StatusNotFound)
		return
	}
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.running()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		http.Error(w, "no scheduler configured", http.StatusNotFound)
		return
	}
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.running()})
}

func (h *Handler) running() bool {
	return h.sched != nil && h.sched.IsRunning()
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.messages.ListOutbound(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func eventType(body []byte) string {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
		return ""
	}
	return env.Data.EventType
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
