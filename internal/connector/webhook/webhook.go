// Package webhook receives push-based channel events: Meta's subscription
// handshake, signed deliveries, and decoding into canonical events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Config holds per-channel webhook configuration.
type Config struct {
	ChannelID string
	// AppSecret verifies the X-Hub-Signature-256 HMAC of each delivery.
	// If empty, BearerToken is checked instead.
	AppSecret string
	// BearerToken for Authorization header auth. Used if AppSecret is empty.
	BearerToken string
	// VerifyToken answers the GET subscription handshake.
	VerifyToken string
}

// DecodeFunc turns a delivery body into canonical events.
type DecodeFunc func(body []byte) ([]protocol.InboundEvent, error)

// Handler serves one channel's webhook endpoint.
type Handler struct {
	config  Config
	decode  DecodeFunc
	handler connector.InboundHandler
	logger  *slog.Logger
}

// New creates a webhook handler.
func New(cfg Config, decode DecodeFunc, handler connector.InboundHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		decode:  decode,
		handler: handler,
		logger:  logger.With("component", "webhook", "channel", cfg.ChannelID),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// verify answers the hub.challenge handshake Meta performs when subscribing.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.config.VerifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(h.config.VerifyToken)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, body) {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	events, err := h.decode(body)
	if err != nil {
		h.logger.Warn("undecodable delivery", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// A failed event makes the platform redeliver the batch; ingest is
	// idempotent on native ids so replays are harmless.
	failed := 0
	for _, ev := range events {
		if err := h.handler(r.Context(), h.config.ChannelID, ev); err != nil {
			failed++
			h.logger.Error("webhook handler error", "native_id", ev.NativeID, "kind", ev.Kind, "error", err)
		}
	}
	if failed > 0 {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "events": len(events)})
}

func (h *Handler) authenticate(r *http.Request, body []byte) bool {
	if h.config.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, h.config.AppSecret, sig)
	}
	if h.config.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+h.config.BearerToken
	}
	// No auth configured (development)
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expectedMAC, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// ComputeSignature generates the X-Hub-Signature-256 value for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
