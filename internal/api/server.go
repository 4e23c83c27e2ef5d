package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/h1v3-io/inbox/internal/logbuf"
	"github.com/h1v3-io/inbox/internal/pipeline"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// TenantHeader carries the tenant of every tenant-scoped request.
const TenantHeader = "X-Tenant-ID"

// LogQuerier abstracts log entry querying.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// ChannelStatus describes a registered channel for the health endpoint.
type ChannelStatus struct {
	ID     string                `json:"id"`
	Tenant string                `json:"tenant"`
	Kind   protocol.ChannelKind  `json:"kind"`
	State  protocol.SessionState `json:"state"`
}

// InboxService is the interface the API server needs from the engine.
type InboxService interface {
	ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
	GetTicket(ctx context.Context, tenantID, id string) (*protocol.Ticket, error)
	ListMessages(ctx context.Context, tenantID, ticketID string, limit int) ([]*protocol.Message, error)
	Compose(ctx context.Context, tenantID, ticketID string, req pipeline.ComposeRequest) ([]*protocol.Message, error)
	MarkRead(ctx context.Context, tenantID, ticketID string) (*protocol.Ticket, error)
	UpdateTicket(ctx context.Context, tenantID, ticketID string, u pipeline.TicketUpdate) (*protocol.Ticket, error)
	DeleteMessage(ctx context.Context, tenantID, messageID string) (*protocol.Message, error)
	RetryMessage(ctx context.Context, tenantID, messageID string) (*protocol.Message, error)
	CancelScheduled(ctx context.Context, tenantID, messageID string) error
	EditScheduled(ctx context.Context, tenantID, messageID, body string, at time.Time) (*protocol.Message, error)
	HandleEvent(ctx context.Context, channelID string, ev protocol.InboundEvent) error
	ChannelTenant(channelID string) (string, bool)
	Channels() []ChannelStatus
	Webhook(channelID string) (http.Handler, bool)
}

// Config holds API server configuration.
type Config struct {
	Host        string
	Port        int
	Key         string // API key for Bearer auth
	CORSOrigins []string
}

// Server is the inbox REST API server.
type Server struct {
	svc    InboxService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	events *eventValidator
	srv    *http.Server
}

// NewServer creates a new API server. logs and ws may be nil.
func NewServer(svc InboxService, cfg Config, logger *slog.Logger, logs LogQuerier, ws http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With("component", "api"),
		logs:   logs,
		events: newEventValidator(),
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.HandleFunc("/webhooks/{id}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/logs", s.handleGetLogs)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Get("/api/tickets", s.handleListTickets)
			r.Get("/api/tickets/{id}", s.handleGetTicket)
			r.Put("/api/tickets/{id}", s.handleUpdateTicket)
			r.Get("/api/tickets/{id}/messages", s.handleListMessages)
			r.Post("/api/tickets/{id}/messages", s.handleCompose)
			r.Post("/api/tickets/{id}/read", s.handleMarkRead)
			r.Delete("/api/messages/{id}", s.handleDeleteMessage)
			r.Post("/api/messages/{id}/retry", s.handleRetry)
			r.Delete("/api/messages/{id}/schedule", s.handleCancelSchedule)
			r.Put("/api/messages/{id}/schedule", s.handleEditSchedule)
			r.Post("/api/channels/{id}/events", s.handleEvent)
			if ws != nil {
				r.Handle("/api/ws", ws)
			}
		})
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("access_token")
		}
		if token != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TenantOf(r) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": TenantHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TenantOf returns the request tenant from the header, or the tenant query
// parameter for WebSocket upgrades.
func TenantOf(r *http.Request) string {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	channels := s.svc.Channels()
	status := "ok"
	for _, ch := range channels {
		if ch.State != protocol.SessionOpen {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "channels": channels})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h, ok := s.svc.Webhook(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		Component: q.Get("component"),
		TicketID:  q.Get("ticket_id"),
		TenantID:  TenantOf(r),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(strings.ToUpper(lvl))
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine error taxonomy onto HTTP statuses. Unclassified
// errors are logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, protocol.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, protocol.ErrWindowExpired):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
