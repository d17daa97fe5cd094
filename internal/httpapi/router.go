package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/acme/acf/pkg/acfauth"
	"github.com/acme/acf/pkg/acfobs"
	"github.com/acme/acf/pkg/gateway"
)

// Server wires the Dispatcher, an optional acfauth.Validator, and an
// optional acfobs.Manager into a chi router.
type Server struct {
	dispatcher *Dispatcher
	auth       *acfauth.Validator
	obs        *acfobs.Manager
	corsConfig cors.Options
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth guards every route except /health and the metrics endpoint
// with JWT bearer authentication.
func WithAuth(v *acfauth.Validator) ServerOption {
	return func(s *Server) { s.auth = v }
}

// WithObservability exposes obs's Prometheus handler at /metrics.
func WithObservability(obs *acfobs.Manager) ServerOption {
	return func(s *Server) { s.obs = obs }
}

// WithCORS overrides the default permissive CORS policy.
func WithCORS(opts cors.Options) ServerOption {
	return func(s *Server) { s.corsConfig = opts }
}

// NewServer builds a Server around dispatcher.
func NewServer(dispatcher *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: dispatcher,
		corsConfig: cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: false,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router. Call once at startup.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.New(s.corsConfig).Handler)

	r.Get("/health", s.handleHealth)

	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if s.auth != nil {
			v1.Use(s.auth.Middleware)
		}
		v1.Post("/messages", s.handleMessage)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type messageRequest struct {
	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	InterlocutorID string `json:"interlocutor_id"`
	Channel        string `json:"channel"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	Tier           string `json:"tier"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TenantID == "" || req.AgentID == "" || req.InterlocutorID == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, agent_id, interlocutor_id and channel are required")
		return
	}

	tier := gateway.Tier(req.Tier)
	if tier == "" {
		tier = gateway.TierFree
	}

	result, err := s.dispatcher.Admit(r.Context(), InboundMessage{
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		InterlocutorID: req.InterlocutorID,
		Channel:        req.Channel,
		MessageID:      req.MessageID,
		Content:        req.Content,
		Tier:           tier,
		At:             time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result.Action == gateway.ActionReject {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "rejected",
			"reason": result.Reason,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "accepted",
		"action":      string(result.Action),
		"session_key": result.SessionKey.String(),
		"workflow_id": result.WorkflowID,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
