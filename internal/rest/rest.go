// Package rest implements the bridge's external REST surface: health,
// agent mappings, a single mapping lookup, the webhook endpoint, and
// conversation-binding seeding. Routing is built on github.com/go-chi/chi/v5
// rather than a hand-rolled path-prefix switch, which doesn't scale past a
// handful of routes as cleanly as a real router.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/webhook"
	"github.com/agentbridge/bridge/pkg/logger"
)

// HealthStatus is the REST health status enum.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSource reports the current aggregate health of the bridge's
// components; cmd/bridge's healthSource implements it.
type HealthSource interface {
	Health(ctx context.Context) HealthReport
}

// HealthReport is the payload for GET /health.
type HealthReport struct {
	Status              HealthStatus `json:"status"`
	ActiveIdentities    int          `json:"active_identities"`
	LiveClientSessions  int          `json:"live_client_sessions"`
	DegradedComponents  []string     `json:"degraded_components,omitempty"`
}

// Mapping is one agent_id -> {mxid, room_id, name} entry.
type Mapping struct {
	AgentID string `json:"agent_id"`
	MXID    string `json:"mxid"`
	RoomID  string `json:"room_id"`
	Name    string `json:"name"`
}

// IdentityLister is the read surface the REST layer needs from the
// Identity Store for the mappings endpoints.
type IdentityLister interface {
	ListActive(ctx context.Context) ([]*model.AgentIdentity, error)
	GetByAgentID(ctx context.Context, agentID string) (*model.AgentIdentity, error)
}

// ConversationRegistrar seeds a ConversationBinding for POST /conversations/register.
type ConversationRegistrar interface {
	Register(ctx context.Context, roomID, agentID, userScope string) (conversationID string, err error)
}

// Server is the REST External Interface Layer surface.
type Server struct {
	router        chi.Router
	health        HealthSource
	identities    IdentityLister
	conversations ConversationRegistrar
	webhook       *webhook.Ingress
	log           *logger.Logger
}

// New constructs the REST server and wires its routes.
func New(health HealthSource, identities IdentityLister, conversations ConversationRegistrar, wh *webhook.Ingress, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{health: health, identities: identities, conversations: conversations, webhook: wh, log: log.WithComponent("rest")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/agents/mappings", s.handleMappings)
	r.Get("/agents/{agent_id}/room", s.handleAgentRoom)
	r.Post("/webhooks/agent-response", wh.ServeHTTP)
	r.Post("/conversations/register", s.handleRegisterConversation)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Health(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	ags, err := s.identities.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	mappings := make([]Mapping, 0, len(ags))
	for _, ag := range ags {
		mappings = append(mappings, Mapping{AgentID: ag.AgentID, MXID: ag.MXID, RoomID: ag.RoomID, Name: ag.AgentName})
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleAgentRoom(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	ag, err := s.identities.GetByAgentID(r.Context(), agentID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, Mapping{AgentID: ag.AgentID, MXID: ag.MXID, RoomID: ag.RoomID, Name: ag.AgentName})
}

func (s *Server) handleRegisterConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    string `json:"room_id"`
		AgentID   string `json:"agent_id"`
		UserScope string `json:"user_scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" || req.AgentID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	convID, err := s.conversations.Register(r.Context(), req.RoomID, req.AgentID, req.UserScope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": convID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
