// Package httpapi exposes the REST surface and the client websocket
// transport of the relay.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/irisfeng/vapi-cn/internal/config"
	"github.com/irisfeng/vapi-cn/internal/observability"
	"github.com/irisfeng/vapi-cn/internal/relay"
	"github.com/irisfeng/vapi-cn/internal/stepfun"
	"github.com/irisfeng/vapi-cn/internal/store"
)

// UpstreamFactory builds the speech service client for one session. The
// session is the handler, so the client cannot exist before the session does.
type UpstreamFactory func(assistant store.Assistant, handler stepfun.Handler) relay.Upstream

type Server struct {
	cfg      config.Config
	store    store.Store
	registry *relay.Registry
	metrics  *observability.Metrics
	upstream UpstreamFactory
	upgrader websocket.Upgrader
}

func New(cfg config.Config, st store.Store, registry *relay.Registry, metrics *observability.Metrics, upstream UpstreamFactory) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		metrics:  metrics,
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleInfo)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/assistants", s.handleCreateAssistant)
	r.Get("/v1/assistants", s.handleListAssistants)
	r.Get("/v1/assistants/{id}", s.handleGetAssistant)
	r.Delete("/v1/assistants/{id}", s.handleDeleteAssistant)

	r.Post("/v1/conversations", s.handleCreateConversation)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)

	r.Get("/ws/conversations/{id}", s.handleConversationWS)

	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service":         "vapi-relay",
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createAssistantRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt"`
	Voice        string `json:"voice"`
	Model        string `json:"model"`
}

func (s *Server) handleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req createAssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "missing_name", "name is required")
		return
	}

	a := store.Assistant{
		Name:         req.Name,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
		Voice:        req.Voice,
		Model:        req.Model,
	}
	if a.SystemPrompt == "" {
		a.SystemPrompt = s.cfg.StepFunSystemPrompt
	}
	if a.Voice == "" {
		a.Voice = s.cfg.StepFunVoice
	}
	if a.Model == "" {
		a.Model = s.cfg.StepFunModel
	}

	created, err := s.store.CreateAssistant(r.Context(), a)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAssistants(w http.ResponseWriter, r *http.Request) {
	assistants, err := s.store.ListAssistants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"assistants": assistants})
}

func (s *Server) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAssistant(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "assistant_not_found", "no such assistant")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == store.DefaultAssistantID {
		respondError(w, http.StatusBadRequest, "protected_assistant", "the default assistant cannot be deleted")
		return
	}
	err := s.store.DeleteAssistant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "assistant_not_found", "no such assistant")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

type createConversationRequest struct {
	AssistantID string `json:"assistant_id"`
	UserID      string `json:"user_id"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != nil {
		// An empty body means the default assistant.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.AssistantID == "" {
		req.AssistantID = store.DefaultAssistantID
	}

	if _, err := s.store.GetAssistant(r.Context(), req.AssistantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "assistant_not_found", "no such assistant")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	c, err := s.store.CreateConversation(r.Context(), store.Conversation{
		ID:          uuid.NewString(),
		AssistantID: req.AssistantID,
		UserID:      req.UserID,
		Status:      "created",
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

type conversationResponse struct {
	store.Conversation
	Active   bool            `json:"active"`
	Messages []relay.Message `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation_not_found", "no such conversation")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	resp := conversationResponse{Conversation: c, Messages: []relay.Message{}}
	if sess, ok := s.registry.Get(id); ok {
		resp.Active = true
		resp.Messages = sess.Messages()
	}
	respondJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
