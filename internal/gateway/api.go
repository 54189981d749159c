package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/store"
	"github.com/convoai/convoai/pkg/models"
)

// registerAPI mounts the REST management surface: conversation CRUD
// and tool server registration CRUD, all bearer-authenticated.
func (s *Server) registerAPI(mux *http.ServeMux, authed func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(s.instrument(fn)))
	}

	handle("POST /api/v1/conversations", s.handleCreateConversation)
	handle("GET /api/v1/conversations", s.handleListConversations)
	handle("GET /api/v1/conversations/{id}", s.handleGetConversation)
	handle("DELETE /api/v1/conversations/{id}", s.handleDeleteConversation)
	handle("POST /api/v1/conversations/{id}/end", s.handleEndConversation)
	handle("GET /api/v1/conversations/{id}/messages", s.handleListMessages)

	handle("POST /api/v1/tool-servers", s.handleCreateToolServer)
	handle("GET /api/v1/tool-servers", s.handleListToolServers)
	handle("GET /api/v1/tool-servers/{id}", s.handleGetToolServer)
	handle("PUT /api/v1/tool-servers/{id}", s.handleUpdateToolServer)
	handle("DELETE /api/v1/tool-servers/{id}", s.handleDeleteToolServer)
}

type createConversationRequest struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), identity.Subject, req.Title, req.SystemPrompt)
	if err != nil {
		s.apiError(w, err)
		return
	}

	s.emitter.ConversationLifecycle(&analytics.ConversationLifecycle{
		ConversationID: conv.ID,
		Subject:        identity.Subject,
		Action:         "created",
		Timestamp:      time.Now().UTC(),
	})
	s.emitter.Activity(&analytics.Activity{
		Subject:   identity.Subject,
		Kind:      analytics.ActivityConversationStarted,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"conversation_id": conv.ID},
	})
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	conversations, err := s.store.ListConversations(r.Context(), identity.Subject)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id, identity); err != nil {
		s.apiError(w, err)
		return
	}
	s.emitter.ConversationLifecycle(&analytics.ConversationLifecycle{
		ConversationID: id,
		Subject:        identity.Subject,
		Action:         "deleted",
		Timestamp:      time.Now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id := r.PathValue("id")
	if err := s.store.EndConversation(r.Context(), id, identity); err != nil {
		s.apiError(w, err)
		return
	}
	s.emitter.Activity(&analytics.Activity{
		Subject:   identity.Subject,
		Kind:      analytics.ActivityConversationEnded,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"conversation_id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	messages, err := s.store.ListMessages(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

type toolServerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	EndpointURL string `json:"endpoint_url"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleCreateToolServer(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req toolServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.EndpointURL == "" {
		http.Error(w, "name and endpoint_url are required", http.StatusBadRequest)
		return
	}

	ts := &models.ToolServer{
		OwnerSubject: identity.Subject,
		Name:         req.Name,
		Description:  req.Description,
		EndpointURL:  req.EndpointURL,
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateToolServer(r.Context(), ts); err != nil {
		s.apiError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ts)
}

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	servers, err := s.store.ListToolServers(r.Context(), identity.Subject, false)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if servers == nil {
		servers = []*models.ToolServer{}
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetToolServer(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	ts, err := s.store.GetToolServer(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleUpdateToolServer(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	existing, err := s.store.GetToolServer(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.apiError(w, err)
		return
	}

	var req toolServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Description != "" {
		existing.Description = req.Description
	}
	if req.EndpointURL != "" {
		existing.EndpointURL = req.EndpointURL
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := s.store.UpdateToolServer(r.Context(), existing, identity); err != nil {
		s.apiError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteToolServer(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	if err := s.store.DeleteToolServer(r.Context(), r.PathValue("id"), identity); err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiError maps store errors onto HTTP statuses.
func (s *Server) apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrConversationEnded):
		http.Error(w, "conversation ended", http.StatusConflict)
	default:
		s.logger.Error("api request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
