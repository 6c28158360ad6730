// ABOUTME: HTTP API handlers for conversations, tasks, messages, and chat
// ABOUTME: Maps service errors onto JSON error responses and status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/attune/internal/auth"
	"github.com/2389/attune/internal/engine"
	"github.com/2389/attune/internal/store"
	"github.com/2389/attune/internal/task"
)

// ConversationResponse is the JSON shape for a conversation.
type ConversationResponse struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	TaskIDs     []string       `json:"task_ids"`
	IsActive    bool           `json:"is_active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// MessageResponse is the JSON shape for a chat message within a task.
type MessageResponse struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// TaskResponse is the JSON shape for a task. The engine's resumable state is
// deliberately absent; it is opaque and served by the conversation state
// endpoint instead.
type TaskResponse struct {
	ID                   string            `json:"id"`
	ConversationID       string            `json:"conversation_id"`
	UserMessage          string            `json:"user_message"`
	Messages             []MessageResponse `json:"messages"`
	Status               string            `json:"status"`
	Priority             string            `json:"priority"`
	Category             string            `json:"category,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	CompletionPercentage int               `json:"completion_percentage"`
	EstimatedDuration    *int              `json:"estimated_duration,omitempty"`
	ActualDuration       *int              `json:"actual_duration,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	AgentType            string            `json:"agent_type,omitempty"`
	StartedAt            string            `json:"started_at,omitempty"`
	CompletedAt          string            `json:"completed_at,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

// ListResponse wraps paginated results with the total match count.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	taskIDs := c.TaskIDs
	if taskIDs == nil {
		taskIDs = []string{}
	}
	return ConversationResponse{
		ID:          c.ID,
		UserID:      c.UserID,
		Title:       c.Title,
		Description: c.Description,
		TaskIDs:     taskIDs,
		IsActive:    c.IsActive,
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

func toTaskResponse(t *store.Task) TaskResponse {
	messages := make([]MessageResponse, len(t.Messages))
	for i, m := range t.Messages {
		messages[i] = MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		}
	}

	resp := TaskResponse{
		ID:                   t.ID,
		ConversationID:       t.ConversationID,
		UserMessage:          t.UserMessage,
		Messages:             messages,
		Status:               t.Status,
		Priority:             t.Priority,
		Category:             t.Category,
		Tags:                 t.Tags,
		CompletionPercentage: t.CompletionPercentage,
		EstimatedDuration:    t.EstimatedDuration,
		ActualDuration:       t.ActualDuration,
		Metadata:             t.Metadata,
		AgentType:            t.AgentType,
		ErrorMessage:         t.ErrorMessage,
		CreatedAt:            t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            t.UpdatedAt.Format(time.RFC3339),
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// parsePage reads pagination query parameters. The store clamps the values,
// so malformed numbers just fall back to defaults.
func parsePage(r *http.Request) store.Page {
	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 20
	}
	return store.Page{
		Skip:      skip,
		Limit:     limit,
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondError maps service errors onto HTTP status codes.
func (g *Gateway) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, task.ErrAlreadyTerminal), errors.Is(err, engine.ErrRunActive):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrEmptyMessage),
		errors.Is(err, task.ErrInvalidRole),
		errors.Is(err, task.ErrInvalidStatus),
		errors.Is(err, task.ErrInvalidPriority):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// --- Conversations ---

// CreateConversationRequest is the JSON body for POST /api/v1/conversations.
type CreateConversationRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	conv, err := g.tasks.CreateConversation(r.Context(), userID, req.Title, req.Description)
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var filter store.ConversationFilter
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		filter.IsActive = &active
	}

	convs, total, err := g.tasks.ListConversations(r.Context(), userID, filter, parsePage(r))
	if err != nil {
		g.respondError(w, err)
		return
	}

	items := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		items[i] = toConversationResponse(c)
	}
	writeJSON(w, http.StatusOK, ListResponse[ConversationResponse]{Items: items, Total: total})
}

// ConversationDetailResponse is the JSON shape for GET /api/v1/conversations/{id}.
// Tasks is only populated when ?include_tasks=true.
type ConversationDetailResponse struct {
	ConversationResponse
	Tasks []TaskResponse `json:"tasks,omitempty"`
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	includeTasks := r.URL.Query().Get("include_tasks") == "true"

	conv, tasks, err := g.tasks.GetConversation(r.Context(), userID, r.PathValue("id"), includeTasks)
	if err != nil {
		g.respondError(w, err)
		return
	}

	resp := ConversationDetailResponse{ConversationResponse: toConversationResponse(conv)}
	if includeTasks {
		resp.Tasks = make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			resp.Tasks[i] = toTaskResponse(t)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateConversationRequest is the JSON body for PUT /api/v1/conversations/{id}.
// Absent fields are left untouched; setting is_active to false archives the
// conversation without deleting its history.
type UpdateConversationRequest struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title != nil && *req.Title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title cannot be empty")
		return
	}

	conv, err := g.tasks.UpdateConversation(r.Context(), userID, r.PathValue("id"), store.ConversationUpdate{
		Title:       req.Title,
		Description: req.Description,
		IsActive:    req.IsActive,
		Metadata:    req.Metadata,
	})
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	if err := g.tasks.DeleteConversation(r.Context(), userID, r.PathValue("id")); err != nil {
		g.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationState serves the opaque resumable engine state of the
// conversation's most recently completed agent task. State is null when no
// completed task has left any.
func (g *Gateway) handleConversationState(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	conversationID := r.PathValue("id")

	state, err := g.tasks.ResumableState(r.Context(), userID, conversationID)
	if err != nil {
		g.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"state":           state,
	})
}

// --- Tasks ---

// CreateTaskRequest is the JSON body for POST /api/v1/tasks. When
// conversation_id is empty, a conversation is created around the task.
type CreateTaskRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	Priority       string         `json:"priority,omitempty"`
	Category       string         `json:"category,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	created, err := g.tasks.CreateTask(r.Context(), userID, req.ConversationID, req.Message, task.CreateOptions{
		Priority: req.Priority,
		Category: req.Category,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(created))
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	q := r.URL.Query()

	filter := store.TaskFilter{
		ConversationID: q.Get("conversation_id"),
		Status:         q.Get("status"),
		Priority:       q.Get("priority"),
		Category:       q.Get("category"),
	}
	if filter.Status != "" && !store.ValidTaskStatus(filter.Status) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status filter")
		return
	}
	if filter.Priority != "" && !store.ValidTaskPriority(filter.Priority) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid priority filter")
		return
	}

	tasks, total, err := g.tasks.ListTasks(r.Context(), userID, filter, parsePage(r))
	if err != nil {
		g.respondError(w, err)
		return
	}

	items := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		items[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, ListResponse[TaskResponse]{Items: items, Total: total})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	t, err := g.tasks.GetTask(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// UpdateTaskRequest is the JSON body for PUT /api/v1/tasks/{id}. Terminal
// status transitions are rejected here; they belong to the engine's
// completion path.
type UpdateTaskRequest struct {
	Status               *string        `json:"status,omitempty"`
	Priority             *string        `json:"priority,omitempty"`
	Category             *string        `json:"category,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	CompletionPercentage *int           `json:"completion_percentage,omitempty"`
	EstimatedDuration    *int           `json:"estimated_duration,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := g.tasks.UpdateTask(r.Context(), userID, r.PathValue("id"), store.TaskUpdate{
		Status:               req.Status,
		Priority:             req.Priority,
		Category:             req.Category,
		Tags:                 req.Tags,
		CompletionPercentage: req.CompletionPercentage,
		EstimatedDuration:    req.EstimatedDuration,
		Metadata:             req.Metadata,
	})
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	if err := g.tasks.DeleteTask(r.Context(), userID, r.PathValue("id")); err != nil {
		g.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AppendMessageRequest is the JSON body for POST /api/v1/tasks/{id}/messages.
// Only assistant and system messages can be appended; the user message is
// fixed at task creation.
type AppendMessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := g.tasks.AppendMessage(r.Context(), userID, r.PathValue("id"), req.Role, req.Content, req.Metadata)
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(updated))
}

// handleTaskMessages serves the task's full message sequence in append order.
func (g *Gateway) handleTaskMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	t, err := g.tasks.GetTask(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		g.respondError(w, err)
		return
	}

	messages := make([]MessageResponse, len(t.Messages))
	for i, m := range t.Messages {
		messages[i] = MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  t.ID,
		"messages": messages,
	})
}

func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	taskID := r.PathValue("id")

	if err := g.chat.CancelTask(r.Context(), userID, taskID); err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancelling"})
}

// --- Chat ---

// ChatRequest is the JSON body for POST /api/v1/chat and the continue endpoint.
type ChatRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// handleChat accepts a plain user message and creates a pending task for it.
// No engine run is started; streaming runs go through the continue endpoint
// or the WebSocket agent_chat frame.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.chat.ProcessMessage(r.Context(), userID, req.ConversationID, req.Message, req.Metadata)
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleChatContinue resumes the conversation's care team with a new message.
// The run streams over the realtime hub while it executes; the response body
// carries the finished task with the assistant's replies.
func (g *Gateway) handleChatContinue(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustUserFromContext(r.Context())
	conversationID := r.PathValue("conversation_id")

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.chat.ProcessAgentMessage(r.Context(), userID, conversationID, req.Message, req.Metadata)
	if err != nil {
		g.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
