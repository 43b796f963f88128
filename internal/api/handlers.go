package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lingodrill/internal/auth"
	"lingodrill/internal/core"
	"lingodrill/internal/store"
)

const tokenTTL = 24 * time.Hour

// unknownTaskPlaceholder stands in for history rows whose task has been
// deleted from the catalog; dangling references are expected, not errors.
const unknownTaskPlaceholder = "(unknown task)"

type APIHandler struct {
	catalog   *core.Catalog
	scheduler *core.Scheduler
	recorder  *core.Recorder
	store     store.Store
	log       *zap.Logger
	jwtSecret string
	apiKey    string
}

func NewAPIHandler(catalog *core.Catalog, scheduler *core.Scheduler, recorder *core.Recorder,
	st store.Store, log *zap.Logger, jwtSecret, apiKey string) *APIHandler {
	return &APIHandler{
		catalog:   catalog,
		scheduler: scheduler,
		recorder:  recorder,
		store:     st,
		log:       log,
		jwtSecret: jwtSecret,
		apiKey:    apiKey,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if _, err := auth.ValidateToken(h.jwtSecret, tokenString); err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type TokenRequest struct {
	APIKey string `json:"api_key"`
}

func (h *APIHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.APIKey == "" || req.APIKey != h.apiKey {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(h.jwtSecret, "transport", tokenTTL)
	if err != nil {
		h.log.Error("failed to generate token", zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// UserRef identifies the user behind a session event; username and
// full_name keep the user directory current on every contact.
type UserRef struct {
	UID      int64   `json:"uid"`
	Username *string `json:"username,omitempty"`
	FullName string  `json:"full_name,omitempty"`
}

type NextTaskRequest struct {
	UserRef
}

type NextTaskResponse struct {
	Exhausted    bool            `json:"exhausted"`
	Redelivered  bool            `json:"redelivered,omitempty"`
	AssignmentID int64           `json:"assignment_id,omitempty"`
	TaskID       int64           `json:"task_id,omitempty"`
	Task         *store.TaskData `json:"task,omitempty"`
	AskedAt      *time.Time      `json:"asked_at,omitempty"`
}

func (h *APIHandler) NextTaskHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req NextTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UID == 0 {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}

	if err := h.touchUser(r, req.UserRef); err != nil {
		h.log.Error("failed to touch user", zap.Int64("uid", req.UID), zap.Error(err))
		http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
		return
	}

	result, err := h.scheduler.Next(r.Context(), chatID, req.UID)
	if err != nil {
		if errors.Is(err, core.ErrExhausted) {
			// Normal outcome: the caller should suggest broadening the filter.
			json.NewEncoder(w).Encode(NextTaskResponse{Exhausted: true})
			return
		}
		h.log.Error("failed to pick next task", zap.Int64("chat_id", chatID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	a := result.Assignment
	json.NewEncoder(w).Encode(NextTaskResponse{
		Redelivered:  result.Redelivered,
		AssignmentID: a.ID,
		TaskID:       a.TaskID,
		Task:         &a.TaskData,
		AskedAt:      &a.AskedAt,
	})
}

type SubmitAnswerRequest struct {
	UserRef
	Answer string `json:"answer"`
}

func (h *APIHandler) SubmitAnswerHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req SubmitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UID == 0 {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}
	if req.Answer == "" {
		http.Error(w, "Answer cannot be empty", http.StatusBadRequest)
		return
	}

	if err := h.touchUser(r, req.UserRef); err != nil {
		h.log.Error("failed to touch user", zap.Int64("uid", req.UID), zap.Error(err))
		http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
		return
	}

	graded, err := h.recorder.Grade(r.Context(), chatID, req.UID, req.Answer)
	if err != nil {
		if errors.Is(err, core.ErrNoOutstandingAssignment) {
			http.Error(w, "No outstanding assignment for this session", http.StatusConflict)
			return
		}
		h.log.Error("failed to grade answer", zap.Int64("chat_id", chatID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(graded)
}

type SetFilterRequest struct {
	Filter string `json:"filter"`
}

func (h *APIHandler) SetFilterHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req SetFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Filter) == "" {
		http.Error(w, "Filter cannot be empty, use DELETE to clear it", http.StatusBadRequest)
		return
	}

	if err := h.store.SetSessionFilter(r.Context(), chatID, &req.Filter); err != nil {
		h.log.Error("failed to set filter", zap.Int64("chat_id", chatID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearFilterHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "chatID")
	if !ok {
		return
	}
	if err := h.store.SetSessionFilter(r.Context(), chatID, nil); err != nil {
		h.log.Error("failed to clear filter", zap.Int64("chat_id", chatID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetFilterHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "chatID")
	if !ok {
		return
	}
	filter, err := h.store.SessionFilter(r.Context(), chatID)
	if err != nil {
		h.log.Error("failed to get filter", zap.Int64("chat_id", chatID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]*string{"filter": filter})
}

func (h *APIHandler) FilterInfoHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := h.catalog.FilterInfo(r.Context())
	if err != nil {
		h.log.Error("failed to collect filter info", zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(infos)
}

type UpsertTaskRequest struct {
	Tags map[string]string `json:"tags"`
	Data store.TaskData    `json:"data"`
}

func (h *APIHandler) UpsertTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req UpsertTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Data.MaskedSentence == "" {
		http.Error(w, "Task needs a masked sentence", http.StatusBadRequest)
		return
	}

	id, err := h.catalog.Upsert(r.Context(), req.Tags, req.Data)
	if err != nil {
		h.log.Error("failed to upsert task", zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

func (h *APIHandler) DeactivateTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathID(w, r, "taskID")
	if !ok {
		return
	}
	if err := h.catalog.Deactivate(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to deactivate task", zap.Int64("task_id", taskID), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) QueryTasksHandler(w http.ResponseWriter, r *http.Request) {
	filter := core.ParseFilter(r.URL.Query().Get("filter"))
	tasks, err := h.catalog.Query(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to query tasks", zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	json.NewEncoder(w).Encode(tasks)
}

func (h *APIHandler) UserStatsHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.pathID(w, r, "uid")
	if !ok {
		return
	}
	period := 24 * time.Hour
	if p := r.URL.Query().Get("period"); p != "" {
		parsed, err := time.ParseDuration(p)
		if err != nil {
			http.Error(w, "Invalid period: "+err.Error(), http.StatusBadRequest)
			return
		}
		period = parsed
	}

	stat, err := h.store.UserStats(r.Context(), uid, period)
	if err != nil {
		h.log.Error("failed to query user stats", zap.Int64("uid", uid), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(stat)
}

type AnswerView struct {
	store.GradedAnswer
	TaskSentence string `json:"task_sentence"`
}

func (h *APIHandler) UserAnswersHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.pathID(w, r, "uid")
	if !ok {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	answers, err := h.store.AnswersByUser(r.Context(), uid, limit)
	if err != nil {
		h.log.Error("failed to query answers", zap.Int64("uid", uid), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	views := make([]AnswerView, 0, len(answers))
	for _, answer := range answers {
		view := AnswerView{GradedAnswer: answer, TaskSentence: unknownTaskPlaceholder}
		task, err := h.store.TaskByID(r.Context(), answer.TaskID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.log.Error("failed to resolve task for answer", zap.Int64("task_id", answer.TaskID), zap.Error(err))
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		if task != nil {
			view.TaskSentence = task.Data.Sentence
		}
		views = append(views, view)
	}
	json.NewEncoder(w).Encode(views)
}

func (h *APIHandler) touchUser(r *http.Request, ref UserRef) error {
	fullName := ref.FullName
	if fullName == "" {
		fullName = strconv.FormatInt(ref.UID, 10)
	}
	isNew, err := h.store.TouchUser(r.Context(), ref.UID, ref.Username, fullName)
	if err != nil {
		return err
	}
	if isNew {
		h.log.Info("new user", zap.Int64("uid", ref.UID), zap.String("full_name", fullName))
	}
	return nil
}

// pathID parses a numeric URL parameter, writing a 400 on failure.
func (h *APIHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
