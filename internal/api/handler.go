package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/stdkeep/internal/access"
	"github.com/kalambet/stdkeep/internal/refresh"
	"github.com/kalambet/stdkeep/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// StandardsStore is the storage surface the HTTP handlers need.
type StandardsStore interface {
	CreateStandard(std storage.Standard) error
	GetStandard(key string) (storage.Standard, error)
	SaveStandard(std storage.Standard) error
	ListStandards(limit, offset int) ([]storage.Standard, error)
	GetVersions(key string, limit int) ([]storage.StandardVersion, error)
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Store  StandardsStore
	Facade *access.Facade
	Queue  *refresh.Queue
	Token  string
	Now    func() time.Time
}

// NewHandler builds the management API. Everything except /health requires
// bearer auth.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/standards", handleListStandards(deps))
		r.Post("/standards", handleCreateStandard(deps))
		r.Get("/standards/{key}", handleGetStandard(deps))
		r.Patch("/standards/{key}", handlePatchStandard(deps))
		r.Post("/standards/{key}/refresh", handleTriggerRefresh(deps))
		r.Get("/standards/{key}/versions", handleListVersions(deps))
		r.Get("/queue/status", handleQueueStatus(deps))
	})

	return r
}

// standardResponse is the wire shape for a standard.
type standardResponse struct {
	Key                    string   `json:"key"`
	Title                  string   `json:"title,omitempty"`
	Language               string   `json:"language,omitempty"`
	Name                   string   `json:"name,omitempty"`
	Version                string   `json:"version,omitempty"`
	Sources                []string `json:"sources,omitempty"`
	Content                string   `json:"content,omitempty"`
	ContentHash            string   `json:"content_hash,omitempty"`
	CreatedAt              string   `json:"created_at"`
	LastUpdatedAt          string   `json:"last_updated_at"`
	LastAccessedAt         string   `json:"last_accessed_at,omitempty"`
	AccessCount            int64    `json:"access_count"`
	AutoUpdateEnabled      bool     `json:"auto_update_enabled"`
	FreshnessThresholdSecs int64    `json:"freshness_threshold_secs,omitempty"`
	LastRefreshAttemptAt   string   `json:"last_refresh_attempt_at,omitempty"`
	LastRefreshSuccessAt   string   `json:"last_refresh_success_at,omitempty"`
	ConsecutiveFailures    int      `json:"consecutive_failures"`
	RefreshInFlight        bool     `json:"refresh_in_flight"`
}

func toResponse(std storage.Standard, includeContent bool) standardResponse {
	var sources []string
	if std.Sources != "" {
		_ = json.Unmarshal([]byte(std.Sources), &sources)
	}
	resp := standardResponse{
		Key:                    std.Key,
		Title:                  std.Title,
		Language:               std.Language,
		Name:                   std.Name,
		Version:                std.Version,
		Sources:                sources,
		ContentHash:            std.ContentHash,
		CreatedAt:              std.CreatedAt.Format(time.RFC3339),
		LastUpdatedAt:          std.LastUpdatedAt.Format(time.RFC3339),
		AccessCount:            std.AccessCount,
		AutoUpdateEnabled:      std.AutoUpdateEnabled,
		FreshnessThresholdSecs: std.FreshnessThresholdSecs,
		ConsecutiveFailures:    std.ConsecutiveFailures,
		RefreshInFlight:        std.RefreshInFlight,
	}
	if includeContent {
		resp.Content = std.Content
	}
	if !std.LastAccessedAt.IsZero() {
		resp.LastAccessedAt = std.LastAccessedAt.Format(time.RFC3339)
	}
	if !std.LastRefreshAttemptAt.IsZero() {
		resp.LastRefreshAttemptAt = std.LastRefreshAttemptAt.Format(time.RFC3339)
	}
	if !std.LastRefreshSuccessAt.IsZero() {
		resp.LastRefreshSuccessAt = std.LastRefreshSuccessAt.Format(time.RFC3339)
	}
	return resp
}

type createStandardRequest struct {
	Key                    string   `json:"key"`
	Title                  string   `json:"title"`
	Language               string   `json:"language"`
	Name                   string   `json:"name"`
	Version                string   `json:"version"`
	Sources                []string `json:"sources"`
	Content                string   `json:"content"`
	AutoUpdateEnabled      *bool    `json:"auto_update_enabled"`
	FreshnessThresholdSecs int64    `json:"freshness_threshold_secs"`
}

func handleCreateStandard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createStandardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		key := req.Key
		if key == "" {
			if req.Name == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "key or name is required")
				return
			}
			key = deriveKey(req.Language, req.Name, req.Version)
		}
		if strings.ContainsAny(key, "/ ") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key must not contain slashes or spaces")
			return
		}

		sourcesJSON := "[]"
		if req.Sources != nil {
			b, err := json.Marshal(req.Sources)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal sources: %v", err)
				return
			}
			sourcesJSON = string(b)
		}

		now := deps.Now().UTC()
		std := storage.Standard{
			Key:                    key,
			Title:                  req.Title,
			Language:               req.Language,
			Name:                   req.Name,
			Version:                req.Version,
			Sources:                sourcesJSON,
			Content:                req.Content,
			ContentHash:            refresh.ContentHash(req.Content),
			CreatedAt:              now,
			LastUpdatedAt:          now,
			AutoUpdateEnabled:      req.AutoUpdateEnabled == nil || *req.AutoUpdateEnabled,
			FreshnessThresholdSecs: req.FreshnessThresholdSecs,
		}
		if err := deps.Store.CreateStandard(std); errors.Is(err, storage.ErrAlreadyExists) {
			httpError(w, http.StatusConflict, "conflict", "standard %q already exists", key)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create standard: %v", err)
			return
		}

		status := "created"
		// A standard created without content is researched right away.
		if req.Content == "" {
			if _, err := deps.Facade.TriggerRefresh(key); err != nil && !errors.Is(err, access.ErrAlreadyInFlight) {
				httpError(w, http.StatusInternalServerError, "api_error", "standard created but refresh failed to start: %v", err)
				return
			}
			status = "researching"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"key": key, "status": status})
	}
}

func handleGetStandard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		opts := access.GetOptions{
			ForceRefresh:    parseBoolParam(r, "force_refresh"),
			SkipAutoRefresh: parseBoolParam(r, "skip_auto_refresh"),
		}

		std, err := deps.Facade.Get(r.Context(), key, opts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "standard not found")
			return
		}
		if errors.Is(err, access.ErrRefreshFailed) {
			httpError(w, http.StatusBadGateway, "refresh_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get standard: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toResponse(std, true))
	}
}

func handleListStandards(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		standards, err := deps.Store.ListStandards(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list standards: %v", err)
			return
		}

		results := make([]standardResponse, len(standards))
		for i, std := range standards {
			results[i] = toResponse(std, false)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

type patchStandardRequest struct {
	Title                  *string   `json:"title"`
	Sources                *[]string `json:"sources"`
	AutoUpdateEnabled      *bool     `json:"auto_update_enabled"`
	FreshnessThresholdSecs *int64    `json:"freshness_threshold_secs"`
}

func handlePatchStandard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req patchStandardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		std, err := deps.Store.GetStandard(key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "standard not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get standard: %v", err)
			return
		}

		if req.Title != nil {
			std.Title = *req.Title
		}
		if req.Sources != nil {
			b, err := json.Marshal(*req.Sources)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal sources: %v", err)
				return
			}
			std.Sources = string(b)
		}
		if req.AutoUpdateEnabled != nil {
			std.AutoUpdateEnabled = *req.AutoUpdateEnabled
		}
		if req.FreshnessThresholdSecs != nil {
			std.FreshnessThresholdSecs = *req.FreshnessThresholdSecs
		}

		if err := deps.Store.SaveStandard(std); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save standard: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toResponse(std, false))
	}
}

func handleTriggerRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		taskID, err := deps.Facade.TriggerRefresh(key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "standard not found")
			return
		}
		if errors.Is(err, access.ErrAlreadyInFlight) {
			httpError(w, http.StatusConflict, "conflict", "refresh already in flight")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to trigger refresh: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "status": "queued"})
	}
}

func handleListVersions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		limit := parseIntParam(r, "limit", 10, 50)

		if _, err := deps.Store.GetStandard(key); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "standard not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get standard: %v", err)
			return
		}

		versions, err := deps.Store.GetVersions(key, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list versions: %v", err)
			return
		}

		type versionResponse struct {
			ID          string `json:"id"`
			ContentHash string `json:"content_hash"`
			CreatedAt   string `json:"created_at"`
		}
		results := make([]versionResponse, len(versions))
		for i, v := range versions {
			results[i] = versionResponse{
				ID:          v.ID,
				ContentHash: v.ContentHash,
				CreatedAt:   v.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Queue.Status())
	}
}

// deriveKey builds the canonical key for a standard: language.name@version,
// with empty parts dropped.
func deriveKey(language, name, version string) string {
	key := name
	if language != "" {
		key = language + "." + name
	}
	if version != "" {
		key = fmt.Sprintf("%s@%s", key, version)
	}
	return key
}

func parseBoolParam(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
