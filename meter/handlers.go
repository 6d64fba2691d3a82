// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// Handler provides HTTP handlers for the metering admin and reporting APIs
type Handler struct {
	service *Service
}

// NewHandler creates a new metering handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers all metering routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Policy endpoints
	r.HandleFunc("/api/v1/policies/flush", h.FlushPolicies).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/policies/{entityType}/{entityID}", h.GetPolicy).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/policies/{entityType}/{entityID}", h.SavePolicy).Methods("PUT", "OPTIONS")
	r.HandleFunc("/api/v1/policies/{entityType}/{entityID}", h.DeletePolicy).Methods("DELETE", "OPTIONS")

	// Usage endpoints
	r.HandleFunc("/api/v1/usage", h.GetTotalCost).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/features", h.GetCostByFeature).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/dimensions", h.GetCostByDimension).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/leaderboard", h.GetTopEntities).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/series", h.GetCostSeries).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/events", h.ListEvents).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/report", h.GetReport).Methods("GET", "OPTIONS")

	// Rollup endpoints
	r.HandleFunc("/api/v1/rollups", h.ListRollups).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/rollups/{entityType}/{entityID}/{feature}", h.GetRollup).Methods("GET", "OPTIONS")
}

// SavePolicyRequest is the request body for upserting a tracking policy
type SavePolicyRequest struct {
	Mode     TrackingMode `json:"tracking_mode"`
	Features []string     `json:"tracking_features,omitempty"`

	// Pointer so an absent multiplier defaults to 1.0 instead of 0 (free)
	Multiplier *float64 `json:"usage_multiplier,omitempty"`
}

// GetPolicy handles GET /api/v1/policies/{entityType}/{entityID}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	policy, err := h.service.GetPolicy(r.Context(), entityFromVars(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(policy)
}

// SavePolicy handles PUT /api/v1/policies/{entityType}/{entityID}
func (h *Handler) SavePolicy(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req SavePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	multiplier := 1.0
	if req.Multiplier != nil {
		multiplier = *req.Multiplier
	}

	policy := &TrackingPolicy{
		Entity:     entityFromVars(r),
		Mode:       req.Mode,
		Features:   req.Features,
		Multiplier: multiplier,
	}

	if err := h.service.SavePolicy(r.Context(), policy); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(policy)
}

// DeletePolicy handles DELETE /api/v1/policies/{entityType}/{entityID}
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.service.DeletePolicy(r.Context(), entityFromVars(r)); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FlushPolicies handles POST /api/v1/policies/flush
func (h *Handler) FlushPolicies(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.service.FlushPolicies(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "flushed"})
}

// GetTotalCost handles GET /api/v1/usage
func (h *Handler) GetTotalCost(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	opts := queryOptions(r)

	total, err := h.service.TotalCost(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"total_cost": total,
	})
}

// GetCostByFeature handles GET /api/v1/usage/features
func (h *Handler) GetCostByFeature(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	totals, err := h.service.CostByFeature(r.Context(), queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"features": totals,
	})
}

// GetCostByDimension handles GET /api/v1/usage/dimensions
func (h *Handler) GetCostByDimension(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	totals, err := h.service.CostByDimension(r.Context(), queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"dimensions": totals,
	})
}

// GetTopEntities handles GET /api/v1/usage/leaderboard
func (h *Handler) GetTopEntities(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	totals, err := h.service.TopEntities(r.Context(), limit, queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"entities": totals,
		"limit":    limit,
	})
}

// GetCostSeries handles GET /api/v1/usage/series
func (h *Handler) GetCostSeries(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	bucket := SeriesBucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = BucketDay
	}

	points, err := h.service.CostSeries(r.Context(), bucket, queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"bucket": bucket,
		"points": points,
	})
}

// ListEvents handles GET /api/v1/usage/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	opts := queryOptions(r)

	query := r.URL.Query()
	opts.Limit = 50 // Default limit
	if limit := query.Get("limit"); limit != "" {
		opts.Limit, _ = strconv.Atoi(limit)
	}
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 50
	}
	if offset := query.Get("offset"); offset != "" {
		opts.Offset, _ = strconv.Atoi(offset)
	}

	events, total, err := h.service.ListEvents(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GetReport handles GET /api/v1/usage/report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	report, err := h.service.Report(r.Context(), queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// ListRollups handles GET /api/v1/rollups
func (h *Handler) ListRollups(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	rollups, err := h.service.ListRollups(r.Context(), queryOptions(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"rollups": rollups,
	})
}

// GetRollup handles GET /api/v1/rollups/{entityType}/{entityID}/{feature}.
// An optional month=YYYY-MM query selects a past period.
func (h *Handler) GetRollup(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	vars := mux.Vars(r)
	entity := EntityRef{Type: vars["entityType"], ID: vars["entityID"]}
	feature := vars["feature"]

	var at time.Time
	if month := r.URL.Query().Get("month"); month != "" {
		t, err := time.Parse("2006-01", month)
		if err != nil {
			h.writeError(w, "Invalid month, expected YYYY-MM", http.StatusBadRequest)
			return
		}
		at = t
	}

	rollup, err := h.service.GetRollup(r.Context(), entity, feature, at)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rollup)
}

// Helper functions

// entityFromVars reads the entity identity from the route variables
func entityFromVars(r *http.Request) EntityRef {
	vars := mux.Vars(r)
	return EntityRef{Type: vars["entityType"], ID: vars["entityID"]}
}

// queryOptions parses the shared usage query parameters
func queryOptions(r *http.Request) UsageQueryOptions {
	query := r.URL.Query()

	opts := UsageQueryOptions{
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
		Features:   query["feature"],
		Period:     query.Get("period"),
		Source:     QuerySource(query.Get("source")),
	}

	// Parse time range
	if start := query.Get("start_time"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			opts.StartTime = t
		}
	}
	if end := query.Get("end_time"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			opts.EndTime = t
		}
	}

	return opts
}

// setCORSHeaders sets CORS headers on all responses (not just OPTIONS)
func (h *Handler) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// writeServiceError maps service errors onto HTTP statuses
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrRollupNotFound):
		h.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrMissingEntity), errors.Is(err, ErrMissingFeature),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidSource),
		errors.Is(err, ErrInvalidBucket):
		h.writeError(w, err.Error(), http.StatusBadRequest)
	default:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
