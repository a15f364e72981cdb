package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/models"
	"github.com/ahmadkeyhan/sorrel/internal/ratelimit"
	"github.com/ahmadkeyhan/sorrel/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store   store.SummonStore
	limiter *ratelimit.Limiter
}

type createSummonRequest struct {
	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
	TokenNumber int    `json:"token_number"`
	Seat        int    `json:"seat"`
	Intention   string `json:"intention"`
}

type summonActionRequest struct {
	RequestID string `json:"request_id"`
	StaffID   string `json:"staff_id"`
}

type summonResponse struct {
	models.Summon
	Status string `json:"status"`
}

type createSummonResponse struct {
	summonResponse
	RemainingToday int `json:"remaining_summons_today"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type rateLimitedResponse struct {
	RequestID      string        `json:"request_id"`
	Error          responseError `json:"error"`
	RemainingMS    int64         `json:"remaining_ms"`
	RemainingToday int           `json:"remaining_summons_today"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.SummonStore, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		store:   store,
		limiter: limiter,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/summons", h.handleSummons)
	mux.HandleFunc("/api/summons/limit", h.handleLimit)
	mux.HandleFunc("/api/summons/", h.handleSummonSubtree)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSummons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateSummon(w, r)
	case http.MethodGet:
		h.handleListOpenSummons(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateSummon(w http.ResponseWriter, r *http.Request) {
	var req createSummonRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Fingerprint = strings.TrimSpace(req.Fingerprint)
	req.Intention = strings.TrimSpace(req.Intention)

	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if !models.ValidIntention(req.Intention) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_intention", "intention must be one of order, menu_question, complaint, other")
		return
	}
	if req.TokenNumber <= 0 && req.Seat <= 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_origin", "token_number or seat is required")
		return
	}

	now := time.Now().UTC()

	// Advisory pre-check so most over-limit requests never reach the
	// write path. The store re-validates inside its transaction.
	decision, err := h.limiter.CheckLimit(r.Context(), req.Fingerprint, now)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if !decision.Allowed {
		writeRateLimited(w, req.RequestID, decision)
		return
	}

	input := store.CreateSummonInput{
		RequestID:   req.RequestID,
		Fingerprint: req.Fingerprint,
		Seat:        req.Seat,
		Intention:   req.Intention,
		CreatedAt:   now,
	}
	if req.TokenNumber > 0 {
		token, err := h.store.ResolveToken(r.Context(), req.TokenNumber)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		input.TokenID = token.TokenID
		input.TokenNumber = token.Number
		input.Seat = token.Seat
	}

	summon, _, err := h.store.CreateSummon(r.Context(), input)
	if err != nil {
		if errors.Is(err, store.ErrRateLimited) {
			// Lost the race against a concurrent create; fetch the
			// countdown the client should display. If the re-read
			// already allows again, fall through to the plain 429.
			decision, checkErr := h.limiter.CheckLimit(r.Context(), req.Fingerprint, time.Now().UTC())
			if checkErr == nil && !decision.Allowed {
				writeRateLimited(w, req.RequestID, decision)
				return
			}
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	remaining := 0
	if after, err := h.limiter.CheckLimit(r.Context(), req.Fingerprint, time.Now().UTC()); err == nil {
		remaining = after.RemainingToday
	}

	writeJSON(w, http.StatusOK, createSummonResponse{
		summonResponse: summonResponse{Summon: summon, Status: summon.Status()},
		RemainingToday: remaining,
	})
}

func (h *Handler) handleListOpenSummons(w http.ResponseWriter, r *http.Request) {
	summons, err := h.store.ListOpenSummons(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	payload := make([]summonResponse, 0, len(summons))
	for _, summon := range summons {
		payload = append(payload, summonResponse{Summon: summon, Status: summon.Status()})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fingerprint := strings.TrimSpace(r.URL.Query().Get("fingerprint"))
	decision, err := h.limiter.CheckLimit(r.Context(), fingerprint, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleSummonSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/summons/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetSummon(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		h.handleSummonEvents(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleSummonAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetSummon(w http.ResponseWriter, r *http.Request, summonID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(summonID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "summon_id must be a UUID")
		return
	}

	summon, err := h.store.GetSummon(r.Context(), summonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, summonResponse{Summon: summon, Status: summon.Status()})
}

func (h *Handler) handleSummonEvents(w http.ResponseWriter, r *http.Request, summonID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(summonID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "summon_id must be a UUID")
		return
	}

	events, err := h.store.ListSummonEvents(r.Context(), summonID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleSummonAction(w http.ResponseWriter, r *http.Request, summonID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(summonID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "summon_id must be a UUID")
		return
	}

	var req summonActionRequest
	if !decodeActionRequest(w, r, &req) {
		return
	}

	staffID := req.StaffID
	if session, ok := sessionFromContext(r.Context()); ok {
		staffID = session.Name
	}
	if staffID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "staff_id is required")
		return
	}

	input := store.SummonActionInput{
		RequestID:  req.RequestID,
		SummonID:   summonID,
		StaffID:    staffID,
		OccurredAt: time.Now().UTC(),
	}

	var summon models.Summon
	var err error
	switch action {
	case "start":
		summon, _, err = h.store.StartHandling(r.Context(), input)
	case "resolve":
		summon, _, err = h.store.MarkResolved(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, summonResponse{Summon: summon, Status: summon.Status()})
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/"), "/")
	number, err := strconv.Atoi(raw)
	if err != nil || number <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token number must be a positive integer")
		return
	}

	token, err := h.store.ResolveToken(r.Context(), number)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request, req *summonActionRequest) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return false
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "summon limit reached"
	case errors.Is(err, store.ErrSummonNotFound):
		return http.StatusNotFound, "summon_not_found", "summon not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved", "summon already resolved"
	case errors.Is(err, store.ErrInvalidIntention):
		return http.StatusBadRequest, "invalid_intention", "invalid intention"
	case errors.Is(err, store.ErrInvalidOrigin):
		return http.StatusBadRequest, "invalid_origin", "token_number or seat is required"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeRateLimited(w http.ResponseWriter, requestID string, decision ratelimit.Decision) {
	writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    "rate_limited",
			Message: decision.Message,
		},
		RemainingMS:    decision.RemainingMS,
		RemainingToday: decision.RemainingToday,
	})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
