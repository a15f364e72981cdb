package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/models"
	"github.com/ahmadkeyhan/sorrel/internal/ratelimit"
	"github.com/ahmadkeyhan/sorrel/internal/store"
)

type fakeStore struct {
	createFn  func(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error)
	getFn     func(ctx context.Context, summonID string) (models.Summon, error)
	listFn    func(ctx context.Context) ([]models.Summon, error)
	timesFn   func(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error)
	startFn   func(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error)
	resolveFn func(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error)
	tokenFn   func(ctx context.Context, number int) (models.Token, error)
	outboxFn  func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	eventsFn  func(ctx context.Context, summonID string) ([]store.SummonEvent, error)
	sessionFn func(ctx context.Context, sessionID string) (store.Session, error)
}

func (f fakeStore) CreateSummon(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
	if f.createFn == nil {
		return models.Summon{}, false, nil
	}
	return f.createFn(ctx, input)
}

func (f fakeStore) GetSummon(ctx context.Context, summonID string) (models.Summon, error) {
	if f.getFn == nil {
		return models.Summon{}, store.ErrSummonNotFound
	}
	return f.getFn(ctx, summonID)
}

func (f fakeStore) ListOpenSummons(ctx context.Context) ([]models.Summon, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx)
}

func (f fakeStore) SummonTimesSince(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error) {
	if f.timesFn == nil {
		return nil, nil
	}
	return f.timesFn(ctx, fingerprint, since)
}

func (f fakeStore) StartHandling(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
	if f.startFn == nil {
		return models.Summon{}, false, nil
	}
	return f.startFn(ctx, input)
}

func (f fakeStore) MarkResolved(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
	if f.resolveFn == nil {
		return models.Summon{}, false, nil
	}
	return f.resolveFn(ctx, input)
}

func (f fakeStore) ResolveToken(ctx context.Context, number int) (models.Token, error) {
	if f.tokenFn == nil {
		return models.Token{}, store.ErrTokenNotFound
	}
	return f.tokenFn(ctx, number)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if f.outboxFn == nil {
		return nil, nil
	}
	return f.outboxFn(ctx, after, limit)
}

func (f fakeStore) ListSummonEvents(ctx context.Context, summonID string) ([]store.SummonEvent, error) {
	if f.eventsFn == nil {
		return nil, nil
	}
	return f.eventsFn(ctx, summonID)
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.sessionFn == nil {
		return store.Session{}, store.ErrSessionNotFound
	}
	return f.sessionFn(ctx, sessionID)
}

func newTestHandler(st fakeStore) *Handler {
	limiter := ratelimit.New(st, ratelimit.Config{})
	return NewHandler(st, limiter)
}

func TestCreateSummonSuccess(t *testing.T) {
	createdAt := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
			return models.Summon{
				SummonID:  "99999999-9999-9999-9999-999999999999",
				Seat:      input.Seat,
				Intention: input.Intention,
				CreatedAt: createdAt,
				RequestID: input.RequestID,
			}, true, nil
		},
	}

	h := newTestHandler(st)

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"seat":        4,
		"intention":   "order",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var decoded struct {
		SummonID       string `json:"summon_id"`
		Status         string `json:"status"`
		RemainingToday int    `json:"remaining_summons_today"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.SummonID == "" || decoded.Status != models.StatusPending {
		t.Fatalf("unexpected summon response: %+v", decoded)
	}
	if decoded.RemainingToday != 3 {
		t.Fatalf("expected 3 remaining, got %d", decoded.RemainingToday)
	}
}

func TestCreateSummonInvalidIntention(t *testing.T) {
	h := newTestHandler(fakeStore{})

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"seat":        4,
		"intention":   "water_balloon",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestCreateSummonMissingOrigin(t *testing.T) {
	h := newTestHandler(fakeStore{})

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"intention":   "other",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestCreateSummonCooldownRejected(t *testing.T) {
	st := fakeStore{
		timesFn: func(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error) {
			return []time.Time{time.Now().UTC().Add(-5 * time.Minute)}, nil
		},
		createFn: func(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
			t.Fatal("create should not be reached during cooldown")
			return models.Summon{}, false, nil
		},
	}

	h := newTestHandler(st)

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"seat":        4,
		"intention":   "order",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}

	var decoded rateLimitedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited code, got %q", decoded.Error.Code)
	}
	if decoded.RemainingMS <= 0 {
		t.Fatalf("expected positive countdown, got %d", decoded.RemainingMS)
	}
	if decoded.RemainingToday != 2 {
		t.Fatalf("expected 2 remaining, got %d", decoded.RemainingToday)
	}
}

func TestCreateSummonStoreRateLimited(t *testing.T) {
	// timesFn stays empty: the limiter re-read says allowed even though
	// the store rejected, so the response must not echo an allowed
	// decision with a zero countdown.
	st := fakeStore{
		createFn: func(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
			return models.Summon{}, false, store.ErrRateLimited
		},
	}

	h := newTestHandler(st)

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"seat":        4,
		"intention":   "order",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if allowed, ok := decoded["allowed"].(bool); ok && allowed {
		t.Fatalf("rejection body must not claim allowed: %v", decoded)
	}
	errField, ok := decoded["error"].(map[string]interface{})
	if !ok || errField["code"] != "rate_limited" {
		t.Fatalf("expected rate_limited error envelope, got %v", decoded)
	}
}

func TestCreateSummonWithTokenNumber(t *testing.T) {
	st := fakeStore{
		tokenFn: func(ctx context.Context, number int) (models.Token, error) {
			return models.Token{TokenID: "88888888-8888-8888-8888-888888888888", Number: number, Seat: 12}, nil
		},
		createFn: func(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
			if input.TokenID == "" || input.Seat != 12 {
				t.Fatalf("expected token origin, got %+v", input)
			}
			return models.Summon{SummonID: "99999999-9999-9999-9999-999999999999", Seat: input.Seat}, true, nil
		},
	}

	h := newTestHandler(st)

	payload := map[string]interface{}{
		"request_id":   "11111111-1111-1111-1111-111111111111",
		"fingerprint":  "dev1",
		"token_number": 42,
		"intention":    "complaint",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestGetSummonNotFound(t *testing.T) {
	h := newTestHandler(fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/summons/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestStartHandlingSuccess(t *testing.T) {
	st := fakeStore{
		startFn: func(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
			return models.Summon{
				SummonID:       input.SummonID,
				IsBeingHandled: true,
				HandledBy:      input.StaffID,
			}, true, nil
		},
	}
	h := newTestHandler(st)

	payload := map[string]string{
		"request_id": "11111111-1111-1111-1111-111111111111",
		"staff_id":   "alice",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa/actions/start", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var decoded struct {
		Status    string `json:"status"`
		HandledBy string `json:"handled_by"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Status != models.StatusInProgress || decoded.HandledBy != "alice" {
		t.Fatalf("unexpected response: %+v", decoded)
	}
}

func TestResolveAlreadyResolved(t *testing.T) {
	st := fakeStore{
		resolveFn: func(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
			return models.Summon{}, false, store.ErrAlreadyResolved
		},
	}
	h := newTestHandler(st)

	payload := map[string]string{
		"request_id": "11111111-1111-1111-1111-111111111111",
		"staff_id":   "alice",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa/actions/resolve", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}

	var decoded errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error.Code != "already_resolved" {
		t.Fatalf("expected already_resolved code, got %q", decoded.Error.Code)
	}
}

func TestActionMissingStaff(t *testing.T) {
	h := newTestHandler(fakeStore{})

	payload := map[string]string{
		"request_id": "11111111-1111-1111-1111-111111111111",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/summons/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa/actions/start", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestLimitEndpoint(t *testing.T) {
	h := newTestHandler(fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/summons/limit?fingerprint=dev1", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var decision ratelimit.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !decision.Allowed || decision.RemainingToday != 3 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestTokenLookup(t *testing.T) {
	st := fakeStore{
		tokenFn: func(ctx context.Context, number int) (models.Token, error) {
			if number != 42 {
				return models.Token{}, store.ErrTokenNotFound
			}
			return models.Token{TokenID: "88888888-8888-8888-8888-888888888888", Number: 42, Seat: 9}, nil
		},
	}
	h := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens/42", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tokens/7", nil)
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestListOpenSummons(t *testing.T) {
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Summon, error) {
			return []models.Summon{
				{SummonID: "99999999-9999-9999-9999-999999999999", Seat: 3},
			}, nil
		},
	}
	h := newTestHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/summons", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var decoded []summonResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Status != models.StatusPending {
		t.Fatalf("unexpected list response: %+v", decoded)
	}
}

func TestAuthMiddlewareGatesStaffEndpoints(t *testing.T) {
	st := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			if sessionID == "valid-session" {
				return store.Session{SessionID: sessionID, UserID: "u1", Name: "alice", Role: "staff"}, nil
			}
			return store.Session{}, store.ErrSessionNotFound
		},
	}
	h := newTestHandler(st)
	handler := AuthMiddleware(st, h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/api/summons", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/summons", nil)
	req.Header.Set("Authorization", "Bearer expired-session")
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for unknown session, got %d", resp.Code)
	}
	var unauthorized errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&unauthorized); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if unauthorized.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", unauthorized.Error.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/summons", nil)
	req.Header.Set("Authorization", "Bearer valid-session")
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	// Guest create stays public.
	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"fingerprint": "dev1",
		"seat":        4,
		"intention":   "order",
	}
	body, _ := json.Marshal(payload)
	req = httptest.NewRequest(http.MethodPost, "/api/summons", bytes.NewReader(body))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
}
