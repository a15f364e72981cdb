package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/models"
)

type CreateSummonInput struct {
	RequestID   string
	Fingerprint string
	TokenID     string
	TokenNumber int
	Seat        int
	Intention   string
	CreatedAt   time.Time
}

type SummonActionInput struct {
	RequestID  string
	SummonID   string
	StaffID    string
	OccurredAt time.Time
}

// SummonStore is the narrow contract the handlers and the rate limiter
// depend on. Mutations are conditional writes: CreateSummon re-validates the
// rate limit inside its transaction, StartHandling and MarkResolved only
// apply while is_handled is false.
type SummonStore interface {
	CreateSummon(ctx context.Context, input CreateSummonInput) (models.Summon, bool, error)
	GetSummon(ctx context.Context, summonID string) (models.Summon, error)
	ListOpenSummons(ctx context.Context) ([]models.Summon, error)
	SummonTimesSince(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error)
	StartHandling(ctx context.Context, input SummonActionInput) (models.Summon, bool, error)
	MarkResolved(ctx context.Context, input SummonActionInput) (models.Summon, bool, error)
	ResolveToken(ctx context.Context, number int) (models.Token, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	ListSummonEvents(ctx context.Context, summonID string) ([]SummonEvent, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	UserID    string
	Name      string
	Role      string
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
