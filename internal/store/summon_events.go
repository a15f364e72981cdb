package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/models"
)

// SummonEvent is one entry in the per-summon journal. Entries are
// hash-chained so the handling history of a request cannot be rewritten
// without detection.
type SummonEvent struct {
	SummonID  string          `json:"summon_id"`
	SummonSeq int             `json:"summon_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	SummonID       string     `json:"summon_id"`
	TokenID        *string    `json:"token_id"`
	TokenNumber    *int       `json:"token_number"`
	Seat           *int       `json:"seat"`
	Intention      string     `json:"intention"`
	IsHandled      *bool      `json:"is_handled"`
	IsBeingHandled *bool      `json:"is_being_handled"`
	HandledBy      string     `json:"handled_by"`
	HandledAt      *time.Time `json:"handled_at"`
	CreatedAt      *time.Time `json:"created_at"`
}

func ComputeSummonEventHash(prevHash, summonID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, summonID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// RehydrateSummon folds a journal back into the summon it describes.
func RehydrateSummon(events []SummonEvent) (models.Summon, error) {
	var summon models.Summon
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Summon{}, err
		}
		if payload.SummonID != "" {
			summon.SummonID = payload.SummonID
		}
		if payload.TokenID != nil {
			summon.TokenID = payload.TokenID
		}
		if payload.TokenNumber != nil {
			summon.TokenNumber = payload.TokenNumber
		}
		if payload.Seat != nil {
			summon.Seat = *payload.Seat
		}
		if payload.Intention != "" {
			summon.Intention = payload.Intention
		}
		if payload.IsHandled != nil {
			summon.IsHandled = *payload.IsHandled
		}
		if payload.IsBeingHandled != nil {
			summon.IsBeingHandled = *payload.IsBeingHandled
		}
		if payload.HandledBy != "" {
			summon.HandledBy = payload.HandledBy
		}
		if payload.HandledAt != nil {
			summon.HandledAt = payload.HandledAt
		}
		if payload.CreatedAt != nil {
			summon.CreatedAt = *payload.CreatedAt
		}
	}
	return summon, nil
}
