package models

import "time"

// Summon is a single guest request for staff attention, tied to a seat or
// a previously issued token. The logical state is derived from the two
// stored flags; IsHandled is terminal and implies IsBeingHandled=false.
type Summon struct {
	SummonID       string     `json:"summon_id"`
	TokenID        *string    `json:"token_id,omitempty"`
	TokenNumber    *int       `json:"token_number,omitempty"`
	Seat           int        `json:"seat"`
	Intention      string     `json:"intention"`
	IsHandled      bool       `json:"is_handled"`
	IsBeingHandled bool       `json:"is_being_handled"`
	HandledBy      string     `json:"handled_by,omitempty"`
	HandledAt      *time.Time `json:"handled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RequestID      string     `json:"request_id,omitempty"`
	Fingerprint    string     `json:"-"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
)

func (s Summon) Status() string {
	switch {
	case s.IsHandled:
		return StatusResolved
	case s.IsBeingHandled:
		return StatusInProgress
	default:
		return StatusPending
	}
}

const (
	IntentionOrder        = "order"
	IntentionMenuQuestion = "menu_question"
	IntentionComplaint    = "complaint"
	IntentionOther        = "other"
)

func ValidIntention(value string) bool {
	switch value {
	case IntentionOrder, IntentionMenuQuestion, IntentionComplaint, IntentionOther:
		return true
	default:
		return false
	}
}
