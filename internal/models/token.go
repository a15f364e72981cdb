package models

// Token is a seat pairing issued at the door; guests may identify their
// location by token number instead of picking a seat.
type Token struct {
	TokenID string `json:"token_id"`
	Number  int    `json:"number"`
	Seat    int    `json:"seat"`
}
