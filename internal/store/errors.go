package store

import "errors"

var (
	ErrSummonNotFound   = errors.New("summon not found")
	ErrTokenNotFound    = errors.New("token not found")
	ErrAlreadyResolved  = errors.New("summon already resolved")
	ErrRateLimited      = errors.New("summon limit reached")
	ErrInvalidIntention = errors.New("invalid intention")
	ErrInvalidOrigin    = errors.New("invalid origin")
	ErrSessionNotFound  = errors.New("session not found")
)
