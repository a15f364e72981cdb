// Package ratelimit gates summon creation per device fingerprint. The limit
// is not a counter of its own: it is derived from the summon records already
// in the store, so it cannot drift from them.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// TimesSource supplies summon creation timestamps for a fingerprint within
// the accounting window, newest-first.
type TimesSource interface {
	SummonTimesSince(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error)
}

type Config struct {
	DailyCap int
	Cooldown time.Duration
	Window   time.Duration
}

type Limiter struct {
	source   TimesSource
	cap      int
	cooldown time.Duration
	window   time.Duration
}

func New(source TimesSource, cfg Config) *Limiter {
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Limiter{
		source:   source,
		cap:      cfg.DailyCap,
		cooldown: cfg.Cooldown,
		window:   cfg.Window,
	}
}

type Decision struct {
	Allowed        bool          `json:"allowed"`
	RemainingTime  time.Duration `json:"-"`
	RemainingMS    int64         `json:"remaining_ms"`
	RemainingToday int           `json:"remaining_summons_today"`
	Message        string        `json:"message,omitempty"`
}

// CheckLimit is a pure read: it reserves nothing. Both rules are evaluated
// against the single now snapshot. An empty fingerprint is a valid key; all
// callers that fail to supply one share its accounting.
func (l *Limiter) CheckLimit(ctx context.Context, fingerprint string, now time.Time) (Decision, error) {
	since := now.Add(-l.window)
	times, err := l.source.SummonTimesSince(ctx, fingerprint, since)
	if err != nil {
		return Decision{}, err
	}

	var inWindow []time.Time
	for _, ts := range times {
		if ts.After(since) && !ts.After(now) {
			inWindow = append(inWindow, ts)
		}
	}

	remaining := l.cap - len(inWindow)
	if remaining < 0 {
		remaining = 0
	}

	if len(inWindow) >= l.cap {
		// The cap rolls off one slot at a time: wait until the oldest
		// counted summon leaves the window.
		oldest := inWindow[len(inWindow)-1]
		wait := oldest.Add(l.window).Sub(now)
		return Decision{
			RemainingTime:  wait,
			RemainingMS:    wait.Milliseconds(),
			RemainingToday: remaining,
			Message:        fmt.Sprintf("daily summon limit of %d reached, next slot opens in %s", l.cap, formatWait(wait)),
		}, nil
	}

	if len(inWindow) > 0 {
		if elapsed := now.Sub(inWindow[0]); elapsed < l.cooldown {
			wait := l.cooldown - elapsed
			return Decision{
				RemainingTime:  wait,
				RemainingMS:    wait.Milliseconds(),
				RemainingToday: remaining,
				Message:        fmt.Sprintf("please wait %s before summoning again", formatWait(wait)),
			}, nil
		}
	}

	return Decision{Allowed: true, RemainingToday: remaining}, nil
}

func formatWait(wait time.Duration) string {
	if wait < 0 {
		wait = 0
	}
	total := int(wait.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
