package store

import "github.com/ahmadkeyhan/sorrel/internal/models"

// start_handling from in_progress is deliberate: multiple staff may claim
// the same table and the last writer wins. Nothing leaves resolved.
var transitionMap = map[string][]string{
	"start_handling": {models.StatusPending, models.StatusInProgress},
	"mark_resolved":  {models.StatusPending, models.StatusInProgress},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
