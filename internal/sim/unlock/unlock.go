// Package unlock decides whether a map's successor is open.
package unlock

import (
	"context"

	"rebuildcraft.ai/internal/persistence/store"
)

// Reader is the slice of the store the evaluator needs.
type Reader interface {
	ListObjectives(ctx context.Context, mapID int, kind store.ObjectiveKind) ([]store.Progress, error)
}

// Evaluate reports whether every objective of mapID is complete. A map with no
// objectives is never complete.
func Evaluate(ctx context.Context, r Reader, mapID int) (bool, error) {
	all, err := r.ListObjectives(ctx, mapID, "")
	if err != nil {
		return false, err
	}
	return Complete(all), nil
}

func Complete(objectives []store.Progress) bool {
	if len(objectives) == 0 {
		return false
	}
	for _, p := range objectives {
		if !p.Complete() {
			return false
		}
	}
	return true
}

// Summary counts completed targets of one kind, for the *AllProgress broadcasts.
type Summary struct {
	Done  int
	Total int
}

func Summarize(objectives []store.Progress, kind store.ObjectiveKind) Summary {
	var s Summary
	for _, p := range objectives {
		if p.Key.Kind != kind {
			continue
		}
		s.Total++
		if p.Complete() {
			s.Done++
		}
	}
	return s
}
