// Package resolve turns raw page listings into the deduplicated, ordered set
// of content identifiers the warmup processes.
package resolve

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Entry is one raw page listing.
type Entry struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Canonical string `json:"canonical,omitempty"`
}

// Duplicate reasons.
const (
	ReasonID        = "id"
	ReasonTitle     = "title"
	ReasonCanonical = "canonical"
)

// Duplicate records an entry folded into an earlier representative.
type Duplicate struct {
	ID     string `json:"id"`
	KeptID string `json:"keptId"`
	Reason string `json:"reason"`
	Key    string `json:"key"`
}

// Result is the output of Resolve.
type Result struct {
	// IDs in first-seen order, one per canonical key.
	IDs        []string    `json:"ids"`
	Duplicates []Duplicate `json:"duplicates,omitempty"`
	Input      int         `json:"input"`
}

// Resolve folds entries that share a normalized id, title or canonical id
// into the first one seen. Entries with an empty id are dropped.
func Resolve(entries []Entry, logger zerolog.Logger) *Result {
	res := &Result{IDs: make([]string, 0, len(entries)), Input: len(entries)}

	byID := make(map[string]string, len(entries))
	byTitle := make(map[string]string, len(entries))
	byCanonical := make(map[string]string, len(entries))

	for _, e := range entries {
		id := NormalizeID(e.ID)
		if id == "" {
			continue
		}

		canonical := id
		if e.Canonical != "" {
			canonical = NormalizeID(e.Canonical)
		}
		title := normalizeTitle(e.Title)

		var dup *Duplicate
		switch {
		case byID[id] != "":
			dup = &Duplicate{ID: id, KeptID: byID[id], Reason: ReasonID, Key: id}
		case title != "" && byTitle[title] != "":
			dup = &Duplicate{ID: id, KeptID: byTitle[title], Reason: ReasonTitle, Key: title}
		case byCanonical[canonical] != "":
			dup = &Duplicate{ID: id, KeptID: byCanonical[canonical], Reason: ReasonCanonical, Key: canonical}
		}

		if dup != nil {
			res.Duplicates = append(res.Duplicates, *dup)
			logger.Warn().
				Str("page_id", dup.ID).
				Str("kept_id", dup.KeptID).
				Str("reason", dup.Reason).
				Str("key", dup.Key).
				Msg("Duplicate page excluded")
			continue
		}

		byID[id] = id
		byCanonical[canonical] = id
		// A page pointing at a canonical id claims that id too.
		if _, ok := byID[canonical]; !ok {
			byID[canonical] = id
		}
		if _, ok := byCanonical[id]; !ok {
			byCanonical[id] = id
		}
		if title != "" {
			byTitle[title] = id
		}
		res.IDs = append(res.IDs, id)
	}

	logger.Info().
		Int("input", res.Input).
		Int("unique", len(res.IDs)).
		Int("duplicates", len(res.Duplicates)).
		Msg("Resolved page identifiers")
	return res
}

// Resolver resolves identifiers from a Source.
type Resolver struct {
	source Source
	logger zerolog.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source Source, logger zerolog.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// Resolve lists entries from the source and deduplicates them.
func (r *Resolver) Resolve(ctx context.Context) (*Result, error) {
	entries, err := r.source.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages from %s: %w", r.source.Name(), err)
	}
	return Resolve(entries, r.logger), nil
}

// IDs returns only the resolved identifiers.
func (r *Resolver) IDs(ctx context.Context) ([]string, error) {
	res, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}
