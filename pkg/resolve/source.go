package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
)

// Source lists raw page entries.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
	Name() string
}

// StaticSource serves a fixed list.
type StaticSource struct {
	Label string
	List  []Entry
}

// IDs builds a StaticSource from bare ids.
func IDs(label string, ids ...string) *StaticSource {
	s := &StaticSource{Label: label}
	for _, id := range ids {
		s.List = append(s.List, Entry{ID: id})
	}
	return s
}

func (s *StaticSource) Entries(context.Context) ([]Entry, error) {
	out := make([]Entry, len(s.List))
	copy(out, s.List)
	return out, nil
}

func (s *StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// PageLister is implemented by *upstream.Client.
type PageLister interface {
	FetchPageList(ctx context.Context, listURL string) ([]upstream.PageRef, error)
}

// HTTPSource reads the page index served by the upstream site.
type HTTPSource struct {
	Lister PageLister
	URL    string
}

func (s *HTTPSource) Entries(ctx context.Context) ([]Entry, error) {
	refs, err := s.Lister.FetchPageList(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(refs))
	for _, r := range refs {
		out = append(out, Entry{ID: r.ID, Title: r.Title, Canonical: r.Canonical})
	}
	return out, nil
}

func (s *HTTPSource) Name() string {
	return "page-list " + s.URL
}

// ChainSource returns the first non-empty listing. Errors are only reported
// when no source produced entries.
type ChainSource []Source

func (c ChainSource) Entries(ctx context.Context) ([]Entry, error) {
	var errs []error
	for _, s := range c {
		entries, err := s.Entries(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}
	if len(errs) > 0 && len(errs) == len(c) {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

func (c ChainSource) Name() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return "chain(" + strings.Join(names, ", ") + ")"
}
