package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
	"github.com/rs/zerolog"
)

// Outcome of warming one identifier.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Warmer warms a single identifier. A non-nil error always means OutcomeFailed.
type Warmer interface {
	Warm(ctx context.Context, id string) (Outcome, error)
}

// WarmerFunc adapts a function to Warmer.
type WarmerFunc func(ctx context.Context, id string) (Outcome, error)

func (f WarmerFunc) Warm(ctx context.Context, id string) (Outcome, error) {
	return f(ctx, id)
}

// PageFetcher is implemented by *upstream.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, id string) (*upstream.Page, error)
}

// PageRevalidator is implemented by *upstream.Client. A fetcher that also
// revalidates lets the warmer refresh entries close to expiry with a
// conditional request.
type PageRevalidator interface {
	RevalidatePage(ctx context.Context, id string, cached *cache.Entry) (*upstream.Page, error)
}

// PageStore is implemented by *cache.Store.
type PageStore interface {
	Peek(ctx context.Context, key string) (*cache.Entry, error)
	SetEntry(ctx context.Context, e *cache.Entry) error
}

// CacheWarmer fetches pages that are not cached yet and writes them to the store.
type CacheWarmer struct {
	fetcher       PageFetcher
	store         PageStore
	refreshWindow time.Duration
	logger        zerolog.Logger
}

// NewCacheWarmer creates a warmer writing fetched pages to store.
func NewCacheWarmer(fetcher PageFetcher, store PageStore, logger zerolog.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, store: store, logger: logger}
}

// WithRefreshWindow returns a copy of w that revalidates cached pages whose
// remaining TTL is below d instead of skipping them. It has no effect unless
// the fetcher implements PageRevalidator.
func (w *CacheWarmer) WithRefreshWindow(d time.Duration) *CacheWarmer {
	c := *w
	c.refreshWindow = d
	return &c
}

// Warm skips ids already cached or reported unchanged/duplicate by the
// upstream, and stores fresh content otherwise. An unchanged page that was
// due for refresh is stored again with a renewed expiry.
func (w *CacheWarmer) Warm(ctx context.Context, id string) (Outcome, error) {
	key := cache.PageKey(id)
	cached, err := w.store.Peek(ctx, key)
	if err != nil {
		cached = nil
	}

	var page *upstream.Page
	rv, canRevalidate := w.fetcher.(PageRevalidator)
	switch {
	case cached != nil && (!canRevalidate || w.refreshWindow <= 0 || cached.TTL() > w.refreshWindow):
		w.logger.Debug().Str("page_id", id).Msg("Already cached - skipping")
		return OutcomeSkipped, nil
	case cached != nil:
		page, err = rv.RevalidatePage(ctx, id, cached)
	default:
		page, err = w.fetcher.FetchPage(ctx, id)
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if page.NotModified && cached != nil {
		if err := w.store.SetEntry(ctx, cached.Renewed()); err != nil {
			return OutcomeFailed, fmt.Errorf("renew page %s: %w", id, err)
		}
		w.logger.Debug().Str("page_id", id).Msg("Unchanged upstream - expiry renewed")
		return OutcomeSkipped, nil
	}
	if page.NotModified || page.Duplicate {
		w.logger.Debug().
			Str("page_id", id).
			Bool("not_modified", page.NotModified).
			Bool("duplicate", page.Duplicate).
			Msg("Upstream reported no new content - skipping")
		return OutcomeSkipped, nil
	}
	if page.Entry == nil {
		return OutcomeFailed, fmt.Errorf("page %s: empty response", id)
	}

	if err := w.store.SetEntry(ctx, page.Entry); err != nil {
		return OutcomeFailed, fmt.Errorf("store page %s: %w", id, err)
	}
	return OutcomeSucceeded, nil
}
