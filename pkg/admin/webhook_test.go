package admin

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pageID = "0123456789abcdef0123456789abcdef"
	dbID   = "fedcba9876543210fedcba9876543210"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestHandleWebhook(t *testing.T) {
	dashed := "01234567-89ab-cdef-0123-456789abcdef"

	tests := []struct {
		name        string
		event       Event
		wantCleared string
		gone        []string
		kept        []string
		rewarm      bool
	}{
		{
			name:        "page updated",
			event:       Event{Type: "page.updated", Data: EventData{ID: dashed, Parent: &Parent{DatabaseID: dbID}}},
			wantCleared: "page-cache",
			gone:        []string{cache.PageKey(pageID), cache.BlocksKey(pageID), cache.DatabaseKey(dbID) + ":page=2"},
			kept:        []string{cache.PageKey("other")},
			rewarm:      true,
		},
		{
			name:        "page deleted",
			event:       Event{Type: "page.deleted", Data: EventData{ID: pageID}},
			wantCleared: "page-cache",
			gone:        []string{cache.PageKey(pageID)},
			kept:        []string{cache.DatabaseKey(dbID) + ":page=2"},
		},
		{
			name:        "database updated",
			event:       Event{Type: "database.updated", Data: EventData{ID: dbID}},
			wantCleared: "database-cache",
			gone:        []string{cache.DatabaseKey(dbID) + ":page=2", "notion:search:q=x"},
			kept:        []string{cache.PageKey(pageID)},
		},
		{
			name:        "block changed",
			event:       Event{Type: "block.updated", Data: EventData{ID: "blk", Parent: &Parent{PageID: pageID}}},
			wantCleared: "block-cache",
			gone:        []string{cache.BlocksKey("blk"), cache.PageKey(pageID)},
			kept:        []string{cache.BlocksKey(pageID)},
			rewarm:      true,
		},
		{
			name:        "unknown event",
			event:       Event{Type: "comment.created", Data: EventData{ID: pageID}},
			wantCleared: "all-notion-cache",
			gone:        []string{cache.PageKey(pageID), cache.DatabaseKey(dbID) + ":page=2"},
			kept:        []string{cache.PathKey("/")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.svc.opts.Warmer = nil
			ctx := context.Background()

			keys := []string{
				cache.PageKey(pageID), cache.BlocksKey(pageID), cache.BlocksKey("blk"),
				cache.DatabaseKey(dbID) + ":page=2", "notion:search:q=x",
				cache.PageKey("other"), cache.PathKey("/"),
			}
			for _, k := range keys {
				require.NoError(t, f.store.Set(ctx, k, []byte("v"), time.Minute))
			}

			res, err := f.svc.HandleWebhook(ctx, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCleared, res.Cleared)
			assert.Positive(t, res.Removed)
			for _, k := range tt.gone {
				assert.False(t, f.store.Has(ctx, k), "%s should be invalidated", k)
			}
			for _, k := range tt.kept {
				assert.True(t, f.store.Has(ctx, k), "%s should be kept", k)
			}
			assert.False(t, res.Rewarm, "no warmer configured")
		})
	}
}

func TestHandleWebhookRewarmsPage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, Event{Type: "page.created", Data: EventData{ID: pageID}})
	require.NoError(t, err)
	assert.True(t, res.Rewarm)
	assert.Equal(t, pageID, res.ID)

	f.svc.Wait()
	assert.True(t, f.store.Has(ctx, cache.PageKey(pageID)))
}

func TestHandleWebhookMissingID(t *testing.T) {
	f := newFixture(t, nil)
	for _, typ := range []string{"page.updated", "database.updated", "block.deleted"} {
		_, err := f.svc.HandleWebhook(context.Background(), Event{Type: typ})
		assert.ErrorIs(t, err, ErrMissingID, typ)
	}
}
