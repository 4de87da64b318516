package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/resolve"
)

// EventVerification is the handshake event sent when a webhook is registered.
const EventVerification = "url_verification"

// prefixSearch holds cached search results.
const prefixSearch = cache.PrefixNotion + "search"

// ErrMissingID is returned for change events without a target id.
var ErrMissingID = errors.New("event has no id")

// Parent identifies the container of a changed object.
type Parent struct {
	PageID     string `json:"page_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
}

// EventData is the payload of a change event.
type EventData struct {
	ID     string  `json:"id"`
	Parent *Parent `json:"parent,omitempty"`
}

// Event is an upstream change notification.
type Event struct {
	Type      string    `json:"type"`
	Challenge string    `json:"challenge,omitempty"`
	Data      EventData `json:"data"`
}

// WebhookResult reports what an event invalidated.
type WebhookResult struct {
	Cleared  string    `json:"cleared"`
	ID       string    `json:"id,omitempty"`
	Patterns []string  `json:"patterns"`
	Removed  int       `json:"removed"`
	Rewarm   bool      `json:"rewarm"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// HandleWebhook invalidates the cache entries affected by ev. Unknown event
// types clear the whole upstream namespace. Changed pages are re-warmed in
// the background when a warmer is configured.
func (s *Service) HandleWebhook(ctx context.Context, ev Event) (*WebhookResult, error) {
	id := resolve.NormalizeID(ev.Data.ID)
	res := &WebhookResult{ID: id}

	var parentPage, parentDB string
	if ev.Data.Parent != nil {
		parentPage = resolve.NormalizeID(ev.Data.Parent.PageID)
		parentDB = resolve.NormalizeID(ev.Data.Parent.DatabaseID)
	}

	rewarm := ""
	switch {
	case strings.HasPrefix(ev.Type, "page."):
		if id == "" {
			return nil, fmt.Errorf("%s: %w", ev.Type, ErrMissingID)
		}
		res.Cleared = "page-cache"
		res.Patterns = []string{cache.PageKey(id), cache.BlocksKey(id)}
		if parentDB != "" {
			res.Patterns = append(res.Patterns, cache.DatabaseKey(parentDB)+"*")
		}
		if ev.Type != "page.deleted" {
			rewarm = id
		}
	case ev.Type == "database.updated":
		if id == "" {
			return nil, fmt.Errorf("%s: %w", ev.Type, ErrMissingID)
		}
		res.Cleared = "database-cache"
		res.Patterns = []string{cache.DatabaseKey(id) + "*", prefixSearch + "*"}
	case strings.HasPrefix(ev.Type, "block."):
		if id == "" {
			return nil, fmt.Errorf("%s: %w", ev.Type, ErrMissingID)
		}
		res.Cleared = "block-cache"
		res.Patterns = []string{cache.BlocksKey(id)}
		parent := parentPage
		if parent == "" {
			parent = parentDB
		}
		if parent != "" {
			res.Patterns = append(res.Patterns, cache.PageKey(parent))
			rewarm = parent
		}
	default:
		res.Cleared = "all-notion-cache"
		res.Reason = "unknown-event-type"
		res.Patterns = []string{cache.PrefixNotion + "*"}
	}

	for _, p := range res.Patterns {
		n, err := s.opts.Store.Invalidate(ctx, p)
		if err != nil {
			operationsTotal.WithLabelValues("webhook", "error").Inc()
			return nil, fmt.Errorf("invalidate %s: %w", p, err)
		}
		res.Removed += n
	}

	if rewarm != "" && s.opts.Warmer != nil {
		res.Rewarm = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RevalidateTimeout)
			defer cancel()
			outcome, err := s.opts.Warmer.Warm(wctx, rewarm)
			if err != nil {
				s.logger.Debug().Err(err).Str("page_id", rewarm).Msg("Re-warm after webhook failed")
				return
			}
			s.logger.Debug().Str("page_id", rewarm).Str("outcome", string(outcome)).Msg("Re-warmed page after webhook")
		}()
	}

	res.Time = s.now().UTC()
	operationsTotal.WithLabelValues("webhook", "ok").Inc()
	s.logger.Info().
		Str("event", ev.Type).
		Str("page_id", id).
		Strs("patterns", res.Patterns).
		Int("removed", res.Removed).
		Msg("Webhook invalidated cache")
	return res, nil
}
