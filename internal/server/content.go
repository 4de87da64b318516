package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/edge"
	"github.com/Sternrassler/notion-content-cache/pkg/resolve"
	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
	"github.com/go-chi/chi/v5"
)

var errDuplicatePage = errors.New("page is a duplicate of another page")

// handleContent serves a page read-through: cache first, then one upstream
// fetch per key no matter how many readers miss at once. Bypassed requests
// neither read nor write the shared store and never join a shared fetch.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := resolve.NormalizeID(chi.URLParam(r, "id"))
	if !resolve.IsValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid page id")
		return
	}
	key := cache.PageKey(id)
	bypass := edge.Bypassed(r.Context())

	if !bypass {
		if entry, err := s.deps.Store.Get(r.Context(), key); err == nil {
			cache.WriteEntry(w, r, entry, "HIT")
			return
		}
	}

	if s.deps.Pages == nil {
		writeError(w, http.StatusNotFound, "page not cached")
		return
	}

	if bypass {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ContentTimeout)
		defer cancel()
		entry, err := s.fetchPage(ctx, id)
		if err != nil {
			s.writeFetchError(w, id, err)
			return
		}
		s.logger.Debug().Str("page_id", id).Str("source", "BYPASS").Msg("Served page from upstream")
		cache.WriteEntry(w, r, entry, "BYPASS")
		return
	}

	v, err, shared := s.reads.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.ContentTimeout)
		defer cancel()

		entry, err := s.fetchPage(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.deps.Store.SetEntry(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to store fetched page")
		}
		return entry, nil
	})
	if err != nil {
		s.writeFetchError(w, id, err)
		return
	}

	s.logger.Debug().Str("page_id", id).Bool("shared", shared).Str("source", "MISS").Msg("Served page from upstream")
	cache.WriteEntry(w, r, v.(*cache.Entry), "MISS")
}

func (s *Server) fetchPage(ctx context.Context, id string) (*cache.Entry, error) {
	page, err := s.deps.Pages.ReadPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if page.Entry == nil {
		return nil, errDuplicatePage
	}
	return page.Entry, nil
}

func (s *Server) writeFetchError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, errDuplicatePage) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	var fe *upstream.FetchError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(fe.RetryAfter.Seconds())+1))
	}

	switch upstream.ClassOf(err) {
	case upstream.ErrorClassNotFound:
		writeError(w, http.StatusNotFound, "page not found")
	case upstream.ErrorClassRateLimit:
		writeError(w, http.StatusServiceUnavailable, "upstream rate limited")
	case upstream.ErrorClassTimeout:
		writeError(w, http.StatusGatewayTimeout, "upstream timeout")
	default:
		if errors.Is(err, upstream.ErrCircuitOpen) {
			writeError(w, http.StatusServiceUnavailable, "upstream unavailable")
			return
		}
		s.logger.Warn().Err(err).Str("page_id", id).Msg("Upstream read failed")
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
}
