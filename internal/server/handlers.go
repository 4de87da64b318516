package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/admin"
	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/resolve"
	"github.com/Sternrassler/notion-content-cache/pkg/warmup"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports degraded rather than failing when only the external
// tier is down, since the store keeps serving from memory.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ready", "externalTier": s.deps.Store.HasExternal()}
	if err := s.deps.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admin.Status(r.Context()))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req admin.ClearRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Admin.Clear(r.Context(), req)
	switch {
	case errors.Is(err, admin.ErrPatternRequired), errors.Is(err, admin.ErrUnknownClearType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cache.ErrPartialInvalidation) && res != nil:
		writeJSON(w, http.StatusServiceUnavailable, res)
	case err != nil:
		s.logger.Error().Err(err).Msg("Cache clear failed")
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// handleWebhook answers the registration handshake without a token; every
// change event needs the admin token.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev admin.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if ev.Type == admin.EventVerification {
		if ev.Challenge == "" {
			writeError(w, http.StatusBadRequest, "no challenge provided")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ev.Challenge})
		return
	}

	if !authorized(r, s.cfg.AdminToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := s.deps.Admin.HandleWebhook(r.Context(), ev)
	switch {
	case errors.Is(err, admin.ErrMissingID):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("event", ev.Type).Msg("Webhook processing failed")
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type startRequest struct {
	// IDs restricts the job to these identifiers instead of the resolved set.
	IDs []string `json:"ids,omitempty"`
}

func (s *Server) handleWarmupStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		snap *warmup.Snapshot
		err  error
	)
	if len(req.IDs) > 0 {
		ids, invalid := resolve.SplitIDs(req.IDs)
		if len(invalid) > 0 {
			writeError(w, http.StatusBadRequest, "invalid page ids: "+strings.Join(invalid, ", "))
			return
		}
		snap, err = s.deps.Warmup.StartWith(r.Context(), warmup.SourceFunc(func(context.Context) ([]string, error) {
			return ids, nil
		}))
	} else {
		snap, err = s.deps.Warmup.Start(r.Context())
	}
	s.writeStart(w, snap, err)
}

// writeStart maps a start outcome to its status code: 202 for a new job,
// 409 with the current status while one runs, 422 with the failed status
// when there is nothing to warm.
func (s *Server) writeStart(w http.ResponseWriter, snap *warmup.Snapshot, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, snap)
	case errors.Is(err, warmup.ErrAlreadyRunning), errors.Is(err, warmup.ErrRunningElsewhere), errors.Is(err, warmup.ErrReset):
		writeJSON(w, http.StatusConflict, startConflict{Error: err.Error(), Snapshot: snap})
	case errors.Is(err, warmup.ErrNoIdentifiers), errors.Is(err, warmup.ErrResolveFailed):
		writeJSON(w, http.StatusUnprocessableEntity, startConflict{Error: err.Error(), Snapshot: snap})
	default:
		s.logger.Error().Err(err).Msg("Warmup start failed")
		writeError(w, http.StatusInternalServerError, "failed to start warmup")
	}
}

type startConflict struct {
	Error string `json:"error"`
	*warmup.Snapshot
}

func (s *Server) handleWarmupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Warmup.Status())
}

func (s *Server) handleWarmupReset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Warmup.Reset(r.Context()))
}

type failedList struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func (s *Server) handleFailedList(w http.ResponseWriter, r *http.Request) {
	if s.deps.FailedLog == nil {
		writeJSON(w, http.StatusOK, failedList{IDs: []string{}})
		return
	}
	ids, err := s.deps.FailedLog.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List failed pages")
		writeError(w, http.StatusInternalServerError, "failed to list failed pages")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, failedList{Count: len(ids), IDs: ids})
}

// handleFailedRetry starts a job over the recorded failures and clears the
// log once the job is accepted.
func (s *Server) handleFailedRetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.FailedLog == nil {
		s.writeStart(w, nil, warmup.ErrNoIdentifiers)
		return
	}
	ids, err := s.deps.FailedLog.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List failed pages")
		writeError(w, http.StatusInternalServerError, "failed to list failed pages")
		return
	}
	ids, invalid := resolve.SplitIDs(ids)
	if len(invalid) > 0 {
		s.logger.Warn().Strs("ids", invalid).Msg("Skipping malformed ids in failed page log")
	}

	snap, err := s.deps.Warmup.StartWith(r.Context(), warmup.SourceFunc(func(context.Context) ([]string, error) {
		return ids, nil
	}))
	if err == nil {
		if cerr := s.deps.FailedLog.Clear(r.Context()); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to clear failed page log")
		}
	}
	s.writeStart(w, snap, err)
}

func (s *Server) handleFailedClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.FailedLog != nil {
		if err := s.deps.FailedLog.Clear(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("Clear failed pages")
			writeError(w, http.StatusInternalServerError, "failed to clear failed pages")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
