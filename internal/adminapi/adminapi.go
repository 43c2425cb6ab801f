// Package adminapi is the thin operational HTTP surface: EOD reruns and
// rollbacks, DLQ inspection and replay, and health. It follows the same
// idempotency rules as the stream consumers; authentication is left to
// the deployment perimeter.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

// EODRunner is the pipeline surface the API invokes. *eod.Pipeline
// satisfies it.
type EODRunner interface {
	Run(ctx context.Context, accountID int64, businessDate types.Date) error
	Rollback(ctx context.Context, accountID int64, businessDate types.Date) (bool, error)
}

// DLQReplayer force-replays parked entries. *dlq.Replayer satisfies it.
type DLQReplayer interface {
	ReplayNow(ctx context.Context, ids []int64) (int, error)
}

// RunStore is the read-side slice of storage the API serves.
type RunStore interface {
	GetLatestRun(ctx context.Context, accountID int64, businessDate types.Date) (*types.EODRun, error)
	ListRuns(ctx context.Context, accountID int64, limit int) ([]*types.EODRun, error)
	ListDLQ(ctx context.Context, status types.DlqStatus, limit int) ([]*types.DlqEntry, error)
	Ping(ctx context.Context) error
}

// Server mounts the admin handlers.
type Server struct {
	eod      EODRunner
	replayer DLQReplayer
	store    RunStore
}

// New builds a server.
func New(eod EODRunner, replayer DLQReplayer, store RunStore) *Server {
	return &Server{eod: eod, replayer: replayer, store: store}
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /eod/run", s.handleEODRun)
	mux.HandleFunc("POST /eod/rollback", s.handleEODRollback)
	mux.HandleFunc("GET /eod/status", s.handleEODStatus)
	mux.HandleFunc("GET /dlq", s.handleDLQList)
	mux.HandleFunc("POST /dlq/replay", s.handleDLQReplay)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type eodRequest struct {
	AccountID    int64      `json:"account_id"`
	BusinessDate types.Date `json:"business_date"`
}

func (s *Server) handleEODRun(w http.ResponseWriter, r *http.Request) {
	var req eodRequest
	if !decodeEODRequest(w, r, &req) {
		return
	}
	if err := s.eod.Run(r.Context(), req.AccountID, req.BusinessDate); err != nil {
		pe := types.AsPipelineError(err)
		writeJSON(w, statusForKind(pe.Kind), map[string]any{
			"status": "failed",
			"kind":   pe.Kind,
			"code":   pe.Code,
			"error":  pe.Msg,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleEODRollback(w http.ResponseWriter, r *http.Request) {
	var req eodRequest
	if !decodeEODRequest(w, r, &req) {
		return
	}
	reverted, err := s.eod.Rollback(r.Context(), req.AccountID, req.BusinessDate)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveBatch) {
			writeError(w, http.StatusNotFound, "no active batch to roll back")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !reverted {
		writeError(w, http.StatusConflict, "no archived predecessor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rolled_back"})
}

func (s *Server) handleEODStatus(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "account_id required")
		return
	}
	if dateStr := r.URL.Query().Get("business_date"); dateStr != "" {
		date, err := types.ParseDate(dateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad business_date")
			return
		}
		run, err := s.store.GetLatestRun(r.Context(), accountID, date)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no run for account and date")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), accountID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	status := types.DlqStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.DlqPending
	}
	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	entries, err := s.store.ListDLQ(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	n, err := s.replayer.ReplayNow(r.Context(), req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "up"})
}

func decodeEODRequest(w http.ResponseWriter, r *http.Request, req *eodRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return false
	}
	if req.AccountID == 0 || req.BusinessDate.IsZero() {
		writeError(w, http.StatusBadRequest, "account_id and business_date required")
		return false
	}
	return true
}

// statusForKind maps the error taxonomy onto HTTP statuses for admin
// callers.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation, types.KindFatal:
		return http.StatusUnprocessableEntity
	case types.KindBusiness:
		return http.StatusConflict
	case types.KindCapacity:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Logf("adminapi: encode response: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
