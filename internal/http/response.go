package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"rupeek/internal/core"
	applog "rupeek/internal/log"
	"rupeek/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", applog.FieldError, err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeError maps a ledger error to its HTTP status. Unclassified errors
// are logged and reported as internal.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.structured.LogError(r.Context(), "Request failed", err, applog.ComponentHTTP, op,
			applog.NewFields().WithUser(userKey(r)))
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = strings.ToLower(http.StatusText(status))
	}
	writeErrorMessage(w, status, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity, applog.ErrorTypeValidation
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, applog.ErrorTypeNotFound
	case errors.Is(err, core.ErrReconciliationConflict),
		errors.Is(err, services.ErrConfirmInProgress),
		errors.Is(err, services.ErrNotPending):
		return http.StatusConflict, applog.ErrorTypeConflict
	case errors.Is(err, core.ErrSubscription), errors.Is(err, core.ErrAggregation):
		return http.StatusServiceUnavailable, applog.ErrorTypeDatabase
	case errors.Is(err, core.ErrWrite):
		return http.StatusBadGateway, applog.ErrorTypeDatabase
	default:
		return http.StatusInternalServerError, applog.ErrorTypeInternal
	}
}

type ledgerResponse struct {
	Window       core.CycleWindow   `json:"window"`
	Transactions []core.Transaction `json:"transactions"`
	Version      uint64             `json:"version"`
	Loading      bool               `json:"loading"`
	Error        string             `json:"error,omitempty"`
}

func newLedgerResponse(st services.StreamState) ledgerResponse {
	resp := ledgerResponse{
		Window:       st.Window,
		Transactions: st.Snapshot,
		Version:      st.Version,
		Loading:      st.Loading,
	}
	if resp.Transactions == nil {
		resp.Transactions = []core.Transaction{}
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

type balanceResponse struct {
	core.Balance
	Ready   bool   `json:"ready"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

func newBalanceResponse(st services.BalanceState) balanceResponse {
	resp := balanceResponse{Balance: st.Balance, Ready: st.Ready, Loading: st.Loading}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

type analyticsResponse struct {
	Window     core.CycleWindow      `json:"window"`
	ByCategory []core.CategoryAmount `json:"by_category"`
	Daily      []core.DailyAmount    `json:"daily"`
}

// snapshotResponse is everything a client renders for the current cycle.
type snapshotResponse struct {
	Profile core.UserProfile        `json:"profile"`
	Ledger  ledgerResponse          `json:"ledger"`
	Balance balanceResponse         `json:"balance"`
	Salary  services.ReconcileState `json:"salary"`
	Summary core.CycleSummary       `json:"summary"`
}

func newSnapshot(sess *services.Session) snapshotResponse {
	return snapshotResponse{
		Profile: sess.Profile(),
		Ledger:  newLedgerResponse(sess.Ledger()),
		Balance: newBalanceResponse(sess.Balance()),
		Salary:  sess.Reconciliation(),
		Summary: sess.Summary(),
	}
}
