package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"rupeek/internal/core"
	applog "rupeek/internal/log"
	"rupeek/internal/services"
)

const maxRecent = 500

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).Window())
}

// handleLedger returns the live snapshot of the current cycle, newest
// first. limit trims it to the most recent entries.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	resp := newLedgerResponse(sess.Ledger())

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRecent {
			writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, "limit must be between 1 and 500")
			return
		}
		resp.Transactions = sess.Recent(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newBalanceResponse(sessionFrom(r.Context()).Balance()))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).Summary())
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	resp := analyticsResponse{
		Window:     sess.Window(),
		ByCategory: sess.Categories(),
		Daily:      sess.DailyTrend(),
	}
	if resp.ByCategory == nil {
		resp.ByCategory = []core.CategoryAmount{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory lists one calendar month, month=YYYY-MM, filtered by q.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	now := s.deps.Now().In(sess.Window().Start.Location())
	params, err := ParseMonthParams(r.URL.Query(), now)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, err.Error())
		return
	}

	overview, err := sess.History(r.Context(), params.Year, params.Month, sanitizeInput(r.URL.Query().Get("q")))
	if err != nil {
		s.writeError(w, r, applog.OpList, core.SubscriptionError("history", err))
		return
	}
	if overview.Transactions == nil {
		overview.Transactions = []core.Transaction{}
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, "malformed request body")
		return
	}

	entry := services.Entry{
		Type:     parser.Get("type"),
		Amount:   parser.Get("amount"),
		Category: parser.Get("category"),
		Date:     parser.Get("date"),
		Note:     parser.Get("note"),
	}
	id, err := sess.AddTransaction(r.Context(), entry)
	if err != nil {
		s.writeError(w, r, applog.OpCreate, err)
		return
	}

	amount, _ := core.ParseAmount(entry.Amount)
	s.structured.LogTransactionCreated(r.Context(), sess.UserID(), id, entry.Type, entry.Category, amount.Cents)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := sess.DeleteTransaction(r.Context(), id); err != nil {
		s.writeError(w, r, applog.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSalary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).Reconciliation())
}

type confirmResponse struct {
	Transaction    core.Transaction  `json:"transaction"`
	ProfileUpdated bool              `json:"profile_updated"`
	Profile        *core.UserProfile `json:"profile,omitempty"`
	Warning        string            `json:"warning,omitempty"`
}

// handleConfirmSalary records this cycle's recurring income. Without an
// amount the suggested monthly income is used.
func (s *Server) handleConfirmSalary(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, "malformed request body")
		return
	}

	var amount core.Money
	if raw := parser.Get("amount"); raw != "" {
		m, err := core.ParseAmount(raw)
		if err != nil {
			s.writeError(w, r, applog.OpConfirm, &core.ValidationError{Field: "amount", Err: err})
			return
		}
		amount = m
	} else if st := sess.Reconciliation(); st.HasSuggestion {
		amount = st.Suggested
	} else {
		s.writeError(w, r, applog.OpConfirm, &core.ValidationError{Field: "amount", Err: core.ErrInvalidAmount})
		return
	}

	res, err := sess.ConfirmSalary(r.Context(), amount)
	if err != nil {
		s.writeError(w, r, applog.OpConfirm, err)
		return
	}

	resp := confirmResponse{Transaction: res.Transaction, ProfileUpdated: res.ProfileUpdated}
	if res.ProfileUpdated {
		resp.Profile = &res.Profile
	}
	if res.ProfileErr != nil {
		resp.Warning = "salary recorded but monthly income was not updated"
	}
	s.structured.LogTransactionCreated(r.Context(), sess.UserID(), res.Transaction.ID,
		string(res.Transaction.Type), res.Transaction.Category, res.Transaction.Amount.Cents)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSkipSalary(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r.Context()).DismissSalary(); err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).Profile())
}

type profileUpdateRequest struct {
	Name          *string     `json:"name"`
	Currency      *string     `json:"currency"`
	MonthlyIncome *core.Money `json:"monthly_income"`
	SalaryDate    *int        `json:"salary_date"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, err.Error())
		return
	}

	p, err := sessionFrom(r.Context()).UpdateProfile(r.Context(), core.ProfileUpdate{
		Name:          req.Name,
		Currency:      req.Currency,
		MonthlyIncome: req.MonthlyIncome,
		SalaryDate:    req.SalaryDate,
	})
	if err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type profileRequest struct {
	Name          string     `json:"name"`
	Currency      string     `json:"currency"`
	MonthlyIncome core.Money `json:"monthly_income"`
	SalaryDate    int        `json:"salary_date"`
}

// handleSaveProfile stores a complete profile, as submitted by onboarding.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, applog.ErrorTypeValidation, err.Error())
		return
	}
	if req.SalaryDate == 0 {
		req.SalaryDate = 1
	}
	if err := (core.ProfileUpdate{SalaryDate: &req.SalaryDate}).Validate(); err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	if req.Currency == "" {
		req.Currency = core.DefaultCurrency
	}

	p, err := sessionFrom(r.Context()).SaveProfile(r.Context(), core.UserProfile{
		Name:          sanitizeInput(req.Name),
		Currency:      sanitizeInput(req.Currency),
		MonthlyIncome: req.MonthlyIncome,
		SalaryDate:    req.SalaryDate,
	})
	if err != nil {
		s.writeError(w, r, applog.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleSignOut ends the user's session. Open streams receive a closed
// event.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	userID := sessionFrom(r.Context()).UserID()
	if s.deps.Auth != nil {
		s.deps.Auth.SignOut(userID)
	}
	s.deps.Manager.CloseSession(userID)
	w.WriteHeader(http.StatusNoContent)
}
