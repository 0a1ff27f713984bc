package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"transaction-service/pkg/auth"
	"transaction-service/pkg/ledger"
	"transaction-service/pkg/models"
	"transaction-service/pkg/scheduler"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const idempotencyHeader = "Idempotency-Key"

type movementBody struct {
	Amount         decimal.Decimal     `json:"amount"`
	Category       string              `json:"category"`
	Description    string              `json:"description"`
	Channel        models.Channel      `json:"channel"`
	ToAccount      string              `json:"to_account"`
	Mode           models.TransferMode `json:"mode"`
	IdempotencyKey *string             `json:"idempotency_key"`
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(r *http.Request, body *string) *string {
	if h := strings.TrimSpace(r.Header.Get(idempotencyHeader)); h != "" {
		return &h
	}
	return body
}

func customerID(r *http.Request) string {
	id, _ := auth.FromContext(r.Context())
	return id.CustomerID
}

// accountMovement decodes the body of a debit, credit or transfer after
// checking the caller may act on the path account.
func (s *Server) accountMovement(w http.ResponseWriter, r *http.Request) (string, movementBody, bool) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return "", movementBody{}, false
	}
	var body movementBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return "", movementBody{}, false
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	return account, body, true
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	account, body, ok := s.accountMovement(w, r)
	if !ok {
		return
	}
	tx, err := s.deps.Ledger.RecordDebit(r.Context(), ledger.DebitRequest{
		AccountNumber:  account,
		CustomerID:     customerID(r),
		Amount:         body.Amount,
		Category:       body.Category,
		Description:    body.Description,
		Channel:        body.Channel,
		IdempotencyKey: body.IdempotencyKey,
	})
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	account, body, ok := s.accountMovement(w, r)
	if !ok {
		return
	}
	tx, err := s.deps.Ledger.RecordCredit(r.Context(), ledger.CreditRequest{
		AccountNumber:  account,
		CustomerID:     customerID(r),
		Amount:         body.Amount,
		Category:       body.Category,
		Description:    body.Description,
		IdempotencyKey: body.IdempotencyKey,
	})
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	account, body, ok := s.accountMovement(w, r)
	if !ok {
		return
	}
	tx, err := s.deps.Ledger.RecordTransfer(r.Context(), ledger.TransferRequest{
		AccountNumber:  account,
		ToAccount:      body.ToAccount,
		CustomerID:     customerID(r),
		Amount:         body.Amount,
		Mode:           body.Mode,
		Category:       body.Category,
		Description:    body.Description,
		IdempotencyKey: body.IdempotencyKey,
	})
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Ledger.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, tx.AccountNumber) {
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := s.deps.Ledger.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, tx.AccountNumber) {
		return
	}
	saga, err := s.deps.Sagas.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saga)
}

func (s *Server) handleManualReview(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	sagas, err := s.deps.Sagas.ListManualReview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sagas == nil {
		sagas = []*models.TransactionSaga{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sagas": sagas, "count": len(sagas)})
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, models.InvalidRequestf("%s must be an integer", name)
	}
	return n, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Queries.History(r.Context(), account, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMiniStatement(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}
	result, err := s.deps.Queries.MiniStatement(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}

	now := time.Now().UTC()
	year, err := intParam(r, "year", now.Year())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	month, err := intParam(r, "month", int(now.Month()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Queries.MonthlyAnalytics(r.Context(), account, year, month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}
	limit, err := s.deps.Limits.Get(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}
	var limit models.TransactionLimit
	if err := decodeJSON(w, r, &limit); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit.AccountNumber = account

	saved, err := s.deps.Limits.Set(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type scheduleBody struct {
	AccountNumber string                 `json:"account_number"`
	Amount        decimal.Decimal        `json:"amount"`
	Type          models.TransactionType `json:"type"`
	Category      string                 `json:"category"`
	Description   string                 `json:"description"`
	Frequency     models.Frequency       `json:"frequency"`
	StartDate     string                 `json:"start_date"`
	EndDate       string                 `json:"end_date"`
}

func parseDate(name, v string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, models.InvalidRequestf("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := models.ValidateAccountNumber(body.AccountNumber); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, body.AccountNumber) {
		return
	}

	start, err := parseDate("start_date", body.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := scheduler.CreateRequest{
		AccountNumber: body.AccountNumber,
		CustomerID:    customerID(r),
		Amount:        body.Amount,
		Type:          body.Type,
		Category:      body.Category,
		Description:   body.Description,
		Frequency:     body.Frequency,
		StartDate:     start,
	}
	if body.EndDate != "" {
		end, err := parseDate("end_date", body.EndDate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.EndDate = &end
	}

	sched, err := s.deps.Schedules.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !s.authorize(w, r, account) {
		return
	}
	schedules, err := s.deps.Schedules.List(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []*models.ScheduledTransaction{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// loadSchedule fetches the path schedule and checks the caller owns its account.
func (s *Server) loadSchedule(w http.ResponseWriter, r *http.Request) (*models.ScheduledTransaction, bool) {
	sched, err := s.deps.Schedules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !s.authorize(w, r, sched.AccountNumber) {
		return nil, false
	}
	return sched, true
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleScheduleAction(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}

	var (
		updated *models.ScheduledTransaction
		err     error
	)
	switch mux.Vars(r)["action"] {
	case "pause":
		updated, err = s.deps.Schedules.Pause(r.Context(), sched.ID)
	case "resume":
		updated, err = s.deps.Schedules.Resume(r.Context(), sched.ID)
	case "cancel":
		updated, err = s.deps.Schedules.Cancel(r.Context(), sched.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
