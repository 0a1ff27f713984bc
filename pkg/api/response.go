package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"transaction-service/pkg/models"

	"go.uber.org/zap"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error       string              `json:"error"`
	Message     string              `json:"message"`
	Limit       *models.LimitError  `json:"limit,omitempty"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

var statusByClass = map[string]int{
	"invalid_request":      http.StatusBadRequest,
	"insufficient_balance": http.StatusUnprocessableEntity,
	"limit_exceeded":       http.StatusUnprocessableEntity,
	"compensation_failed":  http.StatusInternalServerError,
	"external_unavailable": http.StatusServiceUnavailable,
	"not_found":            http.StatusNotFound,
	"duplicate":            http.StatusConflict,
	"conflict":             http.StatusConflict,
	"forbidden":            http.StatusForbidden,
}

func statusFor(err error) (string, int) {
	class := models.Classify(err)
	if status, ok := statusByClass[class]; ok {
		return class, status
	}
	return "internal", http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeFailure(w, r, nil, err)
}

// writeFailure reports err. A transaction recorded as FAILED travels with it.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, tx *models.Transaction, err error) {
	class, status := statusFor(err)
	resp := errorResponse{Error: class, Message: err.Error(), Transaction: tx}

	var limitErr *models.LimitError
	if errors.As(err, &limitErr) {
		resp.Limit = limitErr
	}
	if status == http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

// writeTransaction renders the outcome of a money movement: 201 for a
// settled row, 202 for a transfer still in flight, and the error status
// (with the FAILED row) when the movement was refused downstream.
func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, tx *models.Transaction, err error) {
	if err != nil {
		s.writeFailure(w, r, tx, err)
		return
	}

	switch tx.Status {
	case models.StatusSuccess:
		writeJSON(w, http.StatusCreated, tx)
	case models.StatusPending, models.StatusInProgress:
		writeJSON(w, http.StatusAccepted, tx)
	default:
		// idempotent replay of an earlier failure
		writeJSON(w, http.StatusOK, tx)
	}
}

func writeMessage(w http.ResponseWriter, status int, class, message string) {
	writeJSON(w, status, errorResponse{Error: class, Message: message})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return models.InvalidRequestf("invalid request body: %v", err)
	}
	return nil
}
