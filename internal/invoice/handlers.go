package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const maxBodySize = 1 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps engine errors onto HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Message,
			"field": ve.Field,
		})
	case errors.Is(err, ErrInvalidDateRange), errors.Is(err, ErrInvalidAmount):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrLineNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvoiceLocked):
		writeErrorMessage(w, http.StatusConflict, ErrInvoiceLocked.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvoiceBusy):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrDuplicateNumber):
		slog.Error("Allocated invoice number already stored", "path", r.URL.Path, "error", err)
		writeErrorMessage(w, http.StatusConflict, ErrDuplicateNumber.Error())
	case errors.Is(err, ErrAllocationUnavailable):
		slog.Error("Invoice number allocation failed", "path", r.URL.Path, "error", err)
		writeErrorMessage(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry later")
	case errors.Is(err, ErrBackupUnsupported):
		writeErrorMessage(w, http.StatusNotImplemented, err.Error())
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeErrorMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ValidationError{Field: "body", Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD form"}
	}
	return t, nil
}

// invoiceResponse adds the derived display status to the read model
type invoiceResponse struct {
	*Invoice
	DisplayStatus      Status   `json:"display_status"`
	AllowedTransitions []Status `json:"allowed_transitions,omitempty"`
}

func (s *Server) respond(inv *Invoice, withTransitions bool) invoiceResponse {
	resp := invoiceResponse{
		Invoice:       inv,
		DisplayStatus: inv.DisplayStatus(s.service.timeSource.Now()),
	}
	if withTransitions {
		resp.AllowedTransitions = s.service.machine.Allowed(inv)
	}
	return resp
}

type createInvoiceRequest struct {
	IssueDate       string          `json:"issue_date"`
	DueDate         string          `json:"due_date"`
	PaymentTermDays int             `json:"payment_term_days"`
	TaxRateID       string          `json:"tax_rate_id"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Lines           []LineInput     `json:"line_items"`
}

// handleCreateInvoice handles invoice creation
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	issue, err := parseDate("issue_date", req.IssueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.service.CreateInvoice(r.Context(), CreateRequest{
		IssueDate:       issue,
		DueDate:         due,
		PaymentTermDays: req.PaymentTermDays,
		TaxRateID:       req.TaxRateID,
		TaxRate:         req.TaxRate,
		Lines:           req.Lines,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.respond(inv, true))
}

// handleListInvoices returns invoices, optionally filtered by status and year
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if y := r.URL.Query().Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, r, &ValidationError{Field: "year", Message: "must be a number"})
			return
		}
		filter.Year = year
	}

	invoices, err := s.service.ListInvoices(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		resp = append(resp, s.respond(inv, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetInvoice returns a single invoice with its lines
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.respond(inv, true))
}

// handleDeleteInvoice deletes an invoice
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteInvoice(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateLines applies line edits
func (s *Server) handleUpdateLines(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Edits []LineEdit `json:"edits"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.service.UpdateLines(r.Context(), r.PathValue("id"), req.Edits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.respond(inv, true))
}

// handleChangeTaxRate switches the invoice's tax rate
func (s *Server) handleChangeTaxRate(w http.ResponseWriter, r *http.Request) {
	var req TaxRateInput
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.service.ChangeTaxRate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.respond(inv, true))
}

// handleChangeStatus runs a status transition
func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status Status `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Status.Valid() && req.Status != StatusOverdue {
		writeError(w, r, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	inv, err := s.service.ChangeStatus(r.Context(), r.PathValue("id"), req.Status, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.respond(inv, true))
}

// handleGetTotals returns totals computed from the committed lines
func (s *Server) handleGetTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.service.GetTotals(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// handleDuplicateInvoice copies an invoice under a new number
func (s *Server) handleDuplicateInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.DuplicateInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.respond(inv, true))
}

// handleCreateBackup writes a database snapshot
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, r, ErrBackupUnsupported)
		return
	}
	info, err := s.backups.Create(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Backup created", "name", info.Name, "size", info.Size)
	writeJSON(w, http.StatusCreated, info)
}

// handleListBackups lists database snapshots
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, r, ErrBackupUnsupported)
		return
	}
	backups, err := s.backups.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}
