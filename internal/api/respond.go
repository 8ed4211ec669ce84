package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/appointment-billing/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{appointment.ErrForbidden, http.StatusForbidden, "forbidden"},

	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrInvoiceNotFound, http.StatusNotFound, "invoice_not_found"},
	{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},

	{appointment.ErrInvalidDoctor, http.StatusBadRequest, "invalid_doctor"},
	{appointment.ErrInvalidPatient, http.StatusBadRequest, "invalid_patient"},
	{appointment.ErrOutsideAvailability, http.StatusBadRequest, "outside_availability"},
	{appointment.ErrPastSlot, http.StatusBadRequest, "past_slot"},
	{appointment.ErrInvalidAvailability, http.StatusBadRequest, "invalid_availability"},
	{appointment.ErrInvalidDate, http.StatusBadRequest, "invalid_date"},
	{appointment.ErrInvalidTime, http.StatusBadRequest, "invalid_time_slot"},
	{appointment.ErrInvalidType, http.StatusBadRequest, "invalid_type"},
	{appointment.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{appointment.ErrInvalidPaymentMethod, http.StatusBadRequest, "invalid_payment_method"},
	{appointment.ErrMissingFilter, http.StatusBadRequest, "missing_filter"},
	{appointment.ErrInvalidFeeSchedule, http.StatusBadRequest, "invalid_fee_schedule"},

	{appointment.ErrSlotTaken, http.StatusConflict, "slot_taken"},
	{appointment.ErrDuplicateInvoice, http.StatusConflict, "duplicate_invoice"},

	{appointment.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{appointment.ErrStatusChanged, http.StatusConflict, "status_changed"},
	{appointment.ErrNotYetDue, http.StatusConflict, "not_yet_due"},
	{appointment.ErrCancellationClosed, http.StatusConflict, "cancellation_closed"},
	{appointment.ErrInvalidInvoiceState, http.StatusConflict, "invalid_invoice_state"},

	{appointment.ErrValidation, http.StatusBadRequest, "invalid_request"},
	{appointment.ErrConflict, http.StatusConflict, "conflict"},
	{appointment.ErrState, http.StatusConflict, "invalid_state"},
	{appointment.ErrDependency, http.StatusServiceUnavailable, "dependency_unavailable"},
}

// writeServiceError maps the service error taxonomy onto HTTP.
func writeServiceError(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			details := err.Error()
			if e.status == http.StatusServiceUnavailable {
				details = "a backing service is unavailable, retry later"
			}
			writeError(w, e.status, e.code, details)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
}
