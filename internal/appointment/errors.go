package appointment

import (
	"errors"
	"fmt"
)

// Error classes. Every rejection returned by this package unwraps to exactly
// one of these, so callers can decide on retry and status codes with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("state error")
	ErrDependency = errors.New("dependency unavailable")
	ErrForbidden  = errors.New("forbidden")
)

type reasonError struct {
	class  error
	reason string
}

func (e *reasonError) Error() string { return e.reason }
func (e *reasonError) Unwrap() error { return e.class }

func reason(class error, msg string) error {
	return &reasonError{class: class, reason: msg}
}

var (
	ErrInvalidDoctor        = reason(ErrValidation, "invalid doctor")
	ErrInvalidPatient       = reason(ErrValidation, "invalid patient")
	ErrOutsideAvailability  = reason(ErrValidation, "slot is outside the doctor's availability")
	ErrPastSlot             = reason(ErrValidation, "slot has already started")
	ErrInvalidAvailability  = reason(ErrValidation, "invalid availability")
	ErrInvalidDate          = reason(ErrValidation, "invalid date")
	ErrInvalidTime          = reason(ErrValidation, "invalid time slot")
	ErrInvalidType          = reason(ErrValidation, "invalid appointment type")
	ErrInvalidStatus        = reason(ErrValidation, "invalid appointment status")
	ErrInvalidPaymentMethod = reason(ErrValidation, "payment method is required")
	ErrMissingFilter        = reason(ErrValidation, "patient_id or doctor_id is required")
	ErrInvalidFeeSchedule   = reason(ErrValidation, "doctor fee schedule gives an out-of-range invoice amount")

	ErrPatientNotFound     = reason(ErrValidation, "patient not found")
	ErrDoctorNotFound      = reason(ErrValidation, "doctor not found")
	ErrAppointmentNotFound = reason(ErrValidation, "appointment not found")
	ErrInvoiceNotFound     = reason(ErrValidation, "invoice not found")

	ErrSlotTaken        = reason(ErrConflict, "slot already taken")
	ErrDuplicateInvoice = reason(ErrConflict, "invoice already exists")

	ErrIllegalTransition   = reason(ErrState, "illegal status transition")
	ErrStatusChanged       = reason(ErrState, "appointment status changed concurrently")
	ErrNotYetDue           = reason(ErrState, "appointment has not started yet")
	ErrCancellationClosed  = reason(ErrState, "appointment can no longer be cancelled by the patient")
	ErrInvalidInvoiceState = reason(ErrState, "invalid invoice state")
)

// dependency marks a store or network failure as retryable-by-caller.
func dependency(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependency, err)
}

// Result maps an outcome onto a short metrics label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrState):
		return "rejected"
	default:
		return "error"
	}
}
