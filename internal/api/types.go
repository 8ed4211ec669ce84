package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
)

type AvailabilityRequest struct {
	Windows []availability.Window `json:"windows"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID             `json:"doctor_id"`
	Windows  []availability.Window `json:"windows"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID           `json:"doctor_id"`
	Date     string              `json:"date"`
	Slots    []availability.Slot `json:"slots"`
}

// CreateAppointmentRequest books a slot. PatientID defaults to the caller.
type CreateAppointmentRequest struct {
	DoctorID      string `json:"doctor_id"`
	PatientID     string `json:"patient_id,omitempty"`
	Date          string `json:"date"`
	TimeSlot      string `json:"time_slot"`
	Type          string `json:"type,omitempty"`
	Symptoms      string `json:"symptoms,omitempty"`
	Prepaid       bool   `json:"prepaid,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status"`
}

type SettleRequest struct {
	Method string `json:"method"`
}

type AppointmentResponse struct {
	ID            uuid.UUID `json:"id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Date          string    `json:"date"`
	TimeSlot      string    `json:"time_slot"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Symptoms      string    `json:"symptoms,omitempty"`
	AmountPaid    int64     `json:"amount_paid"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	VideoRoom     string    `json:"video_room,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type InvoiceResponse struct {
	ID            uuid.UUID          `json:"id"`
	InvoiceNumber string             `json:"invoice_number"`
	PatientID     uuid.UUID          `json:"patient_id"`
	AppointmentID uuid.UUID          `json:"appointment_id"`
	Items         []billing.LineItem `json:"items"`
	TotalAmount   int64              `json:"total_amount"`
	Discount      int64              `json:"discount"`
	Tax           int64              `json:"tax"`
	FinalAmount   int64              `json:"final_amount"`
	PaymentStatus string             `json:"payment_status"`
	PaymentMethod string             `json:"payment_method,omitempty"`
	PaidAt        *time.Time         `json:"paid_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type BookingResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Invoice     InvoiceResponse     `json:"invoice"`
}

type SettleResponse struct {
	Invoice        InvoiceResponse     `json:"invoice"`
	Appointment    AppointmentResponse `json:"appointment"`
	AlreadySettled bool                `json:"already_settled"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Date:          a.Date.Format(availability.DateLayout),
		TimeSlot:      a.TimeSlot,
		Type:          string(a.Type),
		Status:        string(a.Status),
		Symptoms:      a.Symptoms,
		AmountPaid:    a.AmountPaid,
		PaymentMethod: a.PaymentMethod,
		VideoRoom:     a.VideoRoom,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		AppointmentID: inv.AppointmentID,
		Items:         inv.Items,
		TotalAmount:   inv.TotalAmount,
		Discount:      inv.Discount,
		Tax:           inv.Tax,
		FinalAmount:   inv.FinalAmount,
		PaymentStatus: string(inv.PaymentStatus),
		PaymentMethod: inv.PaymentMethod,
		PaidAt:        inv.PaidAt,
		CreatedAt:     inv.CreatedAt,
	}
}
