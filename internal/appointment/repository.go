package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
)

// NewBooking is everything CreateBooking writes in one transaction.
type NewBooking struct {
	Appointment Appointment
	InvoiceID   uuid.UUID
	Invoice     billing.Draft

	// Prepaid bookings are settled inside the same transaction.
	Prepaid       bool
	PaymentMethod string
	PaidAt        time.Time
}

// SettleOutcome reports what SettleInvoice did. When Settled is false the
// invoice was not pending and is returned as currently stored.
type SettleOutcome struct {
	Invoice     *billing.Invoice
	Appointment *Appointment
	Settled     bool
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// Availability store
	GetAvailability(ctx context.Context, doctorID uuid.UUID) ([]availability.Window, error)
	ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, windows []availability.Window) error

	// Slot resolution: time slots held by non-cancelled appointments
	ListBookedTimeSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error)

	// Admission: appointment + invoice + events, atomically. ErrSlotTaken
	// when an active appointment already holds the slot.
	CreateBooking(ctx context.Context, b NewBooking) (*Appointment, *billing.Invoice, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Compare-and-set on status. ErrStatusChanged when the row is no longer in from.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, actor Actor) (*Appointment, error)

	GetInvoiceByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)
	GetInvoiceByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*billing.Invoice, error)

	// Settlement: pending → paid plus the appointment's pending → confirmed.
	SettleInvoice(ctx context.Context, id uuid.UUID, method string, paidAt time.Time) (*SettleOutcome, error)
	// Compare-and-set on payment status. ErrInvalidInvoiceState when not in from.
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from []billing.PaymentStatus, to billing.PaymentStatus) (*billing.Invoice, error)

	// Outbox
	FetchUnpublishedEvents(ctx context.Context, limit int) ([]EventLog, error)
	MarkEventPublished(ctx context.Context, id int64) (bool, error)
}
