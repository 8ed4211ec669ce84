package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type AppointmentType string

const (
	TypeInPerson AppointmentType = "in_person"
	TypeOnline   AppointmentType = "online"
)

func (t AppointmentType) Valid() bool {
	return t == TypeInPerson || t == TypeOnline
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Actor is the authenticated caller, as supplied by the identity layer.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor drives transitions that happen as a side effect, e.g. payment.
var SystemActor = Actor{Role: RoleSystem}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID              uuid.UUID
	Name            string
	Specialty       *string
	ConsultationFee int64
	Discount        int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Appointment struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	Date          time.Time
	TimeSlot      string
	Type          AppointmentType
	Status        AppointmentStatus
	Symptoms      string
	AmountPaid    int64
	PaymentMethod string
	VideoRoom     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StartsAt returns the slot start as an instant in loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	c, err := availability.ParseClock(a.TimeSlot)
	if err != nil {
		return availability.At(a.Date, 0, loc)
	}
	return availability.At(a.Date, c, loc)
}

// VideoRoomFor derives the opaque room id handed to the video provider.
func VideoRoomFor(id uuid.UUID) string {
	return "room-" + id.String()
}

// Booking is the unit admitted by a successful claim.
type Booking struct {
	Appointment *Appointment
	Invoice     *billing.Invoice
}

// SettleResult is returned by settlement. AlreadySettled is true when the
// call found the invoice paid and changed nothing.
type SettleResult struct {
	Invoice        *billing.Invoice
	Appointment    *Appointment
	AlreadySettled bool
}

const (
	EventAppointmentCreated       = "AppointmentCreated"
	EventAppointmentStatusChanged = "AppointmentStatusChanged"
	EventInvoiceIssued            = "InvoiceIssued"
	EventInvoicePaid              = "InvoicePaid"
	EventInvoiceFailed            = "InvoiceFailed"
	EventInvoiceRefunded          = "InvoiceRefunded"
)

// EventLog is an outbox row; PublishedAt is set once the relay delivered it.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}
