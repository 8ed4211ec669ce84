package billing

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// LineItem amounts are in minor currency units.
type LineItem struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// Invoice is the billing record for exactly one appointment. Amounts are
// fixed at issue time; only the payment fields change afterwards.
type Invoice struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Items         []LineItem
	TotalAmount   int64
	Discount      int64
	Tax           int64
	FinalAmount   int64
	PaymentStatus PaymentStatus
	PaymentMethod string
	InvoiceNumber string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FeeSchedule is what a booking is charged from. ConsultationFee and Discount
// come from the doctor's profile; the basis-point rates are platform settings.
type FeeSchedule struct {
	ConsultationFee int64
	Discount        int64
	PlatformFeeBps  int64
	TaxBps          int64
}

// Draft is a computed, not yet numbered, invoice body.
type Draft struct {
	Items       []LineItem
	TotalAmount int64
	Discount    int64
	Tax         int64
	FinalAmount int64
}
