package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
	redisclient "github.com/hackgods/appointment-billing/internal/redis"
)

// ClaimRequest asks for one doctor/date/time slot. Date is a calendar day;
// only its year, month and day are used.
type ClaimRequest struct {
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	Date          time.Time
	TimeSlot      string
	Type          AppointmentType
	Symptoms      string
	Prepaid       bool
	PaymentMethod string
}

// Claim books a slot and issues its invoice as one unit. At most one of any
// number of concurrent claims on the same slot succeeds; the others get
// ErrSlotTaken. Claims are never retried here.
func (s *Service) Claim(ctx context.Context, actor Actor, req ClaimRequest) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "appointment.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("doctor_id", req.DoctorID.String()),
		attribute.String("time_slot", req.TimeSlot),
	)

	booking, err := s.claim(ctx, actor, req)
	s.metrics.ObserveClaim(Result(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Result(err))
		return nil, err
	}
	s.metrics.ObserveInvoiceIssued()

	s.log.Info("appointment booked",
		zap.Stringer("appointment_id", booking.Appointment.ID),
		zap.Stringer("doctor_id", booking.Appointment.DoctorID),
		zap.Stringer("patient_id", booking.Appointment.PatientID),
		zap.String("date", booking.Appointment.Date.Format(availability.DateLayout)),
		zap.String("time_slot", booking.Appointment.TimeSlot),
		zap.String("invoice_number", booking.Invoice.InvoiceNumber),
	)
	return booking, nil
}

func (s *Service) claim(ctx context.Context, actor Actor, req ClaimRequest) (*Booking, error) {
	if req.Type == "" {
		req.Type = TypeInPerson
	}
	if !req.Type.Valid() {
		return nil, ErrInvalidType
	}
	if req.Date.IsZero() {
		return nil, ErrInvalidDate
	}
	slot, err := availability.ParseClock(req.TimeSlot)
	if err != nil || slot >= availability.EndOfDay {
		return nil, ErrInvalidTime
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.Prepaid && req.PaymentMethod == "" {
		return nil, ErrInvalidPaymentMethod
	}

	switch actor.Role {
	case RoleAdmin:
	case RolePatient:
		if actor.UserID != req.PatientID {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrForbidden
	}

	doctor, err := s.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		return nil, lookupParty(err, ErrDoctorNotFound, ErrInvalidDoctor)
	}
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, lookupParty(err, ErrPatientNotFound, ErrInvalidPatient)
	}

	date := availability.Day(req.Date)
	windows, err := s.repo.GetAvailability(ctx, doctor.ID)
	if err != nil {
		return nil, err
	}
	if !availability.Contains(windows, date.Weekday(), slot, s.cfg.SlotLength) {
		return nil, ErrOutsideAvailability
	}

	now := s.now()
	if !now.Before(availability.At(date, slot, s.cfg.Location)) {
		return nil, ErrPastSlot
	}

	draft, err := billing.BuildDraft(billing.FeeSchedule{
		ConsultationFee: doctor.ConsultationFee,
		Discount:        doctor.Discount,
		PlatformFeeBps:  s.cfg.PlatformFeeBps,
		TaxBps:          s.cfg.TaxBps,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeeSchedule, err)
	}

	nb := NewBooking{
		Appointment: Appointment{
			ID:        uuid.New(),
			DoctorID:  doctor.ID,
			PatientID: req.PatientID,
			Date:      date,
			TimeSlot:  slot.String(),
			Type:      req.Type,
			Status:    StatusPending,
			Symptoms:  strings.TrimSpace(req.Symptoms),
		},
		InvoiceID: uuid.New(),
		Invoice:   draft,
	}
	if req.Type == TypeOnline {
		nb.Appointment.VideoRoom = VideoRoomFor(nb.Appointment.ID)
	}
	if req.Prepaid {
		nb.Appointment.Status = StatusConfirmed
		nb.Prepaid = true
		nb.PaymentMethod = req.PaymentMethod
		nb.PaidAt = now.UTC()
	}

	var booking *Booking
	create := func(ctx context.Context) error {
		appt, inv, err := s.repo.CreateBooking(ctx, nb)
		if err != nil {
			return err
		}
		booking = &Booking{Appointment: appt, Invoice: inv}
		return nil
	}

	key := redisclient.SlotKey(doctor.ID, date.Format(availability.DateLayout), slot.String())
	err = s.locker.WithSlotLock(ctx, key, create)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		// The holder may still roll back. The partial unique index waits on
		// its row and decides the winner.
		s.log.Debug("slot lock contended, deferring to the database constraint", zap.String("key", key))
		err = create(ctx)
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.log.Warn("slot lock unavailable, relying on the database constraint",
			zap.String("key", key),
			zap.Error(err),
		)
		err = create(ctx)
	}
	if err != nil {
		return nil, err
	}

	return booking, nil
}
