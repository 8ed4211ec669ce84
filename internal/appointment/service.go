package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
	"github.com/hackgods/appointment-billing/internal/config"
	"github.com/hackgods/appointment-billing/internal/metrics"
	redisclient "github.com/hackgods/appointment-billing/internal/redis"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService wires the scheduling core. locker, log and m may be nil.
func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *Service {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SlotLength <= 0 {
		cfg.SlotLength = availability.DefaultSlotLength
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		cfg:     cfg,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer("appointment-billing/internal/appointment"),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for past-slot and cancellation checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ResolveSlots lists the doctor's candidate slots for date, each marked free
// or taken. Past slots are included. An unknown doctor has no slots.
func (s *Service) ResolveSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]availability.Slot, error) {
	if date.IsZero() {
		return nil, ErrInvalidDate
	}
	date = availability.Day(date)

	windows, err := s.repo.GetAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	starts, skipped := availability.Candidates(windows, date.Weekday(), s.cfg.SlotLength)
	for _, sk := range skipped {
		s.log.Warn("skipping availability window",
			zap.Stringer("doctor_id", doctorID),
			zap.String("window", sk.Window.String()),
			zap.Error(sk.Reason),
		)
	}
	if len(starts) == 0 {
		return []availability.Slot{}, nil
	}

	booked, err := s.repo.ListBookedTimeSlots(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(booked))
	for _, t := range booked {
		taken[t] = struct{}{}
	}

	return availability.Mark(starts, taken), nil
}

// GetAvailability returns the doctor's weekly windows in day/start order.
func (s *Service) GetAvailability(ctx context.Context, doctorID uuid.UUID) ([]availability.Window, error) {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}
	windows, err := s.repo.GetAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return availability.Sorted(windows), nil
}

// UpdateAvailability replaces the doctor's schedule wholesale. Existing
// appointments are not touched, even if they fall outside the new windows.
func (s *Service) UpdateAvailability(ctx context.Context, actor Actor, doctorID uuid.UUID, windows []availability.Window) ([]availability.Window, error) {
	if actor.Role != RoleAdmin && (actor.Role != RoleDoctor || actor.UserID != doctorID) {
		return nil, ErrForbidden
	}

	sorted, err := availability.Validate(windows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAvailability, err)
	}

	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceAvailability(ctx, doctorID, sorted); err != nil {
		return nil, err
	}

	s.log.Info("availability replaced",
		zap.Stringer("doctor_id", doctorID),
		zap.Int("windows", len(sorted)),
	)
	return sorted, nil
}

// GetAppointment returns one appointment the actor is a party to.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAppointment(actor, appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// ListQuery filters appointment listings. Exactly one of PatientID and
// DoctorID is used; PatientID wins when both are set.
type ListQuery struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Limit     int
	Offset    int
}

func (s *Service) ListAppointments(ctx context.Context, actor Actor, q ListQuery) ([]Appointment, error) {
	// Patients and doctors default to their own appointments.
	if q.PatientID == nil && q.DoctorID == nil {
		switch actor.Role {
		case RolePatient:
			q.PatientID = &actor.UserID
		case RoleDoctor:
			q.DoctorID = &actor.UserID
		default:
			return nil, ErrMissingFilter
		}
	}

	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	if q.PatientID != nil {
		if actor.Role == RoleDoctor || (actor.Role == RolePatient && actor.UserID != *q.PatientID) {
			return nil, ErrForbidden
		}
		return s.repo.ListAppointmentsByPatient(ctx, *q.PatientID, q.Limit, q.Offset)
	}

	if actor.Role == RolePatient || (actor.Role == RoleDoctor && actor.UserID != *q.DoctorID) {
		return nil, ErrForbidden
	}
	return s.repo.ListAppointmentsByDoctor(ctx, *q.DoctorID, q.Limit, q.Offset)
}

// GetInvoice returns an invoice to its patient, the appointment's doctor, or staff.
func (s *Service) GetInvoice(ctx context.Context, actor Actor, id uuid.UUID) (*billing.Invoice, error) {
	inv, err := s.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeInvoice(ctx, actor, inv, true); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInvoiceForAppointment(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*billing.Invoice, error) {
	if _, err := s.GetAppointment(ctx, actor, appointmentID); err != nil {
		return nil, err
	}
	return s.repo.GetInvoiceByAppointmentID(ctx, appointmentID)
}

// authorizeInvoice lets the patient and staff through. The appointment's
// doctor may only read.
func (s *Service) authorizeInvoice(ctx context.Context, actor Actor, inv *billing.Invoice, read bool) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RolePatient:
		if actor.UserID == inv.PatientID {
			return nil
		}
	case RoleDoctor:
		if !read {
			return ErrForbidden
		}
		appt, err := s.repo.GetAppointmentByID(ctx, inv.AppointmentID)
		if err != nil {
			return err
		}
		if appt.DoctorID == actor.UserID {
			return nil
		}
	}
	return ErrForbidden
}

// lookupParty turns not-found errors on claim inputs into their rejection reasons.
func lookupParty(err error, notFound, reason error) error {
	if errors.Is(err, notFound) {
		return reason
	}
	return err
}
