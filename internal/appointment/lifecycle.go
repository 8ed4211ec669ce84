package appointment

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State transitions and who may trigger them:
//
//	pending   → confirmed   doctor, system (payment settled)
//	pending   → cancelled   patient, doctor
//	confirmed → completed   doctor, once the slot has started
//	confirmed → cancelled   patient (before the slot starts), doctor
//
// completed and cancelled are terminal.
var transitions = map[AppointmentStatus]map[AppointmentStatus][]Role{
	StatusPending: {
		StatusConfirmed: {RoleDoctor, RoleSystem},
		StatusCancelled: {RolePatient, RoleDoctor},
	},
	StatusConfirmed: {
		StatusCompleted: {RoleDoctor},
		StatusCancelled: {RolePatient, RoleDoctor},
	},
}

// CheckTransition is the single gate for status changes.
func CheckTransition(from, to AppointmentStatus, role Role) error {
	if slices.Contains(transitions[from][to], role) {
		return nil
	}
	return fmt.Errorf("%w: %s → %s by %s", ErrIllegalTransition, from, to, role)
}

// Transition moves an appointment to target on behalf of actor.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, target AppointmentStatus) (*Appointment, error) {
	appt, err := s.transition(ctx, actor, id, target)
	s.metrics.ObserveTransition(string(target), Result(err))
	return appt, err
}

func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, target AppointmentStatus) (*Appointment, error) {
	if !target.Valid() {
		return nil, ErrInvalidStatus
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAppointment(actor, appt); err != nil {
		return nil, err
	}
	if err := CheckTransition(appt.Status, target, actor.Role); err != nil {
		return nil, err
	}

	now := s.now()
	startsAt := appt.StartsAt(s.cfg.Location)
	switch {
	case target == StatusCompleted && now.Before(startsAt):
		return nil, ErrNotYetDue
	case target == StatusCancelled && actor.Role == RolePatient && !now.Before(startsAt):
		return nil, ErrCancellationClosed
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, target, actor)
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment status changed",
		zap.Stringer("appointment_id", updated.ID),
		zap.String("from", string(appt.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_role", string(actor.Role)),
	)
	return updated, nil
}

// authorizeAppointment checks the actor is a party to the appointment.
func authorizeAppointment(actor Actor, appt *Appointment) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RolePatient:
		if actor.UserID == appt.PatientID {
			return nil
		}
	case RoleDoctor:
		if actor.UserID == appt.DoctorID {
			return nil
		}
	}
	return ErrForbidden
}
