package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled}
var allRoles = []Role{RolePatient, RoleDoctor, RoleAdmin, RoleSystem}

func TestCheckTransition(t *testing.T) {
	allowed := map[AppointmentStatus]map[AppointmentStatus][]Role{
		StatusPending: {
			StatusConfirmed: {RoleDoctor, RoleSystem},
			StatusCancelled: {RolePatient, RoleDoctor},
		},
		StatusConfirmed: {
			StatusCompleted: {RoleDoctor},
			StatusCancelled: {RolePatient, RoleDoctor},
		},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, role := range allRoles {
				err := CheckTransition(from, to, role)

				want := false
				for _, r := range allowed[from][to] {
					want = want || r == role
				}
				if want {
					assert.NoError(t, err, "%s → %s by %s", from, to, role)
				} else {
					assert.ErrorIs(t, err, ErrIllegalTransition, "%s → %s by %s", from, to, role)
					assert.ErrorIs(t, err, ErrState)
				}
			}
		}
	}
}

func TestCheckTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range []AppointmentStatus{StatusCompleted, StatusCancelled} {
		assert.True(t, from.Terminal())
		for _, to := range allStatuses {
			for _, role := range allRoles {
				assert.ErrorIs(t, CheckTransition(from, to, role), ErrIllegalTransition)
			}
		}
	}
}

func bookedFixture(t *testing.T) (*fixture, Actor, *Booking) {
	t.Helper()
	f := newFixture(t, nil)
	p := f.patient("P")
	b, err := f.claim(p, "09:00")
	require.NoError(t, err)
	return f, p, b
}

func TestTransition_DoctorConfirmsThenCompletes(t *testing.T) {
	f, _, b := bookedFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Transition(ctx, f.doctor, b.Appointment.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)

	_, err = f.svc.Transition(ctx, f.doctor, b.Appointment.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrNotYetDue)

	f.clock.Set(monday.Add(9*time.Hour + 10*time.Minute))
	appt, err = f.svc.Transition(ctx, f.doctor, b.Appointment.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, appt.Status)

	for _, target := range allStatuses {
		_, err = f.svc.Transition(ctx, f.doctor, b.Appointment.ID, target)
		assert.ErrorIs(t, err, ErrIllegalTransition)
	}
}

func TestTransition_SkippingConfirmedIsIllegal(t *testing.T) {
	f, _, b := bookedFixture(t)
	f.clock.Set(monday.Add(12 * time.Hour))

	_, err := f.svc.Transition(context.Background(), f.doctor, b.Appointment.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransition_PatientCannotConfirm(t *testing.T) {
	f, p, b := bookedFixture(t)

	_, err := f.svc.Transition(context.Background(), p, b.Appointment.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransition_PatientCancellationWindow(t *testing.T) {
	f, p, b := bookedFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transition(ctx, f.doctor, b.Appointment.ID, StatusConfirmed)
	require.NoError(t, err)

	f.clock.Set(monday.Add(9 * time.Hour))
	_, err = f.svc.Transition(ctx, p, b.Appointment.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrCancellationClosed)

	appt, err := f.svc.Transition(ctx, f.doctor, b.Appointment.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
}

func TestTransition_PatientCancelsPending(t *testing.T) {
	f, p, b := bookedFixture(t)

	appt, err := f.svc.Transition(context.Background(), p, b.Appointment.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Contains(t, f.repo.eventTypes(), EventAppointmentStatusChanged)
}

func TestTransition_Ownership(t *testing.T) {
	f, _, b := bookedFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transition(ctx, f.patient("Q"), b.Appointment.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Transition(ctx, Actor{UserID: uuid.New(), Role: RoleDoctor}, b.Appointment.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Transition(ctx, f.admin, b.Appointment.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrIllegalTransition, "admins are not on any edge")
}

func TestTransition_UnknownAndInvalid(t *testing.T) {
	f, _, b := bookedFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transition(ctx, f.doctor, uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.Transition(ctx, f.doctor, b.Appointment.ID, "archived")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// staleRepo serves a snapshot taken before another writer moved the row on.
type staleRepo struct {
	*memRepo
	snapshot Appointment
}

func (r *staleRepo) GetAppointmentByID(context.Context, uuid.UUID) (*Appointment, error) {
	a := r.snapshot
	return &a, nil
}

func TestTransition_LostRaceIsStatusChanged(t *testing.T) {
	f, p, b := bookedFixture(t)

	stale := &staleRepo{memRepo: f.repo, snapshot: *b.Appointment}
	f.repo.setAppointmentStatus(b.Appointment.ID, StatusCancelled)
	f.svc.repo = stale

	_, err := f.svc.Transition(context.Background(), p, b.Appointment.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrStatusChanged)
	assert.ErrorIs(t, err, ErrState)
}
