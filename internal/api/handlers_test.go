package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
	"github.com/hackgods/appointment-billing/internal/metrics"
)

const testSecret = "test-secret"

var errNotStubbed = errors.New("not stubbed")

type stubService struct {
	resolveSlots func(doctorID uuid.UUID, date time.Time) ([]availability.Slot, error)
	claim        func(actor appointment.Actor, req appointment.ClaimRequest) (*appointment.Booking, error)
	list         func(actor appointment.Actor, q appointment.ListQuery) ([]appointment.Appointment, error)
	transition   func(actor appointment.Actor, id uuid.UUID, target appointment.AppointmentStatus) (*appointment.Appointment, error)
	getInvoice   func(actor appointment.Actor, id uuid.UUID) (*billing.Invoice, error)
	settle       func(actor appointment.Actor, id uuid.UUID, method string) (*appointment.SettleResult, error)
}

func (s *stubService) ResolveSlots(_ context.Context, doctorID uuid.UUID, date time.Time) ([]availability.Slot, error) {
	if s.resolveSlots == nil {
		return nil, errNotStubbed
	}
	return s.resolveSlots(doctorID, date)
}

func (s *stubService) GetAvailability(context.Context, uuid.UUID) ([]availability.Window, error) {
	return nil, errNotStubbed
}

func (s *stubService) UpdateAvailability(context.Context, appointment.Actor, uuid.UUID, []availability.Window) ([]availability.Window, error) {
	return nil, errNotStubbed
}

func (s *stubService) Claim(_ context.Context, actor appointment.Actor, req appointment.ClaimRequest) (*appointment.Booking, error) {
	if s.claim == nil {
		return nil, errNotStubbed
	}
	return s.claim(actor, req)
}

func (s *stubService) GetAppointment(context.Context, appointment.Actor, uuid.UUID) (*appointment.Appointment, error) {
	return nil, appointment.ErrAppointmentNotFound
}

func (s *stubService) ListAppointments(_ context.Context, actor appointment.Actor, q appointment.ListQuery) ([]appointment.Appointment, error) {
	if s.list == nil {
		return nil, errNotStubbed
	}
	return s.list(actor, q)
}

func (s *stubService) Transition(_ context.Context, actor appointment.Actor, id uuid.UUID, target appointment.AppointmentStatus) (*appointment.Appointment, error) {
	if s.transition == nil {
		return nil, errNotStubbed
	}
	return s.transition(actor, id, target)
}

func (s *stubService) GetInvoice(_ context.Context, actor appointment.Actor, id uuid.UUID) (*billing.Invoice, error) {
	if s.getInvoice == nil {
		return nil, errNotStubbed
	}
	return s.getInvoice(actor, id)
}

func (s *stubService) GetInvoiceForAppointment(context.Context, appointment.Actor, uuid.UUID) (*billing.Invoice, error) {
	return nil, appointment.ErrInvoiceNotFound
}

func (s *stubService) Settle(_ context.Context, actor appointment.Actor, id uuid.UUID, method string) (*appointment.SettleResult, error) {
	if s.settle == nil {
		return nil, errNotStubbed
	}
	return s.settle(actor, id, method)
}

func (s *stubService) MarkPaymentFailed(context.Context, appointment.Actor, uuid.UUID) (*billing.Invoice, error) {
	return nil, appointment.ErrForbidden
}

func (s *stubService) Refund(context.Context, appointment.Actor, uuid.UUID) (*billing.Invoice, error) {
	return nil, appointment.ErrForbidden
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func newTestRouter(svc AppointmentService) http.Handler {
	return NewRouter(RouterConfig{
		Service:   svc,
		Postgres:  pingStub{},
		JWTSecret: testSecret,
		Env:       "test",
		Version:   "dev",
	})
}

func do(t *testing.T, h http.Handler, method, path string, actor *appointment.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := SignToken(testSecret, *actor, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func patientActor() appointment.Actor {
	return appointment.Actor{UserID: uuid.New(), Role: appointment.RolePatient}
}

func sampleBooking(req appointment.ClaimRequest) *appointment.Booking {
	apptID := uuid.New()
	return &appointment.Booking{
		Appointment: &appointment.Appointment{
			ID:        apptID,
			DoctorID:  req.DoctorID,
			PatientID: req.PatientID,
			Date:      req.Date,
			TimeSlot:  req.TimeSlot,
			Type:      appointment.TypeInPerson,
			Status:    appointment.StatusPending,
		},
		Invoice: &billing.Invoice{
			ID:            uuid.New(),
			InvoiceNumber: "INV-00000001",
			PatientID:     req.PatientID,
			AppointmentID: apptID,
			TotalAmount:   50000,
			Tax:           5000,
			FinalAmount:   55000,
			PaymentStatus: billing.PaymentPending,
		},
	}
}

func TestRoutes_RequireToken(t *testing.T) {
	h := newTestRouter(&stubService{})

	rec := do(t, h, http.MethodGet, "/appointments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Error)
}

func TestCreateAppointment_DefaultsPatientToCaller(t *testing.T) {
	actor := patientActor()
	doctorID := uuid.New()
	var got appointment.ClaimRequest
	svc := &stubService{claim: func(a appointment.Actor, req appointment.ClaimRequest) (*appointment.Booking, error) {
		assert.Equal(t, actor, a)
		got = req
		return sampleBooking(req), nil
	}}

	rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments", &actor, CreateAppointmentRequest{
		DoctorID: doctorID.String(),
		Date:     "2025-01-06",
		TimeSlot: "09:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, actor.UserID, got.PatientID)
	assert.Equal(t, doctorID, got.DoctorID)
	assert.Equal(t, time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC), got.Date)

	var resp BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-01-06", resp.Appointment.Date)
	assert.Equal(t, "09:00", resp.Appointment.TimeSlot)
	assert.Equal(t, "INV-00000001", resp.Invoice.InvoiceNumber)
	assert.Equal(t, int64(55000), resp.Invoice.FinalAmount)
	assert.Equal(t, "pending", resp.Invoice.PaymentStatus)
}

func TestCreateAppointment_BadInput(t *testing.T) {
	actor := patientActor()
	h := newTestRouter(&stubService{})

	tests := []struct {
		name string
		body any
		code string
	}{
		{"bad json", "not an object", "invalid_request"},
		{"bad doctor", CreateAppointmentRequest{DoctorID: "x", Date: "2025-01-06", TimeSlot: "09:00"}, "invalid_doctor"},
		{"bad date", CreateAppointmentRequest{DoctorID: uuid.NewString(), Date: "06/01/2025", TimeSlot: "09:00"}, "invalid_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/appointments", &actor, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	actor := patientActor()
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrSlotTaken, http.StatusConflict, "slot_taken"},
		{appointment.ErrForbidden, http.StatusForbidden, "forbidden"},
		{appointment.ErrPastSlot, http.StatusBadRequest, "past_slot"},
		{fmt.Errorf("%w: Saturday", appointment.ErrOutsideAvailability), http.StatusBadRequest, "outside_availability"},
		{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
		{fmt.Errorf("claim: %w: %w", appointment.ErrDependency, errors.New("conn refused")), http.StatusServiceUnavailable, "dependency_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &stubService{claim: func(appointment.Actor, appointment.ClaimRequest) (*appointment.Booking, error) {
				return nil, tt.err
			}}
			rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments", &actor, CreateAppointmentRequest{
				DoctorID: uuid.NewString(),
				Date:     "2025-01-06",
				TimeSlot: "09:00",
			})
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotContains(t, resp.Details, "conn refused")
		})
	}
}

func TestListSlots(t *testing.T) {
	doctorID := uuid.New()
	actor := patientActor()
	svc := &stubService{resolveSlots: func(id uuid.UUID, date time.Time) ([]availability.Slot, error) {
		assert.Equal(t, doctorID, id)
		assert.Equal(t, time.Monday, date.Weekday())
		return []availability.Slot{{Time: 9 * 60, Available: false}, {Time: 9*60 + 30, Available: true}}, nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/doctors/"+doctorID.String()+"/slots?date=2025-01-06", &actor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-01-06", resp.Date)
	require.Len(t, resp.Slots, 2)
	assert.False(t, resp.Slots[0].Available)
	assert.True(t, resp.Slots[1].Available)

	rec = do(t, h, http.MethodGet, "/doctors/"+doctorID.String()+"/slots", &actor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/doctors/nope/slots?date=2025-01-06", &actor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Error)
}

func TestListSlots_EmptyIsArray(t *testing.T) {
	actor := patientActor()
	svc := &stubService{resolveSlots: func(uuid.UUID, time.Time) ([]availability.Slot, error) { return nil, nil }}

	rec := do(t, newTestRouter(svc), http.MethodGet, "/doctors/"+uuid.NewString()+"/slots?date=2025-01-05", &actor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"slots":[]`)
}

func TestListAppointments_ParsesQuery(t *testing.T) {
	admin := appointment.Actor{UserID: uuid.New(), Role: appointment.RoleAdmin}
	doctorID := uuid.New()
	svc := &stubService{list: func(_ appointment.Actor, q appointment.ListQuery) ([]appointment.Appointment, error) {
		require.NotNil(t, q.DoctorID)
		assert.Equal(t, doctorID, *q.DoctorID)
		assert.Nil(t, q.PatientID)
		assert.Equal(t, 5, q.Limit)
		assert.Equal(t, 10, q.Offset)
		return []appointment.Appointment{{ID: uuid.New(), Status: appointment.StatusConfirmed}}, nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/appointments?doctor_id="+doctorID.String()+"&limit=5&offset=10", &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListAppointmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Appointments, 1)
	assert.Equal(t, "confirmed", resp.Appointments[0].Status)

	rec = do(t, h, http.MethodGet, "/appointments?limit=-1", &admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransition(t *testing.T) {
	doctor := appointment.Actor{UserID: uuid.New(), Role: appointment.RoleDoctor}
	apptID := uuid.New()
	svc := &stubService{transition: func(a appointment.Actor, id uuid.UUID, target appointment.AppointmentStatus) (*appointment.Appointment, error) {
		assert.Equal(t, doctor, a)
		assert.Equal(t, apptID, id)
		if target == appointment.StatusCompleted {
			return nil, appointment.ErrNotYetDue
		}
		return &appointment.Appointment{ID: id, Status: target}, nil
	}}
	h := newTestRouter(svc)
	path := "/appointments/" + apptID.String() + "/status"

	rec := do(t, h, http.MethodPost, path, &doctor, TransitionRequest{Status: "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "confirmed", resp.Status)

	rec = do(t, h, http.MethodPost, path, &doctor, TransitionRequest{Status: "completed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_yet_due", decodeError(t, rec).Error)
}

func TestSettle_RepeatReportsAlreadySettled(t *testing.T) {
	actor := patientActor()
	invID := uuid.New()
	calls := 0
	svc := &stubService{settle: func(_ appointment.Actor, id uuid.UUID, method string) (*appointment.SettleResult, error) {
		calls++
		assert.Equal(t, "card", method)
		paidAt := time.Date(2025, time.January, 5, 12, 0, 0, 0, time.UTC)
		return &appointment.SettleResult{
			Invoice:        &billing.Invoice{ID: id, PaymentStatus: billing.PaymentPaid, PaymentMethod: method, PaidAt: &paidAt},
			Appointment:    &appointment.Appointment{Status: appointment.StatusConfirmed, AmountPaid: 55000},
			AlreadySettled: calls > 1,
		}, nil
	}}
	h := newTestRouter(svc)
	path := "/invoices/" + invID.String() + "/settle"

	for i, want := range []bool{false, true} {
		rec := do(t, h, http.MethodPost, path, &actor, SettleRequest{Method: "card"})
		require.Equal(t, http.StatusOK, rec.Code, "call %d", i)
		var resp SettleResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.AlreadySettled)
		assert.Equal(t, "paid", resp.Invoice.PaymentStatus)
		assert.Equal(t, int64(55000), resp.Appointment.AmountPaid)
	}
}

func TestInvoiceEndpoints_Errors(t *testing.T) {
	actor := patientActor()
	svc := &stubService{getInvoice: func(appointment.Actor, uuid.UUID) (*billing.Invoice, error) {
		return nil, appointment.ErrInvoiceNotFound
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/invoices/"+uuid.NewString(), &actor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/appointments/"+uuid.NewString()+"/invoice", &actor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/invoices/"+uuid.NewString()+"/refund", &actor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		postgres Pinger
		redis    Pinger
		status   int
		overall  string
	}{
		{"all up", pingStub{}, pingStub{}, http.StatusOK, "ok"},
		{"redis down", pingStub{}, pingStub{err: errors.New("down")}, http.StatusOK, "degraded"},
		{"redis disabled", pingStub{}, nil, http.StatusOK, "ok"},
		{"postgres down", pingStub{err: errors.New("down")}, pingStub{}, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Postgres: tt.postgres, Redis: tt.redis, JWTSecret: testSecret})

			rec := do(t, h, http.MethodGet, "/health/ready", nil, nil)
			assert.Equal(t, tt.status, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.overall, resp.Status)

			rec = do(t, h, http.MethodGet, "/health/live", nil, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestMetricsEndpoint_RecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	actor := patientActor()
	h := NewRouter(RouterConfig{
		Service:   &stubService{},
		Postgres:  pingStub{},
		Metrics:   m,
		Gatherer:  reg,
		JWTSecret: testSecret,
	})

	do(t, h, http.MethodGet, "/appointments/"+uuid.NewString(), &actor, nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/appointments/{id}"`)
}

func TestRequestID_Echoed(t *testing.T) {
	h := newTestRouter(&stubService{})
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
