package appointment

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
)

// memRepo is an in-memory Repository with the same guarantees the schema
// gives: one active appointment per slot, one invoice per appointment and a
// gap-free invoice sequence. A single mutex stands in for transactions.
type memRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]Patient
	doctors  map[uuid.UUID]Doctor
	windows  map[uuid.UUID][]availability.Window
	appts    map[uuid.UUID]Appointment
	invoices map[uuid.UUID]billing.Invoice
	events   []EventLog
	seq      int64

	// failInvoice makes the next invoice insert fail, after the appointment
	// insert succeeded.
	failInvoice error
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients: map[uuid.UUID]Patient{},
		doctors:  map[uuid.UUID]Doctor{},
		windows:  map[uuid.UUID][]availability.Window{},
		appts:    map[uuid.UUID]Appointment{},
		invoices: map[uuid.UUID]billing.Invoice{},
	}
}

func (m *memRepo) addPatient(name string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = Patient{ID: id, Name: name}
	return id
}

func (m *memRepo) addDoctor(name string, fee, discount int64, windows ...availability.Window) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.doctors[id] = Doctor{ID: id, Name: name, ConsultationFee: fee, Discount: discount}
	m.windows[id] = windows
	return id
}

func (m *memRepo) activeAt(doctorID uuid.UUID, date time.Time, slot string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.TimeSlot == slot && a.Status != StatusCancelled {
			n++
		}
	}
	return n
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memRepo) setAppointmentStatus(id uuid.UUID, status AppointmentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.appts[id]
	a.Status = status
	m.appts[id] = a
}

func (m *memRepo) emit(eventType string, apptID uuid.UUID) {
	id := apptID
	m.events = append(m.events, EventLog{
		ID:            int64(len(m.events) + 1),
		EventType:     eventType,
		AppointmentID: &id,
		Payload:       []byte(`{}`),
		CreatedAt:     time.Now(),
	})
}

func (m *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *memRepo) GetAvailability(_ context.Context, doctorID uuid.UUID) ([]availability.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.windows[doctorID]), nil
}

func (m *memRepo) ReplaceAvailability(_ context.Context, doctorID uuid.UUID, windows []availability.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.doctors[doctorID]; !ok {
		return ErrDoctorNotFound
	}
	m.windows[doctorID] = slices.Clone(windows)
	return nil
}

func (m *memRepo) ListBookedTimeSlots(_ context.Context, doctorID uuid.UUID, date time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Status != StatusCancelled {
			out = append(out, a.TimeSlot)
		}
	}
	return out, nil
}

func (m *memRepo) CreateBooking(_ context.Context, b NewBooking) (*Appointment, *billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := b.Appointment
	for _, existing := range m.appts {
		if existing.DoctorID == a.DoctorID && existing.Date.Equal(a.Date) &&
			existing.TimeSlot == a.TimeSlot && existing.Status != StatusCancelled {
			return nil, nil, ErrSlotTaken
		}
	}
	if m.failInvoice != nil {
		err := m.failInvoice
		m.failInvoice = nil
		return nil, nil, err
	}

	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now

	m.seq++
	inv := billing.Invoice{
		ID:            b.InvoiceID,
		PatientID:     a.PatientID,
		AppointmentID: a.ID,
		Items:         slices.Clone(b.Invoice.Items),
		TotalAmount:   b.Invoice.TotalAmount,
		Discount:      b.Invoice.Discount,
		Tax:           b.Invoice.Tax,
		FinalAmount:   b.Invoice.FinalAmount,
		PaymentStatus: billing.PaymentPending,
		InvoiceNumber: billing.FormatInvoiceNumber(m.seq),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.appts[a.ID] = a
	m.invoices[inv.ID] = inv
	m.emit(EventAppointmentCreated, a.ID)
	m.emit(EventInvoiceIssued, a.ID)

	if b.Prepaid {
		out, err := m.settleLocked(inv.ID, b.PaymentMethod, b.PaidAt)
		if err != nil {
			return nil, nil, err
		}
		return out.Appointment, out.Invoice, nil
	}
	return &a, &inv, nil
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memRepo) list(match func(Appointment) bool, limit, offset int) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Appointment{}
	for _, a := range m.appts {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].TimeSlot > out[j].TimeSlot
	})
	if offset >= len(out) {
		return []Appointment{}
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return m.list(func(a Appointment) bool { return a.PatientID == patientID }, limit, offset), nil
}

func (m *memRepo) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return m.list(func(a Appointment) bool { return a.DoctorID == doctorID }, limit, offset), nil
}

func (m *memRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, _ Actor) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusChanged
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appts[id] = a
	m.emit(EventAppointmentStatusChanged, id)
	return &a, nil
}

func (m *memRepo) GetInvoiceByID(_ context.Context, id uuid.UUID) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *memRepo) GetInvoiceByAppointmentID(_ context.Context, appointmentID uuid.UUID) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.AppointmentID == appointmentID {
			return &inv, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (m *memRepo) SettleInvoice(_ context.Context, id uuid.UUID, method string, paidAt time.Time) (*SettleOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleLocked(id, method, paidAt)
}

func (m *memRepo) settleLocked(id uuid.UUID, method string, paidAt time.Time) (*SettleOutcome, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	appt := m.appts[inv.AppointmentID]

	switch inv.PaymentStatus {
	case billing.PaymentPaid:
		return &SettleOutcome{Invoice: &inv, Appointment: &appt}, nil
	case billing.PaymentPending:
	default:
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvalidInvoiceState, inv.PaymentStatus)
	}

	if appt.Status == StatusPending {
		if err := CheckTransition(appt.Status, StatusConfirmed, RoleSystem); err != nil {
			return nil, err
		}
	}

	paid := paidAt
	inv.PaymentStatus = billing.PaymentPaid
	inv.PaymentMethod = method
	inv.PaidAt = &paid
	m.invoices[id] = inv
	m.emit(EventInvoicePaid, appt.ID)

	if appt.Status != StatusCancelled {
		from := appt.Status
		if from == StatusPending {
			appt.Status = StatusConfirmed
		}
		appt.AmountPaid = inv.FinalAmount
		appt.PaymentMethod = method
		m.appts[appt.ID] = appt
		if from != appt.Status {
			m.emit(EventAppointmentStatusChanged, appt.ID)
		}
	}

	return &SettleOutcome{Invoice: &inv, Appointment: &appt, Settled: true}, nil
}

func (m *memRepo) UpdateInvoiceStatus(_ context.Context, id uuid.UUID, from []billing.PaymentStatus, to billing.PaymentStatus) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if !slices.Contains(from, inv.PaymentStatus) {
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvalidInvoiceState, inv.PaymentStatus)
	}
	inv.PaymentStatus = to
	m.invoices[id] = inv
	m.emit(invoiceEvents[to], inv.AppointmentID)
	return &inv, nil
}

func (m *memRepo) FetchUnpublishedEvents(_ context.Context, limit int) ([]EventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventLog
	for _, ev := range m.events {
		if ev.PublishedAt == nil && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memRepo) MarkEventPublished(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id && m.events[i].PublishedAt == nil {
			now := time.Now()
			m.events[i].PublishedAt = &now
			return true, nil
		}
	}
	return false, nil
}
