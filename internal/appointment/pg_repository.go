package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
)

// querier is what both the pool and an open transaction provide.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type dbPool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db dbPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return newPgRepositoryWithDB(pool)
}

func newPgRepositoryWithDB(db dbPool) *PgRepository {
	if db == nil {
		panic("appointment: pgx pool required")
	}
	return &PgRepository{db: db}
}

const (
	appointmentColumns = `id, doctor_id, patient_id, date, time_slot, type, status, symptoms,
		amount_paid, payment_method, video_room, created_at, updated_at`
	invoiceColumns = `id, patient_id, appointment_id, items, total_amount, discount, tax, final_amount,
		payment_status, payment_method, invoice_number, paid_at, created_at, updated_at`
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// missingParty maps a foreign key violation on appointments to the party
// that does not exist.
func missingParty(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.Contains(pgErr.ConstraintName, "patient") {
		return ErrInvalidPatient
	}
	return ErrInvalidDoctor
}

// inTx runs fn in a transaction and rolls back when fn fails.
func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return dependency("begin tx", err)
	}
	if err := fn(tx); err != nil {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tx.Rollback(rbCtx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dependency("commit tx", err)
	}
	return nil
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, dependency("scan patient", err)
	}

	p.Email = email
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&specialty,
		&d.ConsultationFee,
		&d.Discount,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, dependency("scan doctor", err)
	}

	d.Specialty = specialty
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var typ, status string

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.Date,
		&a.TimeSlot,
		&typ,
		&status,
		&a.Symptoms,
		&a.AmountPaid,
		&a.PaymentMethod,
		&a.VideoRoom,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, dependency("scan appointment", err)
	}

	a.Type = AppointmentType(typ)
	a.Status = AppointmentStatus(status)
	a.Date = availability.Day(a.Date)
	return &a, nil
}

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var inv billing.Invoice
	var items []byte
	var status string

	err := row.Scan(
		&inv.ID,
		&inv.PatientID,
		&inv.AppointmentID,
		&items,
		&inv.TotalAmount,
		&inv.Discount,
		&inv.Tax,
		&inv.FinalAmount,
		&status,
		&inv.PaymentMethod,
		&inv.InvoiceNumber,
		&inv.PaidAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, dependency("scan invoice", err)
	}

	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return nil, fmt.Errorf("decode invoice items: %w", err)
	}
	inv.PaymentStatus = billing.PaymentStatus(status)
	return &inv, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, dependency("query appointments", err)
	}
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, dependency("iterate appointments", err)
	}
	return result, nil
}

func insertEvent(ctx context.Context, q querier, eventType string, appointmentID uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload)
		VALUES ($1, $2, $3)
	`, eventType, appointmentID, data)
	if err != nil {
		return dependency("insert event log", err)
	}
	return nil
}

// Lookups

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, consultation_fee, discount, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

// Availability

func (r *PgRepository) GetAvailability(ctx context.Context, doctorID uuid.UUID) ([]availability.Window, error) {
	rows, err := r.db.Query(ctx, `
		SELECT day_of_week, start_minute, end_minute
		FROM doctor_availability
		WHERE doctor_id = $1
		ORDER BY day_of_week, start_minute
	`, doctorID)
	if err != nil {
		return nil, dependency("query availability", err)
	}
	defer rows.Close()

	windows := []availability.Window{}
	for rows.Next() {
		var day, start, end int
		if err := rows.Scan(&day, &start, &end); err != nil {
			return nil, dependency("scan availability", err)
		}
		windows = append(windows, availability.Window{
			DayOfWeek: time.Weekday(day),
			Start:     availability.Clock(start),
			End:       availability.Clock(end),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, dependency("iterate availability", err)
	}
	return windows, nil
}

// ReplaceAvailability swaps the doctor's whole weekly schedule.
func (r *PgRepository) ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, windows []availability.Window) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		// Serializes concurrent replacements for one doctor, otherwise both
		// could delete the old rows and insert overlapping windows.
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM doctors WHERE id = $1 FOR UPDATE`, doctorID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDoctorNotFound
		}
		if err != nil {
			return dependency("lock doctor", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM doctor_availability WHERE doctor_id = $1`, doctorID); err != nil {
			return dependency("clear availability", err)
		}
		for _, w := range windows {
			_, err := tx.Exec(ctx, `
				INSERT INTO doctor_availability (doctor_id, day_of_week, start_minute, end_minute)
				VALUES ($1, $2, $3, $4)
			`, doctorID, int(w.DayOfWeek), int(w.Start), int(w.End))
			if err != nil {
				if pgErrorCode(err) == pgForeignKeyViolation {
					return ErrDoctorNotFound
				}
				return dependency("insert availability", err)
			}
		}
		return nil
	})
}

func (r *PgRepository) ListBookedTimeSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT time_slot
		FROM appointments
		WHERE doctor_id = $1
		  AND date = $2
		  AND status <> 'cancelled'
	`, doctorID, date)
	if err != nil {
		return nil, dependency("query booked slots", err)
	}
	defer rows.Close()

	var slots []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, dependency("scan booked slot", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, dependency("iterate booked slots", err)
	}
	return slots, nil
}

// Admission

// CreateBooking inserts the appointment, its invoice and their events in one
// transaction. The partial unique index on (doctor_id, date, time_slot) for
// non-cancelled rows decides the winner; a losing insert returns no row.
func (r *PgRepository) CreateBooking(ctx context.Context, b NewBooking) (*Appointment, *billing.Invoice, error) {
	items, err := json.Marshal(b.Invoice.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode invoice items: %w", err)
	}

	var appt *Appointment
	var inv *billing.Invoice

	a := b.Appointment
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (id, doctor_id, patient_id, date, time_slot, type, status, symptoms, video_room)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (doctor_id, date, time_slot) WHERE status <> 'cancelled' DO NOTHING
			RETURNING `+appointmentColumns,
			a.ID, a.DoctorID, a.PatientID, a.Date, a.TimeSlot, string(a.Type), string(a.Status), a.Symptoms, a.VideoRoom)

		created, err := scanAppointment(row)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrSlotTaken
			}
			if pgErrorCode(err) == pgForeignKeyViolation {
				return missingParty(err)
			}
			return err
		}
		appt = created

		row = tx.QueryRow(ctx, `
			INSERT INTO invoices (id, patient_id, appointment_id, items, total_amount, discount, tax, final_amount, invoice_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'INV-' || lpad(nextval('invoice_number_seq')::text, 8, '0'))
			RETURNING `+invoiceColumns,
			b.InvoiceID, a.PatientID, created.ID, items,
			b.Invoice.TotalAmount, b.Invoice.Discount, b.Invoice.Tax, b.Invoice.FinalAmount)

		issued, err := scanInvoice(row)
		if err != nil {
			if pgErrorCode(err) == pgUniqueViolation {
				return ErrDuplicateInvoice
			}
			return err
		}
		inv = issued

		if err := insertEvent(ctx, tx, EventAppointmentCreated, created.ID, map[string]any{
			"appointment_id": created.ID,
			"doctor_id":      created.DoctorID,
			"patient_id":     created.PatientID,
			"date":           created.Date.Format(availability.DateLayout),
			"time_slot":      created.TimeSlot,
			"type":           created.Type,
			"status":         created.Status,
		}); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, EventInvoiceIssued, created.ID, map[string]any{
			"invoice_id":     issued.ID,
			"invoice_number": issued.InvoiceNumber,
			"final_amount":   issued.FinalAmount,
		}); err != nil {
			return err
		}

		if !b.Prepaid {
			return nil
		}
		outcome, err := settleTx(ctx, tx, issued.ID, b.PaymentMethod, b.PaidAt)
		if err != nil {
			return err
		}
		appt, inv = outcome.Appointment, outcome.Invoice
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return appt, inv, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return collectAppointments(r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, time_slot DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset))
}

func (r *PgRepository) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return collectAppointments(r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY date DESC, time_slot DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset))
}

// Lifecycle

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, actor Actor) (*Appointment, error) {
	var updated *Appointment

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    updated_at = now()
			WHERE id = $1
			  AND status = $3
			RETURNING `+appointmentColumns,
			id, string(to), string(from))

		appt, err := scanAppointment(row)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return lostStatusRace(ctx, tx, id)
			}
			return err
		}
		updated = appt

		return insertEvent(ctx, tx, EventAppointmentStatusChanged, appt.ID, map[string]any{
			"appointment_id": appt.ID,
			"from":           from,
			"to":             to,
			"actor_role":     actor.Role,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// lostStatusRace tells a missing row apart from one whose status moved on.
func lostStatusRace(ctx context.Context, q querier, id uuid.UUID) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrAppointmentNotFound
	case err != nil:
		return dependency("reload appointment status", err)
	default:
		return ErrStatusChanged
	}
}

// Billing

func (r *PgRepository) GetInvoiceByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE id = $1
	`, id)
	return scanInvoice(row)
}

func (r *PgRepository) GetInvoiceByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*billing.Invoice, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE appointment_id = $1
	`, appointmentID)
	return scanInvoice(row)
}

func (r *PgRepository) SettleInvoice(ctx context.Context, id uuid.UUID, method string, paidAt time.Time) (*SettleOutcome, error) {
	var outcome *SettleOutcome
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		outcome, err = settleTx(ctx, tx, id, method, paidAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// settleTx marks a pending invoice paid and records the payment on its
// appointment, confirming it when still pending. An invoice that is already
// paid is returned as stored with Settled=false.
func settleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, method string, paidAt time.Time) (*SettleOutcome, error) {
	row := tx.QueryRow(ctx, `
		UPDATE invoices
		SET payment_status = 'paid',
		    payment_method = $2,
		    paid_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND payment_status = 'pending'
		RETURNING `+invoiceColumns,
		id, method, paidAt)

	inv, err := scanInvoice(row)
	if errors.Is(err, ErrInvoiceNotFound) {
		return alreadySettled(ctx, tx, id)
	}
	if err != nil {
		return nil, err
	}

	row = tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, inv.AppointmentID)
	appt, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if err := insertEvent(ctx, tx, EventInvoicePaid, appt.ID, map[string]any{
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"amount":         inv.FinalAmount,
		"payment_method": method,
	}); err != nil {
		return nil, err
	}

	// A cancelled appointment keeps its status; the payment stays on the invoice.
	if appt.Status == StatusCancelled {
		return &SettleOutcome{Invoice: inv, Appointment: appt, Settled: true}, nil
	}

	from := appt.Status
	to := from
	if from == StatusPending {
		to = StatusConfirmed
		if err := CheckTransition(from, to, RoleSystem); err != nil {
			return nil, err
		}
	}

	row = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    amount_paid = $3,
		    payment_method = $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns,
		appt.ID, string(to), inv.FinalAmount, method)
	appt, err = scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if from != to {
		if err := insertEvent(ctx, tx, EventAppointmentStatusChanged, appt.ID, map[string]any{
			"appointment_id": appt.ID,
			"from":           from,
			"to":             to,
			"actor_role":     RoleSystem,
		}); err != nil {
			return nil, err
		}
	}

	return &SettleOutcome{Invoice: inv, Appointment: appt, Settled: true}, nil
}

func alreadySettled(ctx context.Context, q querier, id uuid.UUID) (*SettleOutcome, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	if inv.PaymentStatus != billing.PaymentPaid {
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvalidInvoiceState, inv.PaymentStatus)
	}

	appt, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, inv.AppointmentID))
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{Invoice: inv, Appointment: appt}, nil
}

var invoiceEvents = map[billing.PaymentStatus]string{
	billing.PaymentFailed:   EventInvoiceFailed,
	billing.PaymentRefunded: EventInvoiceRefunded,
	billing.PaymentPaid:     EventInvoicePaid,
}

func (r *PgRepository) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from []billing.PaymentStatus, to billing.PaymentStatus) (*billing.Invoice, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var updated *billing.Invoice
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE invoices
			SET payment_status = $2,
			    updated_at = now()
			WHERE id = $1
			  AND payment_status = ANY($3)
			RETURNING `+invoiceColumns,
			id, string(to), allowed)

		inv, err := scanInvoice(row)
		if errors.Is(err, ErrInvoiceNotFound) {
			return invoiceStateRace(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		updated = inv

		return insertEvent(ctx, tx, invoiceEvents[to], inv.AppointmentID, map[string]any{
			"invoice_id":     inv.ID,
			"invoice_number": inv.InvoiceNumber,
			"payment_status": inv.PaymentStatus,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func invoiceStateRace(ctx context.Context, q querier, id uuid.UUID) error {
	var status string
	err := q.QueryRow(ctx, `SELECT payment_status FROM invoices WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrInvoiceNotFound
	case err != nil:
		return dependency("reload invoice status", err)
	default:
		return fmt.Errorf("%w: invoice is %s", ErrInvalidInvoiceState, status)
	}
}

// Outbox

func (r *PgRepository) FetchUnpublishedEvents(ctx context.Context, limit int) ([]EventLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, dependency("fetch unpublished events", err)
	}
	defer rows.Close()

	var events []EventLog
	for rows.Next() {
		var ev EventLog
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &payload, &ev.CreatedAt); err != nil {
			return nil, dependency("scan event log", err)
		}
		ev.Payload = append([]byte(nil), payload...)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, dependency("iterate event logs", err)
	}
	return events, nil
}

func (r *PgRepository) MarkEventPublished(ctx context.Context, id int64) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE event_logs
		SET published_at = now()
		WHERE id = $1
		  AND published_at IS NULL
	`, id)
	if err != nil {
		return false, dependency("mark event published", err)
	}
	return ct.RowsAffected() == 1, nil
}
