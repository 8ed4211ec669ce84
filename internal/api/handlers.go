package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/availability"
)

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func mustActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", ErrTokenMissing.Error())
	}
	return actor, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return false
	}
	return true
}

func getAvailabilityHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r)
		if !ok {
			return
		}
		windows, err := svc.GetAvailability(r.Context(), doctorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{DoctorID: doctorID, Windows: windows})
	}
}

func updateAvailabilityHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		doctorID, ok := pathID(w, r)
		if !ok {
			return
		}
		var req AvailabilityRequest
		if !decode(w, r, &req) {
			return
		}

		windows, err := svc.UpdateAvailability(r.Context(), actor, doctorID, req.Windows)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{DoctorID: doctorID, Windows: windows})
	}
}

func listSlotsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r)
		if !ok {
			return
		}
		raw := r.URL.Query().Get("date")
		date, err := availability.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.ResolveSlots(r.Context(), doctorID, date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if slots == nil {
			slots = []availability.Slot{}
		}
		writeJSON(w, http.StatusOK, SlotsResponse{DoctorID: doctorID, Date: raw, Slots: slots})
	}
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		var req CreateAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor", "doctor_id must be a UUID")
			return
		}
		patientID := actor.UserID
		if req.PatientID != "" {
			if patientID, err = uuid.Parse(req.PatientID); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient", "patient_id must be a UUID")
				return
			}
		}
		date, err := availability.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		booking, err := svc.Claim(r.Context(), actor, appointment.ClaimRequest{
			DoctorID:      doctorID,
			PatientID:     patientID,
			Date:          date,
			TimeSlot:      req.TimeSlot,
			Type:          appointment.AppointmentType(req.Type),
			Symptoms:      req.Symptoms,
			Prepaid:       req.Prepaid,
			PaymentMethod: req.PaymentMethod,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, BookingResponse{
			Appointment: toAppointmentResponse(booking.Appointment),
			Invoice:     toInvoiceResponse(booking.Invoice),
		})
	}
}

func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		var query appointment.ListQuery

		for _, f := range []struct {
			key string
			dst **uuid.UUID
		}{{"patient_id", &query.PatientID}, {"doctor_id", &query.DoctorID}} {
			raw := q.Get(f.key)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", f.key+" must be a UUID")
				return
			}
			*f.dst = &id
		}
		for _, f := range []struct {
			key string
			dst *int
		}{{"limit", &query.Limit}, {"offset", &query.Offset}} {
			raw := q.Get(f.key)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", f.key+" must be a non-negative integer")
				return
			}
			*f.dst = n
		}

		appts, err := svc.ListAppointments(r.Context(), actor, query)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := ListAppointmentsResponse{
			Appointments: make([]AppointmentResponse, 0, len(appts)),
			Limit:        query.Limit,
			Offset:       query.Offset,
		}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func transitionHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req TransitionRequest
		if !decode(w, r, &req) {
			return
		}

		appt, err := svc.Transition(r.Context(), actor, id, appointment.AppointmentStatus(req.Status))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentInvoiceHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		inv, err := svc.GetInvoiceForAppointment(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func getInvoiceHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		inv, err := svc.GetInvoice(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

// settleInvoiceHandler answers 200 for both a fresh settlement and a repeat;
// already_settled tells them apart.
func settleInvoiceHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req SettleRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.Settle(r.Context(), actor, id, req.Method)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SettleResponse{
			Invoice:        toInvoiceResponse(res.Invoice),
			Appointment:    toAppointmentResponse(res.Appointment),
			AlreadySettled: res.AlreadySettled,
		})
	}
}

func failInvoiceHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		inv, err := svc.MarkPaymentFailed(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func refundInvoiceHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		inv, err := svc.Refund(r.Context(), actor, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}
