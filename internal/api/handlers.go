package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
	"github.com/hackgods/nutrition-scheduling/internal/availability"
)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := availability.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		tod, err := availability.ParseTimeOfDay(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:mm")
			return
		}
		if !allowed(r, req.PatientID) {
			writeError(w, http.StatusForbidden, "forbidden", "cannot book for another patient")
			return
		}

		appt, err := svc.RequestBooking(r.Context(), appointment.BookingRequest{
			Patient: appointment.Patient{
				ID:    req.PatientID,
				Name:  req.PatientName,
				Email: req.PatientEmail,
			},
			NutritionistID: req.NutritionistID,
			Date:           date,
			Time:           tod,
		})
		if err != nil {
			if partiallyWritten(w, appt, err) {
				return
			}
			handleCreateError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleStatusError(w, err)
			return
		}
		if !allowed(r, appt.PatientID, appt.NutritionistID) {
			writeError(w, http.StatusForbidden, "forbidden", "not a participant of this appointment")
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, owner, ok := indexQuery(w, r)
		if !ok {
			return
		}

		var (
			appts []appointment.Appointment
			err   error
		)
		if kind == appointment.IndexByPatient {
			appts, err = svc.ListByPatient(r.Context(), owner)
		} else {
			appts, err = svc.ListByNutritionist(r.Context(), owner)
		}
		if err != nil {
			handleStatusError(w, err)
			return
		}

		resp := ListAppointmentsResponse{Appointments: make([]AppointmentResponse, 0, len(appts))}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// indexQuery reads exactly one of patient_id and nutritionist_id and checks
// the caller may see that index.
func indexQuery(w http.ResponseWriter, r *http.Request) (appointment.IndexKind, string, bool) {
	patientID := r.URL.Query().Get("patient_id")
	nutritionistID := r.URL.Query().Get("nutritionist_id")

	var (
		kind  appointment.IndexKind
		owner string
	)
	switch {
	case patientID != "" && nutritionistID == "":
		kind, owner = appointment.IndexByPatient, patientID
	case nutritionistID != "" && patientID == "":
		kind, owner = appointment.IndexByNutritionist, nutritionistID
	default:
		writeError(w, http.StatusBadRequest, "invalid_query", "pass exactly one of patient_id or nutritionist_id")
		return "", "", false
	}

	if !allowed(r, owner) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's appointments")
		return "", "", false
	}
	return kind, owner, true
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		if !participant(w, r, svc, id, false) {
			return
		}

		appt, err := svc.CancelBooking(r.Context(), id)
		if err != nil {
			if partiallyWritten(w, appt, err) {
				return
			}
			handleStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func attendanceHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req AttendanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if !participant(w, r, svc, id, true) {
			return
		}

		appt, err := svc.SetAttendance(r.Context(), id, appointment.AppointmentStatus(req.Status))
		if err != nil {
			if partiallyWritten(w, appt, err) {
				return
			}
			handleStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// participant loads the appointment and checks the caller takes part in
// it. Attendance is recorded by the nutritionist only.
func participant(w http.ResponseWriter, r *http.Request, svc *appointment.Service, id uuid.UUID, nutritionistOnly bool) bool {
	if !authenticated(r) {
		return true
	}
	appt, err := svc.GetAppointment(r.Context(), id)
	if err != nil {
		handleStatusError(w, err)
		return false
	}
	owners := []string{appt.NutritionistID}
	if !nutritionistOnly {
		owners = append(owners, appt.PatientID)
	}
	if !allowed(r, owners...) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to change this appointment")
		return false
	}
	return true
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func putNutritionistHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !allowed(r, id) {
			writeError(w, http.StatusForbidden, "forbidden", "cannot edit another nutritionist")
			return
		}

		var req NutritionistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		n, err := svc.Directory().Put(r.Context(), appointment.Nutritionist{
			ID:           id,
			Name:         req.Name,
			Email:        req.Email,
			Availability: req.Availability,
		})
		if err != nil {
			handleStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, NutritionistResponse{
			ID:           n.ID,
			Name:         n.Name,
			Email:        n.Email,
			Availability: n.Availability,
			UpdatedAt:    n.UpdatedAt,
		})
	}
}

func slotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateQuery(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		day, err := svc.AvailableSlots(r.Context(), id, date)
		if err != nil {
			handleStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{
			NutritionistID: id,
			Date:           date.String(),
			Slots:          timesToStrings(day.Slots),
			Booked:         timesToStrings(day.Booked),
			Free:           timesToStrings(day.Free),
		})
	}
}

func bookedHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateQuery(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		booked, err := svc.ListBooked(r.Context(), id, date)
		if err != nil {
			handleStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, BookedResponse{
			NutritionistID: id,
			Date:           date.String(),
			Booked:         timesToStrings(booked),
		})
	}
}

func dateQuery(w http.ResponseWriter, r *http.Request) (availability.Date, bool) {
	date, err := availability.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}

// partiallyWritten answers 202 with the appointment when the change is
// recorded but some copies lag behind.
func partiallyWritten(w http.ResponseWriter, appt *appointment.Appointment, err error) bool {
	var inconsistent *appointment.InconsistentLedgerWriteError
	if appt == nil || !errors.As(err, &inconsistent) {
		return false
	}
	writeJSON(w, http.StatusAccepted, PartialWriteResponse{
		Error:       "ledger_inconsistent",
		Details:     "saved, some views may lag until repaired",
		Appointment: toAppointmentResponse(appt),
	})
	return true
}

func handleCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "this slot was just booked by someone else")
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrSlotInPast):
		writeError(w, http.StatusUnprocessableEntity, "slot_in_past", err.Error())
	default:
		handleStatusError(w, err)
	}
}

func handleStatusError(w http.ResponseWriter, err error) {
	var (
		transport    *appointment.StoreTransportError
		inconsistent *appointment.InconsistentLedgerWriteError
	)
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrNutritionistNotFound):
		writeError(w, http.StatusNotFound, "nutritionist_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatus),
		errors.Is(err, appointment.ErrInvalidRequest),
		errors.Is(err, appointment.ErrInvalidProfile):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &inconsistent):
		// the write is recorded but not on every copy yet
		writeError(w, http.StatusAccepted, "ledger_inconsistent", "saved, some views may lag until repaired")
	case errors.As(err, &transport):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
