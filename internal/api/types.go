package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID      string `json:"patient_id"`
	PatientName    string `json:"patient_name"`
	PatientEmail   string `json:"patient_email"`
	NutritionistID string `json:"nutritionist_id"`
	Date           string `json:"date"` // YYYY-MM-DD
	Time           string `json:"time"` // HH:mm
}

type AttendanceRequest struct {
	Status string `json:"status"` // attended, no_show
}

type NutritionistRequest struct {
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Availability json.RawMessage `json:"availability"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	PatientID        string    `json:"patient_id"`
	PatientName      string    `json:"patient_name"`
	NutritionistID   string    `json:"nutritionist_id"`
	NutritionistName string    `json:"nutritionist_name"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		PatientName:      a.PatientName,
		NutritionistID:   a.NutritionistID,
		NutritionistName: a.NutritionistName,
		Date:             a.Date.String(),
		Time:             a.Time.String(),
		StartAt:          a.StartAt,
		EndAt:            a.EndAt,
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type NutritionistResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Email        string          `json:"email,omitempty"`
	Availability json.RawMessage `json:"availability,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SlotsResponse struct {
	NutritionistID string   `json:"nutritionist_id"`
	Date           string   `json:"date"`
	Slots          []string `json:"slots"`
	Booked         []string `json:"booked"`
	Free           []string `json:"free"`
}

type BookedResponse struct {
	NutritionistID string   `json:"nutritionist_id"`
	Date           string   `json:"date"`
	Booked         []string `json:"booked"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type PartialWriteResponse struct {
	Error       string              `json:"error"`
	Details     string              `json:"details"`
	Appointment AppointmentResponse `json:"appointment"`
}
