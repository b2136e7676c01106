package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/slotlock"
)

type AppointmentStatus string

const (
	StatusRequested AppointmentStatus = "requested"
	StatusAttended  AppointmentStatus = "attended"
	StatusNoShow    AppointmentStatus = "no_show"
	StatusCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAttended, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// canTransition reports whether from -> to is allowed. Attendance is
// recorded once; cancelled is terminal.
func canTransition(from, to AppointmentStatus) bool {
	switch from {
	case StatusRequested:
		return to == StatusAttended || to == StatusNoShow || to == StatusCancelled
	case StatusAttended, StatusNoShow:
		return to == StatusCancelled
	}
	return false
}

type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Nutritionist struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	// Availability is stored as received. It is normalized on read so that
	// profiles written by older clients keep working.
	Availability json.RawMessage `json:"availability,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Appointment struct {
	ID               uuid.UUID              `json:"id"`
	PatientID        string                 `json:"patientId"`
	PatientName      string                 `json:"patientName"`
	PatientEmail     string                 `json:"patientEmail,omitempty"`
	NutritionistID   string                 `json:"nutritionistId"`
	NutritionistName string                 `json:"nutritionistName"`
	Date             availability.Date      `json:"date"`
	Time             availability.TimeOfDay `json:"time"`
	StartAt          time.Time              `json:"startAt"`
	EndAt            time.Time              `json:"endAt"`
	Status           AppointmentStatus      `json:"status"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	// Version grows with every status change. Index copies only ever move
	// forward to a higher version.
	Version int64 `json:"version"`
}

func (a *Appointment) SlotKey() slotlock.Key {
	return slotlock.Key{NutritionistID: a.NutritionistID, Date: a.Date, Time: a.Time}
}

// BookingRequest is what a patient submits for a slot they were shown.
type BookingRequest struct {
	Patient        Patient
	NutritionistID string
	Date           availability.Date
	Time           availability.TimeOfDay
}

// DayAvailability is a nutritionist's day as the booking screen sees it.
type DayAvailability struct {
	NutritionistID string                   `json:"nutritionistId"`
	Date           availability.Date        `json:"date"`
	Slots          []availability.TimeOfDay `json:"slots"`
	Booked         []availability.TimeOfDay `json:"booked"`
	Free           []availability.TimeOfDay `json:"free"`
}

type IndexKind string

const (
	IndexByPatient      IndexKind = "patient"
	IndexByNutritionist IndexKind = "nutritionist"
)

// AppointmentChange is delivered to subscribers of an index.
type AppointmentChange struct {
	ID          uuid.UUID
	Appointment *Appointment // nil when the entry was removed
}

type EventLog struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"eventType"`
	AppointmentID uuid.UUID       `json:"appointmentId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Appointments    int `json:"appointments"`
	IndexesRepaired int `json:"indexesRepaired"`
	LocksReleased   int `json:"locksReleased"`
	MissingLocks    int `json:"missingLocks"`
}
