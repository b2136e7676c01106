package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/slotlock"
)

var (
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrNutritionistNotFound    = errors.New("nutritionist not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidRequest          = errors.New("invalid booking request")
	ErrSlotUnavailable         = errors.New("slot is not offered by the nutritionist")
	ErrSlotInPast              = errors.New("slot is in the past")
	ErrConcurrentUpdate        = errors.New("appointment changed concurrently, please retry")

	// ErrSlotTaken is returned to every booking attempt that lost the slot.
	ErrSlotTaken = slotlock.ErrSlotTaken
)

// StoreTransportError means the store could not be reached and nothing was
// written. The caller may retry.
type StoreTransportError struct {
	Op  string
	Err error
}

func (e *StoreTransportError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreTransportError) Unwrap() error { return e.Err }

// InconsistentLedgerWriteError means some copies of an appointment were
// written and others were not. The reconcile worker repairs it.
type InconsistentLedgerWriteError struct {
	AppointmentID uuid.UUID
	FailedPaths   []string
	Err           error
}

func (e *InconsistentLedgerWriteError) Error() string {
	return fmt.Sprintf("appointment %s partially written, failed: %s: %v",
		e.AppointmentID, strings.Join(e.FailedPaths, ", "), e.Err)
}

func (e *InconsistentLedgerWriteError) Unwrap() error { return e.Err }

// Repository is the appointment ledger as the service uses it.
type Repository interface {
	Create(ctx context.Context, appt *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	ListByNutritionist(ctx context.Context, nutritionistID string) ([]Appointment, error)
	Subscribe(ctx context.Context, kind IndexKind, ownerID string, fn func(AppointmentChange)) (func(), error)

	// Reconcile support
	All(ctx context.Context) ([]Appointment, error)
	Orphans(ctx context.Context) ([]Appointment, error)
	RepairIndexes(ctx context.Context, appt *Appointment) (bool, error)
	Purge(ctx context.Context, appt *Appointment) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error)
}
