package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
	"github.com/hackgods/nutrition-scheduling/internal/metrics"
	"github.com/hackgods/nutrition-scheduling/internal/slotlock"
)

const (
	appointmentsRoot      = "appointments"
	patientIndexRoot      = "patientAppointments"
	nutritionistIndexRoot = "nutritionistAppointments"
	eventsRoot            = "appointmentEvents"

	statusRetries = 5
)

// Ledger keeps every appointment in three places: the canonical record and
// one copy under each participant's index. Creation writes all copies in a
// single multi-path write; status changes go through the canonical record
// first.
type Ledger struct {
	store kvstore.Store
	locks *slotlock.Manager
	log   zerolog.Logger
	now   func() time.Time
}

var _ Repository = (*Ledger)(nil)

func NewLedger(store kvstore.Store, locks *slotlock.Manager, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		locks: locks,
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

func canonicalPath(id uuid.UUID) string {
	return kvstore.Join(appointmentsRoot, id.String())
}

func indexRoot(kind IndexKind, ownerID string) (string, error) {
	if err := kvstore.ValidateSegment(ownerID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	switch kind {
	case IndexByPatient:
		return kvstore.Join(patientIndexRoot, ownerID), nil
	case IndexByNutritionist:
		return kvstore.Join(nutritionistIndexRoot, ownerID), nil
	}
	return "", fmt.Errorf("%w: unknown index %q", ErrInvalidRequest, kind)
}

func indexPaths(a *Appointment) []string {
	return []string{
		kvstore.Join(patientIndexRoot, a.PatientID, a.ID.String()),
		kvstore.Join(nutritionistIndexRoot, a.NutritionistID, a.ID.String()),
	}
}

// Create writes the canonical record and both index copies.
func (l *Ledger) Create(ctx context.Context, appt *Appointment) error {
	if err := kvstore.ValidateSegment(appt.PatientID); err != nil {
		return fmt.Errorf("%w: patient: %v", ErrInvalidRequest, err)
	}
	if err := kvstore.ValidateSegment(appt.NutritionistID); err != nil {
		return fmt.Errorf("%w: nutritionist: %v", ErrInvalidRequest, err)
	}

	if appt.Version == 0 {
		appt.Version = 1
	}
	raw, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}

	values := map[string][]byte{canonicalPath(appt.ID): raw}
	for _, p := range indexPaths(appt) {
		values[p] = raw
	}
	return ledgerWriteError("create appointment", appt.ID, l.store.Write(ctx, values))
}

// ledgerWriteError maps a store write result onto the ledger's error types.
func ledgerWriteError(op string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	if pwe, ok := kvstore.IsPartialWrite(err); ok {
		return &InconsistentLedgerWriteError{AppointmentID: id, FailedPaths: pwe.FailedPaths(), Err: err}
	}
	return &StoreTransportError{Op: op, Err: err}
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	raw, ok, err := l.store.Read(ctx, canonicalPath(id))
	if err != nil {
		return nil, &StoreTransportError{Op: "get appointment", Err: err}
	}
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	var appt Appointment
	if err := json.Unmarshal(raw, &appt); err != nil {
		return nil, fmt.Errorf("decode appointment %s: %w", id, err)
	}
	return &appt, nil
}

// SetStatus moves the canonical record to status, guarded by the version it
// was read with, then refreshes the index copies. Cancelling also frees the
// slot while it still belongs to this appointment. Repeating the current
// status re-runs those follow-up steps, so a failed cancellation can simply
// be retried.
//
// When the canonical record was updated but a follow-up step failed, the
// updated appointment is returned together with the error.
func (l *Ledger) SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	for attempt := 0; attempt < statusRetries; attempt++ {
		current, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == status {
			return current, l.settle(ctx, current)
		}
		if !canTransition(current.Status, status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, status)
		}

		updated := *current
		updated.Status = status
		updated.UpdatedAt = l.now().UTC()
		updated.Version = current.Version + 1
		raw, err := json.Marshal(&updated)
		if err != nil {
			return nil, fmt.Errorf("encode appointment: %w", err)
		}

		ok, err := l.store.CompareAndSet(ctx, canonicalPath(id), versionIs(current.Version), raw)
		if err != nil {
			if errors.Is(err, kvstore.ErrContention) {
				continue
			}
			return nil, &StoreTransportError{Op: "set status", Err: err}
		}
		if !ok {
			l.log.Debug().Str("appointment_id", id.String()).Int("attempt", attempt).Msg("status changed underneath, retrying")
			continue
		}
		return &updated, l.settle(ctx, &updated)
	}
	return nil, ErrConcurrentUpdate
}

func versionIs(version int64) kvstore.Predicate {
	return func(cur []byte, exists bool) bool {
		if !exists {
			return false
		}
		var a Appointment
		if err := json.Unmarshal(cur, &a); err != nil {
			return false
		}
		return a.Version == version
	}
}

// settle moves the index copies forward to appt and frees the slot of a
// cancelled appointment. The canonical record already carries appt, so any
// index failure leaves the ledger inconsistent until reconciled.
func (l *Ledger) settle(ctx context.Context, appt *Appointment) error {
	var result error
	if _, failed, err := l.advanceIndexes(ctx, appt); err != nil {
		result = &InconsistentLedgerWriteError{AppointmentID: appt.ID, FailedPaths: failed, Err: err}
	}

	if appt.Status == StatusCancelled {
		removed, err := l.locks.ReleaseHeldBy(ctx, appt.SlotKey(), appt.ID)
		if err != nil && result == nil {
			result = &StoreTransportError{Op: "release slot", Err: err}
		}
		if removed {
			metrics.SlotReleasesTotal.Inc()
		}
	}
	return result
}

// advanceIndexes writes appt to every index copy that is missing or holds
// an older version. It returns how many copies were written, plus the
// failed paths and first error.
func (l *Ledger) advanceIndexes(ctx context.Context, appt *Appointment) (int, []string, error) {
	raw, err := json.Marshal(appt)
	if err != nil {
		return 0, nil, fmt.Errorf("encode appointment: %w", err)
	}

	var (
		written  int
		failed   []string
		firstErr error
	)
	for _, p := range indexPaths(appt) {
		ok, err := l.store.CompareAndSet(ctx, p, olderThan(appt.Version), raw)
		if err != nil {
			failed = append(failed, p)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			written++
		}
	}
	return written, failed, firstErr
}

func olderThan(version int64) kvstore.Predicate {
	return func(cur []byte, exists bool) bool {
		if !exists {
			return true
		}
		var a Appointment
		if err := json.Unmarshal(cur, &a); err != nil {
			return true
		}
		return a.Version < version
	}
}

func (l *Ledger) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	return l.list(ctx, IndexByPatient, patientID)
}

func (l *Ledger) ListByNutritionist(ctx context.Context, nutritionistID string) ([]Appointment, error) {
	return l.list(ctx, IndexByNutritionist, nutritionistID)
}

func (l *Ledger) list(ctx context.Context, kind IndexKind, ownerID string) ([]Appointment, error) {
	root, err := indexRoot(kind, ownerID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.List(ctx, root)
	if err != nil {
		return nil, &StoreTransportError{Op: "list appointments", Err: err}
	}
	return l.decodeAll(entries), nil
}

func (l *Ledger) decodeAll(entries map[string][]byte) []Appointment {
	out := make([]Appointment, 0, len(entries))
	for p, raw := range entries {
		var a Appointment
		if err := json.Unmarshal(raw, &a); err != nil {
			l.log.Warn().Err(err).Str("path", p).Msg("skipping undecodable appointment")
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	return out
}

func sortAppointments(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if !appts[i].StartAt.Equal(appts[j].StartAt) {
			return appts[i].StartAt.Before(appts[j].StartAt)
		}
		return appts[i].ID.String() < appts[j].ID.String()
	})
}

// Subscribe streams every change to one participant's index, in commit
// order. fn runs synchronously on the store's delivery path and must not
// write to the store.
func (l *Ledger) Subscribe(ctx context.Context, kind IndexKind, ownerID string, fn func(AppointmentChange)) (func(), error) {
	root, err := indexRoot(kind, ownerID)
	if err != nil {
		return nil, err
	}
	cancel, err := l.store.Subscribe(ctx, root, func(c kvstore.Change) {
		id, err := uuid.Parse(kvstore.Base(c.Path))
		if err != nil {
			return
		}
		if c.Deleted() {
			fn(AppointmentChange{ID: id})
			return
		}
		var a Appointment
		if err := json.Unmarshal(c.Value, &a); err != nil {
			l.log.Warn().Err(err).Str("path", c.Path).Msg("dropping undecodable change")
			return
		}
		fn(AppointmentChange{ID: id, Appointment: &a})
	})
	if err != nil {
		return nil, &StoreTransportError{Op: "subscribe", Err: err}
	}
	return cancel, nil
}

// All returns every canonical appointment.
func (l *Ledger) All(ctx context.Context) ([]Appointment, error) {
	entries, err := l.store.List(ctx, appointmentsRoot)
	if err != nil {
		return nil, &StoreTransportError{Op: "list appointments", Err: err}
	}
	for p := range entries {
		if strings.Count(p, "/") != 1 {
			delete(entries, p)
		}
	}
	return l.decodeAll(entries), nil
}

// Orphans returns index copies whose canonical record does not exist.
func (l *Ledger) Orphans(ctx context.Context) ([]Appointment, error) {
	canonical, err := l.store.List(ctx, appointmentsRoot)
	if err != nil {
		return nil, &StoreTransportError{Op: "list appointments", Err: err}
	}
	known := make(map[string]bool, len(canonical))
	for p := range canonical {
		known[kvstore.Base(p)] = true
	}

	seen := make(map[string]bool)
	var orphans []Appointment
	for _, root := range []string{patientIndexRoot, nutritionistIndexRoot} {
		entries, err := l.store.List(ctx, root)
		if err != nil {
			return nil, &StoreTransportError{Op: "list index", Err: err}
		}
		for _, a := range l.decodeAll(entries) {
			id := a.ID.String()
			if known[id] || seen[id] {
				continue
			}
			seen[id] = true
			orphans = append(orphans, a)
		}
	}
	sortAppointments(orphans)
	return orphans, nil
}

// RepairIndexes brings the index copies of appt up to its version. It
// reports whether anything was written.
func (l *Ledger) RepairIndexes(ctx context.Context, appt *Appointment) (bool, error) {
	written, failed, err := l.advanceIndexes(ctx, appt)
	if err != nil {
		if written > 0 {
			return true, &InconsistentLedgerWriteError{AppointmentID: appt.ID, FailedPaths: failed, Err: err}
		}
		return false, &StoreTransportError{Op: "repair indexes", Err: err}
	}
	return written > 0, nil
}

// Purge removes the index copies of appt.
func (l *Ledger) Purge(ctx context.Context, appt *Appointment) error {
	values := map[string][]byte{}
	for _, p := range indexPaths(appt) {
		values[p] = nil
	}
	return ledgerWriteError("purge indexes", appt.ID, l.store.Write(ctx, values))
}

func (l *Ledger) InsertEvent(ctx context.Context, ev EventLog) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	p := kvstore.Join(eventsRoot, ev.AppointmentID.String(), ev.ID.String())
	if err := l.store.Write(ctx, map[string][]byte{p: raw}); err != nil {
		return &StoreTransportError{Op: "insert event", Err: err}
	}
	return nil
}

func (l *Ledger) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	entries, err := l.store.List(ctx, kvstore.Join(eventsRoot, appointmentID.String()))
	if err != nil {
		return nil, &StoreTransportError{Op: "list events", Err: err}
	}
	events := make([]EventLog, 0, len(entries))
	for _, raw := range entries {
		var ev EventLog
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}
