package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
	"github.com/hackgods/nutrition-scheduling/internal/metrics"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
	"github.com/hackgods/nutrition-scheduling/internal/slotlock"
)

const (
	EventAppointmentRequested = "APPOINTMENT_REQUESTED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAttendanceRecorded   = "ATTENDANCE_RECORDED"
	EventLedgerRepaired       = "LEDGER_REPAIRED"
)

type Service struct {
	repo      Repository
	locks     *slotlock.Manager
	directory *Directory
	notifier  notify.Notifier
	cfg       config.Config
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, locks *slotlock.Manager, directory *Directory, notifier notify.Notifier, cfg config.Config, logger zerolog.Logger) *Service {
	if cfg.SlotStep <= 0 {
		cfg.SlotStep = availability.DefaultStep
	}
	if cfg.AppointmentDuration <= 0 {
		cfg.AppointmentDuration = cfg.SlotStep
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Service{
		repo:      repo,
		locks:     locks,
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		log:       logger.With().Str("component", "appointments").Logger(),
		now:       time.Now,
	}
}

// New wires the ledger, slot locks and directory over one store.
func New(store kvstore.Store, notifier notify.Notifier, cfg config.Config, logger zerolog.Logger) *Service {
	locks := slotlock.NewManager(store)
	return NewService(NewLedger(store, locks, logger), locks, NewDirectory(store), notifier, cfg, logger)
}

func (s *Service) Directory() *Directory {
	return s.directory
}

// ResolveSlots lists the bookable starts of one working day using the
// configured slot step.
func (s *Service) ResolveSlots(day *availability.DaySchedule) []availability.TimeOfDay {
	return availability.ResolveSlots(day, s.cfg.SlotStep)
}

// AvailableSlots resolves a nutritionist's day and marks which slots are
// already claimed. Free is a snapshot; booking can still lose the race.
func (s *Service) AvailableSlots(ctx context.Context, nutritionistID string, date availability.Date) (*DayAvailability, error) {
	if _, err := availability.ParseDate(string(date)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	n, err := s.directory.Get(ctx, nutritionistID)
	if err != nil {
		return nil, err
	}

	slots := s.ResolveSlots(s.daySchedule(n, date))
	booked, err := s.ListBooked(ctx, nutritionistID, date)
	if err != nil {
		return nil, err
	}

	taken := make(map[availability.TimeOfDay]bool, len(booked))
	for _, t := range booked {
		taken[t] = true
	}
	free := make([]availability.TimeOfDay, 0, len(slots))
	for _, t := range slots {
		if !taken[t] {
			free = append(free, t)
		}
	}

	return &DayAvailability{
		NutritionistID: nutritionistID,
		Date:           date,
		Slots:          slots,
		Booked:         booked,
		Free:           free,
	}, nil
}

func (s *Service) daySchedule(n *Nutritionist, date availability.Date) *availability.DaySchedule {
	week, err := availability.NormalizeWeekly(n.Availability)
	if err != nil {
		s.log.Warn().Err(err).Str("nutritionist_id", n.ID).Msg("availability has invalid entries")
	}
	return week.For(date.Midnight(s.cfg.Location))
}

func (s *Service) ListBooked(ctx context.Context, nutritionistID string, date availability.Date) ([]availability.TimeOfDay, error) {
	booked, err := s.locks.ListBooked(ctx, nutritionistID, date)
	if err != nil {
		if errors.Is(err, slotlock.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, &StoreTransportError{Op: "list booked", Err: err}
	}
	return booked, nil
}

// RequestBooking claims the slot and records a requested appointment.
// Exactly one of any number of concurrent requests for the same slot wins;
// the others get ErrSlotTaken and leave nothing behind.
func (s *Service) RequestBooking(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := validateRequest(req); err != nil {
		metrics.BookingsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	n, err := s.directory.Get(ctx, req.NutritionistID)
	if err != nil {
		metrics.BookingsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	startAt := req.Time.On(req.Date.Midnight(s.cfg.Location), s.cfg.Location)
	if startAt.Before(s.now()) {
		metrics.BookingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrSlotInPast
	}
	if !s.offers(n, req.Date, req.Time) {
		metrics.BookingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrSlotUnavailable
	}

	id := uuid.New()
	key := slotlock.Key{NutritionistID: req.NutritionistID, Date: req.Date, Time: req.Time}
	logger := s.log.With().
		Str("appointment_id", id.String()).
		Str("slot", key.String()).
		Str("patient_id", req.Patient.ID).
		Logger()

	if _, err := s.locks.TryClaim(ctx, key, req.Patient.ID, id); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			metrics.BookingsTotal.WithLabelValues("slot_taken").Inc()
			logger.Debug().Msg("slot already taken")
			return nil, ErrSlotTaken
		}
		if errors.Is(err, slotlock.ErrInvalidKey) {
			metrics.BookingsTotal.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		metrics.BookingsTotal.WithLabelValues("store_error").Inc()
		return nil, &StoreTransportError{Op: "claim slot", Err: err}
	}

	now := s.now().UTC()
	appt := &Appointment{
		ID:               id,
		PatientID:        req.Patient.ID,
		PatientName:      strings.TrimSpace(req.Patient.Name),
		PatientEmail:     strings.TrimSpace(req.Patient.Email),
		NutritionistID:   n.ID,
		NutritionistName: n.Name,
		Date:             req.Date,
		Time:             req.Time,
		StartAt:          startAt.UTC(),
		EndAt:            startAt.Add(s.cfg.AppointmentDuration).UTC(),
		Status:           StatusRequested,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, appt); err != nil {
		var inconsistent *InconsistentLedgerWriteError
		if errors.As(err, &inconsistent) {
			metrics.BookingsTotal.WithLabelValues("inconsistent").Inc()
			metrics.LedgerInconsistenciesTotal.Inc()
			logger.Error().Err(err).Strs("failed_paths", inconsistent.FailedPaths).Msg("appointment partially written")
			// the record exists somewhere, so the caller gets its id
			return appt, err
		}

		// nothing was written, so the slot can go back
		if _, relErr := s.locks.ReleaseHeldBy(ctx, key, id); relErr != nil {
			logger.Warn().Err(relErr).Msg("failed to release slot after failed booking")
		} else {
			metrics.SlotReleasesTotal.Inc()
		}
		metrics.BookingsTotal.WithLabelValues("store_error").Inc()
		logger.Error().Err(err).Msg("appointment not recorded")
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues("created").Inc()
	logger.Info().Str("nutritionist_id", n.ID).Msg("appointment requested")

	s.logEvent(ctx, id, EventAppointmentRequested, map[string]any{
		"patient_id":      appt.PatientID,
		"nutritionist_id": appt.NutritionistID,
		"date":            appt.Date,
		"time":            appt.Time,
	})
	s.notifyBooking(ctx, appt)

	return appt, nil
}

func validateRequest(req BookingRequest) error {
	if err := kvstore.ValidateSegment(req.Patient.ID); err != nil {
		return fmt.Errorf("%w: patient id: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Patient.Name) == "" {
		return fmt.Errorf("%w: patient name is required", ErrInvalidRequest)
	}
	if err := kvstore.ValidateSegment(req.NutritionistID); err != nil {
		return fmt.Errorf("%w: nutritionist id: %v", ErrInvalidRequest, err)
	}
	if _, err := availability.ParseDate(string(req.Date)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Time.Valid() {
		return fmt.Errorf("%w: time out of range", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) offers(n *Nutritionist, date availability.Date, t availability.TimeOfDay) bool {
	for _, slot := range s.ResolveSlots(s.daySchedule(n, date)) {
		if slot == t {
			return true
		}
	}
	return false
}

// notifyBooking hands the confirmation to the notifier. Delivery problems
// never reach the caller.
func (s *Service) notifyBooking(ctx context.Context, appt *Appointment) {
	err := s.notifier.BookingConfirmed(ctx, notify.Booking{
		AppointmentID:    appt.ID.String(),
		PatientEmail:     appt.PatientEmail,
		PatientName:      appt.PatientName,
		NutritionistName: appt.NutritionistName,
		Date:             appt.Date.String(),
		Time:             appt.Time.String(),
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("booking confirmation failed")
	}
}

// CancelBooking cancels an appointment and frees its slot. Cancelling an
// already cancelled appointment succeeds and retries the slot release.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.setStatus(ctx, id, StatusCancelled)
	if err != nil {
		return appt, err
	}
	metrics.StatusChangesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{})
	return appt, nil
}

// SetAttendance records whether the patient showed up.
func (s *Service) SetAttendance(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if status != StatusAttended && status != StatusNoShow {
		return nil, fmt.Errorf("%w: attendance must be %s or %s", ErrInvalidStatus, StatusAttended, StatusNoShow)
	}
	appt, err := s.setStatus(ctx, id, status)
	if err != nil {
		return appt, err
	}
	metrics.StatusChangesTotal.WithLabelValues(string(status)).Inc()
	s.logEvent(ctx, id, EventAttendanceRecorded, map[string]any{"status": status})
	return appt, nil
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	appt, err := s.repo.SetStatus(ctx, id, status)
	if err != nil {
		var inconsistent *InconsistentLedgerWriteError
		if errors.As(err, &inconsistent) {
			metrics.LedgerInconsistenciesTotal.Inc()
			s.log.Error().Err(err).
				Str("appointment_id", id.String()).
				Strs("failed_paths", inconsistent.FailedPaths).
				Msg("status change partially written")
		}
		return appt, err
	}
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) ListByNutritionist(ctx context.Context, nutritionistID string) ([]Appointment, error) {
	return s.repo.ListByNutritionist(ctx, nutritionistID)
}

func (s *Service) ListEvents(ctx context.Context, id uuid.UUID) ([]EventLog, error) {
	return s.repo.ListEvents(ctx, id)
}

// SubscribeAppointments forwards every change to a participant's
// appointments until the returned function is called or ctx ends.
func (s *Service) SubscribeAppointments(ctx context.Context, kind IndexKind, ownerID string, fn func(AppointmentChange)) (func(), error) {
	cancel, err := s.repo.Subscribe(ctx, kind, ownerID, fn)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.Inc()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			metrics.ActiveSubscriptions.Dec()
			cancel()
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			stop()
		}()
	}
	return stop, nil
}

// Reconcile repairs what partial ledger writes and crashed bookings leave
// behind:
//   - index copies that are missing or stale are rewritten from the
//     canonical record
//   - index copies without a canonical record are restored when their slot
//     lock still names them, and removed otherwise
//   - slot locks older than the grace period whose appointment is missing
//     or cancelled are released
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	appts, err := s.repo.All(ctx)
	if err != nil {
		return report, err
	}
	report.Appointments = len(appts)

	byID := make(map[uuid.UUID]*Appointment, len(appts))
	for i := range appts {
		a := &appts[i]
		byID[a.ID] = a

		repaired, err := s.repo.RepairIndexes(ctx, a)
		if err != nil {
			s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("index repair failed")
			continue
		}
		if repaired {
			report.IndexesRepaired++
			metrics.LedgerRepairsTotal.WithLabelValues("index").Inc()
			s.logEvent(ctx, a.ID, EventLedgerRepaired, map[string]any{"kind": "index"})
		}
	}

	orphans, err := s.repo.Orphans(ctx)
	if err != nil {
		return report, err
	}
	for i := range orphans {
		o := &orphans[i]
		if err := s.settleOrphan(ctx, o, byID); err != nil {
			s.log.Warn().Err(err).Str("appointment_id", o.ID.String()).Msg("orphan repair failed")
			continue
		}
		report.IndexesRepaired++
		metrics.LedgerRepairsTotal.WithLabelValues("index").Inc()
	}

	locks, err := s.locks.All(ctx)
	if err != nil {
		return report, &StoreTransportError{Op: "list locks", Err: err}
	}
	held := make(map[uuid.UUID]bool, len(locks))
	cutoff := s.now().Add(-s.cfg.LockGrace)
	for _, l := range locks {
		held[l.AppointmentID] = true
		if l.CreatedAt.After(cutoff) {
			continue
		}
		appt, ok := byID[l.AppointmentID]
		if ok && appt.Status != StatusCancelled {
			continue
		}
		removed, err := s.locks.ReleaseHeldBy(ctx, l.Key(), l.AppointmentID)
		if err != nil {
			s.log.Warn().Err(err).Str("slot", l.Key().String()).Msg("lock release failed")
			continue
		}
		if removed {
			report.LocksReleased++
			metrics.SlotReleasesTotal.Inc()
			metrics.LedgerRepairsTotal.WithLabelValues("lock").Inc()
			s.log.Info().Str("slot", l.Key().String()).Str("appointment_id", l.AppointmentID.String()).Msg("released orphaned slot lock")
		}
	}

	for _, a := range appts {
		if a.Status != StatusCancelled && !held[a.ID] {
			report.MissingLocks++
			s.log.Warn().Str("appointment_id", a.ID.String()).Msg("active appointment holds no slot lock")
		}
	}

	return report, nil
}

func (s *Service) settleOrphan(ctx context.Context, o *Appointment, byID map[uuid.UUID]*Appointment) error {
	lock, ok, err := s.locks.Get(ctx, o.SlotKey())
	if err != nil {
		return &StoreTransportError{Op: "read lock", Err: err}
	}
	if ok && lock.AppointmentID == o.ID && o.Status != StatusCancelled {
		if err := s.repo.Create(ctx, o); err != nil {
			return err
		}
		byID[o.ID] = o
		s.log.Info().Str("appointment_id", o.ID.String()).Msg("restored canonical appointment from index copy")
		return nil
	}
	if err := s.repo.Purge(ctx, o); err != nil {
		return err
	}
	s.log.Info().Str("appointment_id", o.ID.String()).Msg("removed index copies without appointment")
	return nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		ID:            uuid.New(),
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("event", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
