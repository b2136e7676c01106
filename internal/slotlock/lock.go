package slotlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
)

const root = "slotLocks"

var (
	// ErrSlotTaken is the expected outcome for every caller but the first
	// one to claim a slot. It is not retried.
	ErrSlotTaken  = errors.New("slot already taken")
	ErrInvalidKey = errors.New("invalid slot key")
)

// Key identifies one bookable slot. Slots are scoped per nutritionist, so
// two professionals can be booked at the same date and time.
type Key struct {
	NutritionistID string
	Date           availability.Date
	Time           availability.TimeOfDay
}

func (k Key) Validate() error {
	if err := kvstore.ValidateSegment(k.NutritionistID); err != nil {
		return fmt.Errorf("%w: nutritionist: %v", ErrInvalidKey, err)
	}
	if _, err := availability.ParseDate(string(k.Date)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !k.Time.Valid() {
		return fmt.Errorf("%w: time %d out of range", ErrInvalidKey, int(k.Time))
	}
	return nil
}

func (k Key) path() string {
	return kvstore.Join(root, k.NutritionistID, string(k.Date), k.Time.Compact())
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s %s", k.NutritionistID, k.Date, k.Time)
}

// Lock is the value stored for a claimed slot. It doubles as the token
// returned to the winner of TryClaim.
type Lock struct {
	AppointmentID  uuid.UUID              `json:"appointmentId"`
	NutritionistID string                 `json:"nutritionistId"`
	PatientID      string                 `json:"patientId"`
	Date           availability.Date      `json:"date"`
	Time           availability.TimeOfDay `json:"time"`
	CreatedAt      time.Time              `json:"createdAt"`
}

func (l *Lock) Key() Key {
	return Key{NutritionistID: l.NutritionistID, Date: l.Date, Time: l.Time}
}

type Manager struct {
	store kvstore.Store
	now   func() time.Time
}

func NewManager(store kvstore.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// TryClaim reserves key for appointmentID. Exactly one of any number of
// concurrent callers for the same key succeeds; the rest get ErrSlotTaken
// and leave no trace.
func (m *Manager) TryClaim(ctx context.Context, key Key, patientID string, appointmentID uuid.UUID) (*Lock, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := kvstore.ValidateSegment(patientID); err != nil {
		return nil, fmt.Errorf("%w: patient: %v", ErrInvalidKey, err)
	}

	lock := &Lock{
		AppointmentID:  appointmentID,
		NutritionistID: key.NutritionistID,
		PatientID:      patientID,
		Date:           key.Date,
		Time:           key.Time,
		CreatedAt:      m.now().UTC(),
	}
	value, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}

	ok, err := m.store.CompareAndSet(ctx, key.path(), kvstore.IfAbsent, value)
	if err != nil {
		if errors.Is(err, kvstore.ErrContention) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("claim slot %s: %w", key, err)
	}
	if !ok {
		return nil, ErrSlotTaken
	}
	return lock, nil
}

// Release frees key. Releasing a free key is a no-op.
func (m *Manager) Release(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.store.Write(ctx, map[string][]byte{key.path(): nil}); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}

// ReleaseHeldBy frees key only while it still belongs to appointmentID, so
// a late release cannot free a slot someone else has claimed since. It
// reports whether a lock was removed.
func (m *Manager) ReleaseHeldBy(ctx context.Context, key Key, appointmentID uuid.UUID) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	removed, err := m.store.CompareAndSet(ctx, key.path(), func(cur []byte, exists bool) bool {
		if !exists {
			return false
		}
		var l Lock
		if err := json.Unmarshal(cur, &l); err != nil {
			return false
		}
		return l.AppointmentID == appointmentID
	}, nil)
	if err != nil {
		return false, fmt.Errorf("release slot %s: %w", key, err)
	}
	return removed, nil
}

// Get returns the lock held on key, if any.
func (m *Manager) Get(ctx context.Context, key Key) (*Lock, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	raw, ok, err := m.store.Read(ctx, key.path())
	if err != nil {
		return nil, false, fmt.Errorf("read slot %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, false, fmt.Errorf("decode slot %s: %w", key, err)
	}
	return &l, true, nil
}

// ListBooked returns the claimed times for a nutritionist on date in
// ascending order. The result is a snapshot and may already be stale;
// TryClaim stays the authority.
func (m *Manager) ListBooked(ctx context.Context, nutritionistID string, date availability.Date) ([]availability.TimeOfDay, error) {
	key := Key{NutritionistID: nutritionistID, Date: date}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	entries, err := m.store.List(ctx, kvstore.Join(root, nutritionistID, string(date)))
	if err != nil {
		return nil, fmt.Errorf("list booked %s %s: %w", nutritionistID, date, err)
	}

	booked := make([]availability.TimeOfDay, 0, len(entries))
	for p := range entries {
		t, err := availability.ParseCompact(kvstore.Base(p))
		if err != nil {
			continue
		}
		booked = append(booked, t)
	}
	sort.Slice(booked, func(i, j int) bool { return booked[i] < booked[j] })
	return booked, nil
}

// All returns every lock currently held. Undecodable entries are skipped.
func (m *Manager) All(ctx context.Context) ([]Lock, error) {
	entries, err := m.store.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	locks := make([]Lock, 0, len(entries))
	for p, raw := range entries {
		if strings.Count(p, "/") != 3 {
			continue
		}
		var l Lock
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].CreatedAt.Before(locks[j].CreatedAt) })
	return locks, nil
}
