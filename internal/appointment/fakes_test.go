package appointment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
)

var errUnreachable = errors.New("connection refused")

// flakyStore fails writes to every path that starts with one of the
// configured prefixes. Everything else goes to the wrapped store.
type flakyStore struct {
	kvstore.Store

	mu      sync.Mutex
	failing []string
}

func (f *flakyStore) failWrites(prefixes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = prefixes
}

func (f *flakyStore) heal() {
	f.failWrites()
}

func (f *flakyStore) fails(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.failing {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (f *flakyStore) Write(ctx context.Context, values map[string][]byte) error {
	pass := make(map[string][]byte, len(values))
	failed := make(map[string]error)
	for p, v := range values {
		if f.fails(p) {
			failed[p] = errUnreachable
			continue
		}
		pass[p] = v
	}
	if len(failed) == len(values) {
		return errUnreachable
	}
	if err := f.Store.Write(ctx, pass); err != nil {
		return err
	}
	if len(failed) > 0 {
		return &kvstore.PartialWriteError{Failed: failed, Attempted: len(values)}
	}
	return nil
}

func (f *flakyStore) CompareAndSet(ctx context.Context, path string, pred kvstore.Predicate, newValue []byte) (bool, error) {
	if f.fails(path) {
		return false, errUnreachable
	}
	return f.Store.CompareAndSet(ctx, path, pred, newValue)
}

var (
	// 2024-06-01 is a Saturday
	bookingDate = availability.Date("2024-06-01")
	testNow     = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
)

const saturdayAvailability = `{
	"sat": {"start": "09:00", "end": "17:00", "breaks": [{"start": "12:00", "end": "13:00"}]}
}`

func testConfig() config.Config {
	return config.Config{
		StoreBackend:        config.BackendMemory,
		Notifier:            config.NotifierLog,
		SlotStep:            30 * time.Minute,
		AppointmentDuration: 30 * time.Minute,
		Location:            time.UTC,
		LockGrace:           2 * time.Minute,
	}
}

type fixture struct {
	store *flakyStore
	svc   *Service
}

func newFixture(t *testing.T, notifier notify.Notifier) *fixture {
	t.Helper()

	mem := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	store := &flakyStore{Store: mem}

	svc := New(store, notifier, testConfig(), zerolog.Nop())
	svc.now = func() time.Time { return testNow }

	if _, err := svc.Directory().Put(context.Background(), Nutritionist{
		ID:           "nutri-1",
		Name:         "Dr. " + gofakeit.LastName(),
		Email:        gofakeit.Email(),
		Availability: []byte(saturdayAvailability),
	}); err != nil {
		t.Fatalf("put nutritionist: %v", err)
	}
	return &fixture{store: store, svc: svc}
}

func patient(id string) Patient {
	return Patient{ID: id, Name: gofakeit.Name(), Email: gofakeit.Email()}
}

func booking(patientID, tod string) BookingRequest {
	return BookingRequest{
		Patient:        patient(patientID),
		NutritionistID: "nutri-1",
		Date:           bookingDate,
		Time:           availability.MustParseTimeOfDay(tod),
	}
}

func (f *fixture) book(t *testing.T, patientID, tod string) *Appointment {
	t.Helper()
	appt, err := f.svc.RequestBooking(context.Background(), booking(patientID, tod))
	if err != nil {
		t.Fatalf("book %s at %s: %v", patientID, tod, err)
	}
	return appt
}

// copies returns the canonical record and both index copies of id.
func (f *fixture) copies(t *testing.T, appt *Appointment) []*Appointment {
	t.Helper()
	ctx := context.Background()

	canonical, err := f.svc.GetAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := []*Appointment{canonical}

	byPatient, err := f.svc.ListByPatient(ctx, appt.PatientID)
	if err != nil {
		t.Fatalf("list by patient: %v", err)
	}
	out = append(out, find(byPatient, appt))

	byNutritionist, err := f.svc.ListByNutritionist(ctx, appt.NutritionistID)
	if err != nil {
		t.Fatalf("list by nutritionist: %v", err)
	}
	return append(out, find(byNutritionist, appt))
}

func find(list []Appointment, appt *Appointment) *Appointment {
	for i := range list {
		if list[i].ID == appt.ID {
			return &list[i]
		}
	}
	return nil
}
