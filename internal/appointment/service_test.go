package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
	"github.com/hackgods/nutrition-scheduling/internal/slotlock"
)

func TestTwoPatientsSameSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
		appts   = make([]*Appointment, 2)
	)
	for i, id := range []string{"patient-a", "patient-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			appts[i], results[i] = f.svc.RequestBooking(ctx, booking(id, "14:00"))
		}(i, id)
	}
	wg.Wait()

	var won *Appointment
	var lost int
	for i, err := range results {
		switch {
		case err == nil:
			won = appts[i]
		case errors.Is(err, ErrSlotTaken):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won == nil || lost != 1 {
		t.Fatalf("expected one winner and one ErrSlotTaken, got %v", results)
	}
	if won.Status != StatusRequested {
		t.Fatalf("status: %s", won.Status)
	}
	if !won.EndAt.Equal(won.StartAt.Add(30 * time.Minute)) {
		t.Fatalf("endAt %s does not follow startAt %s", won.EndAt, won.StartAt)
	}

	list, err := f.svc.ListByNutritionist(ctx, "nutri-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != won.ID {
		t.Fatalf("nutritionist index holds %d appointments: %+v", len(list), list)
	}

	day, err := f.svc.AvailableSlots(ctx, "nutri-1", bookingDate)
	if err != nil {
		t.Fatalf("available slots: %v", err)
	}
	if len(day.Booked) != 1 || day.Booked[0] != availability.MustParseTimeOfDay("14:00") {
		t.Fatalf("booked: %v", day.Booked)
	}
	for _, free := range day.Free {
		if free == day.Booked[0] {
			t.Fatal("booked slot reported as free")
		}
	}
	// 09:00-17:00 minus the lunch hour, 30 minute slots
	if len(day.Slots) != 14 || len(day.Free) != 13 {
		t.Fatalf("slots=%d free=%d", len(day.Slots), len(day.Free))
	}
}

func TestCancelReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.book(t, "patient-a", "10:00")

	cancelled, err := f.svc.CancelBooking(ctx, first.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status after cancel: %s", cancelled.Status)
	}
	for i, c := range f.copies(t, first) {
		if c == nil || c.Status != StatusCancelled {
			t.Fatalf("copy %d not cancelled: %+v", i, c)
		}
	}

	second := f.book(t, "patient-b", "10:00")

	// cancelling again is a no-op and must not free the new holder's slot
	again, err := f.svc.CancelBooking(ctx, first.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != StatusCancelled {
		t.Fatalf("repeat cancel status: %s", again.Status)
	}
	booked, err := f.svc.ListBooked(ctx, "nutri-1", bookingDate)
	if err != nil {
		t.Fatalf("list booked: %v", err)
	}
	if len(booked) != 1 {
		t.Fatalf("expected the rebooked slot to stay held, got %v", booked)
	}
	if _, err := f.svc.RequestBooking(ctx, booking("patient-c", "10:00")); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("slot held by %s should be taken, got %v", second.ID, err)
	}
}

func TestAttendanceTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.book(t, "patient-a", "15:00")

	got, err := f.svc.SetAttendance(ctx, appt.ID, StatusAttended)
	if err != nil || got.Status != StatusAttended {
		t.Fatalf("attended: %v %v", got, err)
	}
	if _, err := f.svc.SetAttendance(ctx, appt.ID, StatusNoShow); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("attended -> no_show, got %v", err)
	}
	got, err = f.svc.SetAttendance(ctx, appt.ID, StatusAttended)
	if err != nil || got.Status != StatusAttended {
		t.Fatalf("repeating attended should be a no-op: %v %v", got, err)
	}
	for i, c := range f.copies(t, appt) {
		if c == nil || c.Status != StatusAttended {
			t.Fatalf("copy %d: %+v", i, c)
		}
	}

	other := f.book(t, "patient-b", "15:30")
	if _, err := f.svc.SetAttendance(ctx, other.ID, StatusNoShow); err != nil {
		t.Fatalf("no_show: %v", err)
	}
	if _, err := f.svc.SetAttendance(ctx, other.ID, StatusAttended); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("no_show -> attended, got %v", err)
	}

	if _, err := f.svc.SetAttendance(ctx, appt.ID, StatusCancelled); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("cancelled is not an attendance value, got %v", err)
	}

	if _, err := f.svc.CancelBooking(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.SetAttendance(ctx, appt.ID, StatusAttended); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("attendance on cancelled appointment, got %v", err)
	}

	if _, err := f.svc.SetAttendance(ctx, uuid.New(), StatusAttended); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("unknown appointment, got %v", err)
	}
}

func TestCancelAfterAttendanceFreesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.book(t, "patient-a", "11:00")

	if _, err := f.svc.SetAttendance(ctx, appt.ID, StatusAttended); err != nil {
		t.Fatalf("attended: %v", err)
	}
	if _, err := f.svc.CancelBooking(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	lock, err := f.svc.locks.TryClaim(ctx, appt.SlotKey(), "patient-b", uuid.New())
	if err != nil {
		t.Fatalf("claim after cancel: %v", err)
	}
	if lock.PatientID != "patient-b" {
		t.Fatalf("lock holder: %+v", lock)
	}
}

func TestConcurrentStatusChangesKeepCopiesAligned(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.book(t, "patient-a", "16:00")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.svc.SetAttendance(ctx, appt.ID, StatusAttended)
			case 1:
				_, err = f.svc.SetAttendance(ctx, appt.ID, StatusNoShow)
			default:
				_, err = f.svc.CancelBooking(ctx, appt.ID)
			}
			if err != nil && !errors.Is(err, ErrConcurrentUpdate) && !errors.Is(err, ErrInvalidStatusTransition) {
				t.Errorf("status change %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	copies := f.copies(t, appt)
	for i, c := range copies {
		if c == nil || c.Status != copies[0].Status {
			t.Fatalf("copy %d diverged: %+v vs %s", i, c, copies[0].Status)
		}
	}
}

func TestNotifierFailureDoesNotFailBooking(t *testing.T) {
	var calls int
	failing := notify.Func(func(ctx context.Context, b notify.Booking) error {
		calls++
		return errors.New("smtp timeout")
	})
	f := newFixture(t, failing)

	appt, err := f.svc.RequestBooking(context.Background(), booking("patient-a", "09:00"))
	if err != nil {
		t.Fatalf("booking failed because of the notifier: %v", err)
	}
	if appt.Status != StatusRequested || calls != 1 {
		t.Fatalf("status=%s notifier calls=%d", appt.Status, calls)
	}
}

func TestRequestBookingValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	past := booking("patient-a", "09:00")
	past.Date = "2024-04-27"

	lunch := booking("patient-a", "12:30")

	offGrid := booking("patient-a", "09:15")

	unknown := booking("patient-a", "09:00")
	unknown.NutritionistID = "nutri-404"

	nameless := booking("patient-a", "09:00")
	nameless.Patient.Name = "  "

	badDate := booking("patient-a", "09:00")
	badDate.Date = "2024-02-30"

	sunday := booking("patient-a", "10:00")
	sunday.Date = "2024-06-02"

	tests := []struct {
		name string
		req  BookingRequest
		want error
	}{
		{"past slot", past, ErrSlotInPast},
		{"inside break", lunch, ErrSlotUnavailable},
		{"not on the slot grid", offGrid, ErrSlotUnavailable},
		{"day off", sunday, ErrSlotUnavailable},
		{"unknown nutritionist", unknown, ErrNutritionistNotFound},
		{"missing patient name", nameless, ErrInvalidRequest},
		{"impossible date", badDate, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.RequestBooking(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	booked, err := f.svc.ListBooked(ctx, "nutri-1", bookingDate)
	if err != nil || len(booked) != 0 {
		t.Fatalf("rejected requests left locks behind: %v %v", booked, err)
	}
}

func TestTotalWriteFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.failWrites(appointmentsRoot+"/", patientIndexRoot+"/", nutritionistIndexRoot+"/")
	_, err := f.svc.RequestBooking(ctx, booking("patient-a", "11:00"))
	var transport *StoreTransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected StoreTransportError, got %v", err)
	}
	f.store.heal()

	booked, err := f.svc.ListBooked(ctx, "nutri-1", bookingDate)
	if err != nil || len(booked) != 0 {
		t.Fatalf("slot should have been released: %v %v", booked, err)
	}
	f.book(t, "patient-b", "11:00")
}

func TestPartialWriteIsReportedAndRepaired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.failWrites(patientIndexRoot + "/")
	partial, err := f.svc.RequestBooking(ctx, booking("patient-a", "13:00"))
	var inconsistent *InconsistentLedgerWriteError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentLedgerWriteError, got %v", err)
	}
	if partial == nil || partial.ID != inconsistent.AppointmentID {
		t.Fatalf("partial booking should still return the appointment, got %+v", partial)
	}
	if len(inconsistent.FailedPaths) != 1 {
		t.Fatalf("failed paths: %v", inconsistent.FailedPaths)
	}
	f.store.heal()

	// the slot stays claimed so nobody else can take it meanwhile
	if _, err := f.svc.RequestBooking(ctx, booking("patient-b", "13:00")); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if list, _ := f.svc.ListByPatient(ctx, "patient-a"); len(list) != 0 {
		t.Fatalf("patient index should be missing the copy, got %d", len(list))
	}

	report, err := f.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.IndexesRepaired != 1 || report.LocksReleased != 0 {
		t.Fatalf("report: %+v", report)
	}
	list, err := f.svc.ListByPatient(ctx, "patient-a")
	if err != nil || len(list) != 1 || list[0].ID != inconsistent.AppointmentID {
		t.Fatalf("patient index after repair: %+v %v", list, err)
	}

	report, err = f.svc.Reconcile(ctx)
	if err != nil || report.IndexesRepaired != 0 {
		t.Fatalf("second pass should be clean: %+v %v", report, err)
	}
}

func TestReconcileRestoresMissingCanonical(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.failWrites(appointmentsRoot + "/")
	_, err := f.svc.RequestBooking(ctx, booking("patient-a", "09:30"))
	var inconsistent *InconsistentLedgerWriteError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentLedgerWriteError, got %v", err)
	}
	f.store.heal()

	if _, err := f.svc.GetAppointment(ctx, inconsistent.AppointmentID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("canonical should be missing, got %v", err)
	}

	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	appt, err := f.svc.GetAppointment(ctx, inconsistent.AppointmentID)
	if err != nil || appt.Status != StatusRequested {
		t.Fatalf("canonical not restored: %+v %v", appt, err)
	}
}

func TestReconcileReleasesOrphanedLocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	kept := f.book(t, "patient-a", "14:30")

	// a booking that crashed between claiming and writing the ledger
	orphan := slotlock.Key{
		NutritionistID: "nutri-1",
		Date:           bookingDate,
		Time:           availability.MustParseTimeOfDay("15:30"),
	}
	if _, err := f.svc.locks.TryClaim(ctx, orphan, "patient-z", uuid.New()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// young locks are left alone
	f.svc.now = time.Now
	report, err := f.svc.Reconcile(ctx)
	if err != nil || report.LocksReleased != 0 {
		t.Fatalf("young lock released: %+v %v", report, err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err = f.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.LocksReleased != 1 || report.Appointments != 1 || report.MissingLocks != 0 {
		t.Fatalf("report: %+v", report)
	}

	booked, err := f.svc.ListBooked(ctx, "nutri-1", bookingDate)
	if err != nil || len(booked) != 1 || booked[0] != kept.Time {
		t.Fatalf("only the real booking should hold a slot: %v %v", booked, err)
	}
}

func TestSubscribeAppointments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []AppointmentChange
	)
	stop, err := f.svc.SubscribeAppointments(ctx, IndexByPatient, "patient-a", func(c AppointmentChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	appt := f.book(t, "patient-a", "10:30")
	f.book(t, "patient-b", "11:30")
	if _, err := f.svc.CancelBooking(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stop()
	stop()

	f.book(t, "patient-a", "16:30")

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Appointment.Status != StatusRequested || changes[1].Appointment.Status != StatusCancelled {
		t.Fatalf("unexpected order: %s then %s", changes[0].Appointment.Status, changes[1].Appointment.Status)
	}
	for _, c := range changes {
		if c.ID != appt.ID {
			t.Fatalf("change for another appointment: %s", c.ID)
		}
	}
}

func TestEventLog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.book(t, "patient-a", "09:00")
	if _, err := f.svc.SetAttendance(ctx, appt.ID, StatusAttended); err != nil {
		t.Fatalf("attendance: %v", err)
	}

	events, err := f.svc.ListEvents(ctx, appt.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.EventType] = true
	}
	if !types[EventAppointmentRequested] || !types[EventAttendanceRecorded] {
		t.Fatalf("events: %+v", events)
	}
}

func TestAvailableSlotsLegacyProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Directory().Put(ctx, Nutritionist{
		ID:           "nutri-2",
		Name:         "Legacy",
		Availability: []byte(`{"Saturday": "08:00-10:00 | 08:30-09:00"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	day, err := f.svc.AvailableSlots(ctx, "nutri-2", bookingDate)
	if err != nil {
		t.Fatalf("available slots: %v", err)
	}
	want := []string{"08:00", "09:00", "09:30"}
	if len(day.Free) != len(want) {
		t.Fatalf("free: %v", day.Free)
	}
	for i, w := range want {
		if day.Free[i].String() != w {
			t.Fatalf("free[%d] = %s, want %s", i, day.Free[i], w)
		}
	}

	if _, err := f.svc.AvailableSlots(ctx, "nutri-404", bookingDate); !errors.Is(err, ErrNutritionistNotFound) {
		t.Fatalf("unknown nutritionist: %v", err)
	}
}

func TestDirectoryRejectsBadProfiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bad := []Nutritionist{
		{ID: "", Name: "x"},
		{ID: "a/b", Name: "x"},
		{ID: "n9", Name: " "},
		{ID: "n9", Name: "x", Availability: []byte(`{"mon": `)},
		{ID: "n9", Name: "x", Availability: []byte(`{"mon": {"start": "9am", "end": "17:00"}}`)},
	}
	for _, n := range bad {
		if _, err := f.svc.Directory().Put(ctx, n); !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("%+v: expected ErrInvalidProfile, got %v", n, err)
		}
	}

	list, err := f.svc.Directory().List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d %v", len(list), err)
	}
}

func TestPartialCancelStillFreesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.book(t, "patient-a", "16:00")

	f.store.failWrites(patientIndexRoot + "/")
	got, err := f.svc.CancelBooking(ctx, appt.ID)
	var inconsistent *InconsistentLedgerWriteError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentLedgerWriteError, got %v", err)
	}
	if got == nil || got.Status != StatusCancelled {
		t.Fatalf("canonical record should be cancelled: %+v", got)
	}
	f.store.heal()

	booked, err := f.svc.ListBooked(ctx, "nutri-1", bookingDate)
	if err != nil || len(booked) != 0 {
		t.Fatalf("slot should be free: %v %v", booked, err)
	}
	if c := f.copies(t, appt)[1]; c.Status != StatusRequested {
		t.Fatalf("patient copy should still be stale, got %s", c.Status)
	}

	report, err := f.svc.Reconcile(ctx)
	if err != nil || report.IndexesRepaired != 1 {
		t.Fatalf("reconcile: %+v %v", report, err)
	}
	for i, c := range f.copies(t, appt) {
		if c.Status != StatusCancelled {
			t.Fatalf("copy %d after repair: %s", i, c.Status)
		}
	}
}
