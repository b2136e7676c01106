package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/nutrition-scheduling/internal/metrics"
)

var ErrMissingRecipient = errors.New("booking has no patient email")

// Booking carries what a confirmation message needs.
type Booking struct {
	AppointmentID    string
	PatientEmail     string
	PatientName      string
	NutritionistName string
	Date             string // YYYY-MM-DD
	Time             string // HH:mm
}

type Notifier interface {
	BookingConfirmed(ctx context.Context, b Booking) error
}

type Func func(ctx context.Context, b Booking) error

func (f Func) BookingConfirmed(ctx context.Context, b Booking) error {
	return f(ctx, b)
}

// LogNotifier only records the confirmation. Used in dev and when no
// email provider is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) BookingConfirmed(_ context.Context, b Booking) error {
	n.log.Info().
		Str("appointment_id", b.AppointmentID).
		Str("to", b.PatientEmail).
		Str("nutritionist", b.NutritionistName).
		Str("date", b.Date).
		Str("time", b.Time).
		Msg("booking confirmation")
	return nil
}

// Async delivers in the background so a slow or failing provider never
// affects the booking that triggered it. Failures are logged and counted.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration, logger zerolog.Logger) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{
		next:    next,
		timeout: timeout,
		log:     logger.With().Str("component", "notifier").Logger(),
	}
}

// BookingConfirmed always returns nil. The delivery outlives ctx
// cancellation but not the configured timeout.
func (a *Async) BookingConfirmed(ctx context.Context, b Booking) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.next.BookingConfirmed(sendCtx, b); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			a.log.Warn().Err(err).
				Str("appointment_id", b.AppointmentID).
				Msg("booking confirmation failed")
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
