package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/nutrition-scheduling/internal/appointment"
	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/config"
	"github.com/hackgods/nutrition-scheduling/internal/db"
	"github.com/hackgods/nutrition-scheduling/internal/logging"
	"github.com/hackgods/nutrition-scheduling/internal/notify"
)

type seedOptions struct {
	nutritionists int
	bookings      int
	days          int
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed nutritionist profiles and sample bookings into the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.nutritionists, "nutritionists", 20, "number of nutritionist profiles")
	cmd.Flags().IntVar(&opts.bookings, "bookings", 200, "number of booking attempts")
	cmd.Flags().IntVar(&opts.days, "days", 14, "spread bookings over this many days starting tomorrow")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger := logging.New(cfg.IsDev(), cfg.LogLevel).With().Str("component", "seed").Logger()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	backend, err := db.Open(connCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	svc := appointment.New(backend.Store, notify.NewLogNotifier(zerolog.Nop()), cfg, logger)

	ids, err := seedNutritionists(ctx, svc, opts.nutritionists, logger)
	if err != nil {
		return err
	}
	seedBookings(ctx, svc, ids, opts, cfg.Location, logger)

	logger.Info().Msg("seed complete")
	return nil
}

// availabilityDocs are the encodings found in stored profiles, from the
// canonical shape down to the oldest free-text one.
var availabilityDocs = []string{
	`{"mon":{"start":"09:00","end":"17:00","breaks":[{"start":"12:00","end":"13:00"}]},
	  "wed":{"start":"09:00","end":"17:00","breaks":[]},
	  "fri":{"start":"08:00","end":"12:00"}}`,
	`{"Monday":"08:00-16:00 | 12:00-12:30","Tuesday":"08:00-16:00","Thursday":"10:00-18:00 | 13:00-14:00, 16:00-16:15"}`,
	`[null,{"from":"09:00","to":"15:00"},{"from":"09:00","to":"15:00"},null,{"from":"09:00","to":"15:00"},null,{"from":"09:00","to":"12:00"}]`,
	`"{\"tue\":{\"start\":\"13:00\",\"end\":\"19:00\"},\"sat\":{\"start\":\"08:00\",\"end\":\"12:00\"}}"`,
	`{"1":{"start":"09:00","end":"17:00","breaks":{"0":{"start":"12:00","end":"13:00"},"2":{"start":"15:00","end":"15:30"}}},
	  "3":{"start":"09:00","end":"17:00","enabled":true},"5":{"start":"09:00","end":"17:00","enabled":false}}`,
}

func seedNutritionists(ctx context.Context, svc *appointment.Service, count int, logger zerolog.Logger) ([]string, error) {
	logger.Info().Int("count", count).Msg("seeding nutritionists")

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("nutri-%03d", i+1)
		doc := availabilityDocs[i%len(availabilityDocs)]

		_, err := svc.Directory().Put(ctx, appointment.Nutritionist{
			ID:           id,
			Name:         "Dr. " + gofakeit.FirstName() + " " + gofakeit.LastName(),
			Email:        gofakeit.Email(),
			Availability: json.RawMessage(doc),
		})
		if err != nil {
			return nil, fmt.Errorf("put %s: %w", id, err)
		}
		ids = append(ids, id)
	}

	logger.Info().Int("count", len(ids)).Msg("nutritionists seeded")
	return ids, nil
}

func seedBookings(ctx context.Context, svc *appointment.Service, nutritionists []string, opts seedOptions, loc *time.Location, logger zerolog.Logger) {
	if len(nutritionists) == 0 || opts.days <= 0 {
		return
	}
	logger.Info().Int("attempts", opts.bookings).Msg("seeding bookings")

	tomorrow := time.Now().In(loc).AddDate(0, 0, 1)
	var created, taken, skipped int

	for i := 0; i < opts.bookings; i++ {
		nid := nutritionists[gofakeit.Number(0, len(nutritionists)-1)]
		date := availability.DateOf(tomorrow.AddDate(0, 0, gofakeit.Number(0, opts.days-1)))

		day, err := svc.AvailableSlots(ctx, nid, date)
		if err != nil || len(day.Free) == 0 {
			skipped++
			continue
		}

		_, err = svc.RequestBooking(ctx, appointment.BookingRequest{
			Patient: appointment.Patient{
				ID:    "patient-" + gofakeit.DigitN(6),
				Name:  gofakeit.Name(),
				Email: gofakeit.Email(),
			},
			NutritionistID: nid,
			Date:           date,
			Time:           day.Free[gofakeit.Number(0, len(day.Free)-1)],
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, appointment.ErrSlotTaken):
			taken++
		default:
			logger.Warn().Err(err).Str("nutritionist_id", nid).Msg("booking failed")
		}
	}

	logger.Info().
		Int("created", created).
		Int("slot_taken", taken).
		Int("no_free_slots", skipped).
		Msg("bookings seeded")
}
