package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/nutrition-scheduling/internal/auth"
	"github.com/hackgods/nutrition-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	Patients       int
	NutritionistID string
	Date           string
	BookingRatio   float64
	CancelRatio    float64
	AttendRatio    float64
	JWTSecret      string
}

// DataPool holds what workers share: the slots under contention and every
// appointment created so far.
type DataPool struct {
	Patients []string
	Slots    []string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking    OperationMetrics
	Cancel     OperationMetrics
	Attendance OperationMetrics
	Read       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	token   string
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	cfg := SimConfig{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent bookings against a running api-server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "url", "http://localhost:8080", "api-server base URL")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.IntVar(&cfg.Patients, "patients", 500, "distinct patient ids to book as")
	f.StringVar(&cfg.NutritionistID, "nutritionist", "nutri-001", "nutritionist whose slots are contended")
	f.StringVar(&cfg.Date, "date", "", "booking date YYYY-MM-DD (required)")
	f.Float64Var(&cfg.BookingRatio, "booking-ratio", 0.6, "share of booking requests")
	f.Float64Var(&cfg.CancelRatio, "cancel-ratio", 0.15, "share of cancellations")
	f.Float64Var(&cfg.AttendRatio, "attendance-ratio", 0.1, "share of attendance updates, the rest are reads")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "mint an admin token with this secret")
	_ = cmd.MarkFlagRequired("date")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg SimConfig) error {
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		return fmt.Errorf("workers and duration must be positive")
	}
	logger := logging.New(true, "info").With().Str("component", "simulate").Logger()

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}
	if cfg.JWTSecret != "" {
		token, err := auth.MakeToken("simulator", auth.RoleAdmin, cfg.JWTSecret, cfg.Duration+time.Minute)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		sim.token = token
	}

	for i := 0; i < cfg.Patients; i++ {
		sim.pool.Patients = append(sim.pool.Patients, fmt.Sprintf("sim-patient-%04d", i))
	}
	if err := sim.loadSlots(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("nutritionist_id", cfg.NutritionistID).
		Str("date", cfg.Date).
		Int("slots", len(sim.pool.Slots)).
		Int("workers", cfg.Workers).
		Msg("starting simulation")

	sim.Run(ctx)
	sim.PrintReport()
	return nil
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	url := fmt.Sprintf("%s/nutritionists/%s/slots?date=%s", s.config.APIBaseURL, s.config.NutritionistID, s.config.Date)
	resp, err := s.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("load slots: status %d", resp.StatusCode)
	}

	var body struct {
		Slots []string `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode slots: %w", err)
	}
	if len(body.Slots) == 0 {
		return fmt.Errorf("nutritionist %s has no slots on %s", s.config.NutritionistID, s.config.Date)
	}
	s.pool.Slots = body.Slots
	return nil
}

func (s *Simulator) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	cfg := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < cfg.BookingRatio:
			s.doBooking(ctx, rng)
		case r < cfg.BookingRatio+cfg.CancelRatio:
			s.doCancel(ctx, rng)
		case r < cfg.BookingRatio+cfg.CancelRatio+cfg.AttendRatio:
			s.doAttendance(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	body, _ := json.Marshal(map[string]string{
		"patient_id":      s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		"patient_name":    gofakeit.Name(),
		"patient_email":   gofakeit.Email(),
		"nutritionist_id": s.config.NutritionistID,
		"date":            s.config.Date,
		"time":            s.pool.Slots[rng.Intn(len(s.pool.Slots))],
	})

	start := time.Now()
	resp, err := s.do(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", body)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Booking.Record(latency, 0, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(appt.ID)
		}
	}
	s.metrics.Booking.Record(latency, resp.StatusCode, nil)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	s.timed(ctx, &s.metrics.Cancel, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, id), nil)
}

func (s *Simulator) doAttendance(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	status := "attended"
	if rng.Intn(4) == 0 {
		status = "no_show"
	}
	body, _ := json.Marshal(map[string]string{"status": status})
	s.timed(ctx, &s.metrics.Attendance, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/attendance", s.config.APIBaseURL, id), body)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	url := fmt.Sprintf("%s/nutritionists/%s/booked?date=%s", s.config.APIBaseURL, s.config.NutritionistID, s.config.Date)
	if rng.Intn(2) == 0 {
		url = fmt.Sprintf("%s/appointments?patient_id=%s", s.config.APIBaseURL, s.pool.Patients[rng.Intn(len(s.pool.Patients))])
	}
	s.timed(ctx, &s.metrics.Read, http.MethodGet, url, nil)
}

func (s *Simulator) timed(ctx context.Context, om *OperationMetrics, method, url string, body []byte) {
	start := time.Now()
	resp, err := s.do(ctx, method, url, body)
	latency := time.Since(start)
	if err != nil {
		om.Record(latency, 0, err)
		return
	}
	resp.Body.Close()
	om.Record(latency, resp.StatusCode, nil)
}

func (s *Simulator) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.client.Do(req)
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Slots contended: %d\n\n", len(s.pool.Slots))

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Attendance", &s.metrics.Attendance)
	printOperationReport("Read", &s.metrics.Read)

	// every slot can be held by one live appointment at a time
	created := atomic.LoadInt64(&s.metrics.Booking.Success)
	cancelled := atomic.LoadInt64(&s.metrics.Cancel.Success)
	if live := created - cancelled; live > int64(len(s.pool.Slots)) {
		fmt.Printf("WARNING: %d bookings outlive cancellations on %d slots\n", live, len(s.pool.Slots))
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}
