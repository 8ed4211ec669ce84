package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/api"
	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/config"
	"github.com/hackgods/appointment-billing/internal/db"
	"github.com/hackgods/appointment-billing/internal/logger"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	Contenders      int
	SettleCallers   int
	BookingRatio    float64
	TransitionRatio float64
	ReadRatio       float64
	PatientLimit    int
	DoctorLimit     int
	DaysAhead       int
	JWTSecret       string
	PostgresDSN     string
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID

	mu       sync.RWMutex
	bookings []booked
}

type booked struct {
	AppointmentID uuid.UUID
	InvoiceID     uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
}

func (dp *DataPool) AddBooking(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return booked{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Contention OperationMetrics
	Settle     OperationMetrics
	Booking    OperationMetrics
	Transition OperationMetrics
	ReadByID   OperationMetrics
	ListSlots  OperationMetrics
}

// ContentionResult summarises the single-slot and double-settle phases.
type ContentionResult struct {
	Doctor         uuid.UUID
	Date           string
	TimeSlot       string
	Winners        int
	SlotTaken      int
	Other          int
	FreshSettles   int
	RepeatSettles  int
	InvoiceNumber  string
	SettleFailures int
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	metrics Metrics
	result  ContentionResult
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(baseCfg.LogLevel, baseCfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("contenders", cfg.Contenders),
		zap.Int("settle_callers", cfg.SettleCallers),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "simulate", log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("doctors", len(dataPool.Doctors)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	if err := sim.RunContention(context.Background()); err != nil {
		log.Error("contention phase failed", zap.Error(err))
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		Contenders:      getInt("SIM_CONTENDERS", 50),
		SettleCallers:   getInt("SIM_SETTLE_CALLERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.2),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		DoctorLimit:     getInt("SIM_DOCTOR_LIMIT", 50),
		DaysAhead:       getInt("SIM_DAYS_AHEAD", 14),
		JWTSecret:       base.JWTSecret,
		PostgresDSN:     base.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Contenders < 2 {
		return errors.New("SIM_CONTENDERS must be >= 2")
	}
	if cfg.DaysAhead <= 0 {
		return errors.New("SIM_DAYS_AHEAD must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	patients, err := loadIDs(ctx, pool, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	doctors, err := loadIDs(ctx, pool, `
		SELECT d.id FROM doctors d
		WHERE EXISTS (SELECT 1 FROM doctor_availability a WHERE a.doctor_id = d.id)
		LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}

	if len(patients) < cfg.Contenders {
		return nil, fmt.Errorf("need at least %d patients, found %d", cfg.Contenders, len(patients))
	}
	if len(doctors) == 0 {
		return nil, errors.New("no doctors with availability loaded")
	}

	dataPool.Patients = patients
	dataPool.Doctors = doctors
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RunContention sends every contender at the same slot at once, then has the
// winner settle its invoice from several goroutines.
func (s *Simulator) RunContention(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	doctor, date, slot, err := s.findOpenSlot(ctx, rng)
	if err != nil {
		return err
	}
	s.result.Doctor, s.result.Date, s.result.TimeSlot = doctor, date, slot
	s.log.Info("contending for slot", zap.Stringer("doctor_id", doctor), zap.String("date", date), zap.String("time_slot", slot))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner *api.BookingResponse
		start  = make(chan struct{})
	)
	perm := rng.Perm(len(s.pool.Patients))[:s.config.Contenders]
	for _, idx := range perm {
		patientID := s.pool.Patients[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			status, resp, errResp, latency := s.book(ctx, patientID, doctor, date, slot)
			s.metrics.Contention.Record(latency, status == http.StatusCreated, errResp.Error == "slot_taken")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case status == http.StatusCreated:
				s.result.Winners++
				winner = resp
			case errResp.Error == "slot_taken":
				s.result.SlotTaken++
			default:
				s.result.Other++
			}
		}()
	}
	close(start)
	wg.Wait()

	if winner == nil {
		return errors.New("no contender won the slot")
	}
	s.result.InvoiceNumber = winner.Invoice.InvoiceNumber
	s.pool.AddBooking(booked{
		AppointmentID: winner.Appointment.ID,
		InvoiceID:     winner.Invoice.ID,
		DoctorID:      winner.Appointment.DoctorID,
		PatientID:     winner.Appointment.PatientID,
	})

	start = make(chan struct{})
	for i := 0; i < s.config.SettleCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			settle, ok, latency := s.settle(ctx, winner.Appointment.PatientID, winner.Invoice.ID)
			s.metrics.Settle.Record(latency, ok, false)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !ok:
				s.result.SettleFailures++
			case settle.AlreadySettled:
				s.result.RepeatSettles++
			default:
				s.result.FreshSettles++
			}
		}()
	}
	close(start)
	wg.Wait()
	return nil
}

func (s *Simulator) findOpenSlot(ctx context.Context, rng *rand.Rand) (uuid.UUID, string, string, error) {
	admin := appointment.Actor{UserID: uuid.New(), Role: appointment.RoleAdmin}
	for _, idx := range rng.Perm(len(s.pool.Doctors)) {
		doctor := s.pool.Doctors[idx]
		for day := 1; day <= s.config.DaysAhead; day++ {
			date := time.Now().AddDate(0, 0, day).Format("2006-01-02")
			var slots api.SlotsResponse
			status, err := s.call(ctx, admin, http.MethodGet, fmt.Sprintf("/doctors/%s/slots?date=%s", doctor, date), nil, &slots)
			if err != nil {
				return uuid.Nil, "", "", err
			}
			if status != http.StatusOK {
				continue
			}
			for _, sl := range slots.Slots {
				if sl.Available {
					return doctor, date, sl.Time.String(), nil
				}
			}
		}
	}
	return uuid.Nil, "", "", errors.New("no open slot found")
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting mixed load", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("mixed load complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.TransitionRatio:
				s.doTransition(ctx, rng)
			case rng.Intn(2) == 0:
				s.doReadByID(ctx, rng)
			default:
				s.doListSlots(ctx, rng)
			}
		}
	}
}

// doBooking books a random slot in the next few days. Most picks land outside
// availability or on a taken slot, which exercises the rejection paths too.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	date := time.Now().AddDate(0, 0, 1+rng.Intn(s.config.DaysAhead)).Format("2006-01-02")
	slot := fmt.Sprintf("%02d:%02d", 8+rng.Intn(10), 30*rng.Intn(2))

	status, resp, errResp, latency := s.book(ctx, patient, doctor, date, slot)
	s.metrics.Booking.Record(latency, status == http.StatusCreated, status == http.StatusConflict || errResp.Error == "outside_availability")
	if status == http.StatusCreated {
		s.pool.AddBooking(booked{
			AppointmentID: resp.Appointment.ID,
			InvoiceID:     resp.Invoice.ID,
			DoctorID:      doctor,
			PatientID:     patient,
		})
	}
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	var status int
	var err error
	if rng.Intn(4) == 0 {
		patient := appointment.Actor{UserID: b.PatientID, Role: appointment.RolePatient}
		var settle api.SettleResponse
		status, err = s.call(ctx, patient, http.MethodPost, "/invoices/"+b.InvoiceID.String()+"/settle", api.SettleRequest{Method: "card"}, &settle)
	} else {
		doctor := appointment.Actor{UserID: b.DoctorID, Role: appointment.RoleDoctor}
		status, err = s.call(ctx, doctor, http.MethodPost, "/appointments/"+b.AppointmentID.String()+"/status", api.TransitionRequest{Status: "confirmed"}, nil)
	}
	s.metrics.Transition.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	patient := appointment.Actor{UserID: b.PatientID, Role: appointment.RolePatient}

	start := time.Now()
	status, err := s.call(ctx, patient, http.MethodGet, "/appointments/"+b.AppointmentID.String(), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	doctor := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	patient := appointment.Actor{UserID: s.pool.Patients[rng.Intn(len(s.pool.Patients))], Role: appointment.RolePatient}
	date := time.Now().AddDate(0, 0, 1+rng.Intn(s.config.DaysAhead)).Format("2006-01-02")

	start := time.Now()
	status, err := s.call(ctx, patient, http.MethodGet, fmt.Sprintf("/doctors/%s/slots?date=%s", doctor, date), nil, nil)
	s.metrics.ListSlots.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) book(ctx context.Context, patientID, doctorID uuid.UUID, date, slot string) (int, *api.BookingResponse, api.ErrorResponse, time.Duration) {
	actor := appointment.Actor{UserID: patientID, Role: appointment.RolePatient}
	req := api.CreateAppointmentRequest{DoctorID: doctorID.String(), Date: date, TimeSlot: slot}

	start := time.Now()
	var raw json.RawMessage
	status, err := s.call(ctx, actor, http.MethodPost, "/appointments", req, &raw)
	latency := time.Since(start)

	var errResp api.ErrorResponse
	if err != nil {
		return 0, nil, errResp, latency
	}
	if status != http.StatusCreated {
		_ = json.Unmarshal(raw, &errResp)
		return status, nil, errResp, latency
	}
	var resp api.BookingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, nil, errResp, latency
	}
	return status, &resp, errResp, latency
}

func (s *Simulator) settle(ctx context.Context, patientID, invoiceID uuid.UUID) (api.SettleResponse, bool, time.Duration) {
	actor := appointment.Actor{UserID: patientID, Role: appointment.RolePatient}
	start := time.Now()
	var resp api.SettleResponse
	status, err := s.call(ctx, actor, http.MethodPost, "/invoices/"+invoiceID.String()+"/settle", api.SettleRequest{Method: "card"}, &resp)
	return resp, err == nil && status == http.StatusOK, time.Since(start)
}

// call sends an authenticated JSON request and decodes the body into out when
// out is non-nil.
func (s *Simulator) call(ctx context.Context, actor appointment.Actor, method, path string, in, out any) (int, error) {
	token, err := api.SignToken(s.config.JWTSecret, actor, time.Minute)
	if err != nil {
		return 0, err
	}

	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	r := s.result
	fmt.Printf("Single slot %s %s %s:\n", r.Doctor, r.Date, r.TimeSlot)
	fmt.Printf("  Contenders: %d  Winners: %d  SlotTaken: %d  Other: %d\n", s.config.Contenders, r.Winners, r.SlotTaken, r.Other)
	fmt.Printf("  Invoice: %s  Settles: fresh=%d repeat=%d failed=%d\n", r.InvoiceNumber, r.FreshSettles, r.RepeatSettles, r.SettleFailures)
	if r.Winners != 1 || r.FreshSettles != 1 {
		fmt.Println("  !! expected exactly one winner and exactly one fresh settlement")
	}
	fmt.Println()

	printOperationReport("Contention", &s.metrics.Contention)
	printOperationReport("Settle", &s.metrics.Settle)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Transition", &s.metrics.Transition)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List slots", &s.metrics.ListSlots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
