package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/config"
	"github.com/hackgods/appointment-billing/internal/db"
	"github.com/hackgods/appointment-billing/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// shifts are the weekly templates handed out to seeded doctors.
var shifts = [][]availability.Window{
	weekdays(9*60, 13*60, 14*60, 17*60),
	weekdays(8*60, 12*60),
	weekdays(13*60, 19*60),
	append(weekdays(10*60, 16*60), availability.Window{DayOfWeek: time.Saturday, Start: 9 * 60, End: 12 * 60}),
}

func weekdays(bounds ...availability.Clock) []availability.Window {
	var out []availability.Window
	for day := time.Monday; day <= time.Friday; day++ {
		for i := 0; i+1 < len(bounds); i += 2 {
			out = append(out, availability.Window{DayOfWeek: day, Start: bounds[i], End: bounds[i+1]})
		}
	}
	return out
}

func main() {
	doctors := flag.Int("doctors", 100, "doctors to create")
	patients := flag.Int("patients", 9000, "patients to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "seed", log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedDoctors(ctx, log, pool, *doctors); err != nil {
		log.Fatal("seed doctors", zap.Error(err))
	}
	if err := seedPatients(ctx, log, pool, *patients); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	log.Info("seed complete")
}

func seedDoctors(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool, count int) error {
	log.Info("seeding doctors", zap.Int("count", count))

	repo := appointment.NewPgRepository(pool)

	for i := 0; i < count; i++ {
		id := uuid.New()
		fee := int64(gofakeit.Number(20, 150)) * 1000
		var discount int64
		if gofakeit.Number(0, 3) == 0 {
			discount = fee / 10
		}

		_, err := pool.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, consultation_fee, discount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, "Dr. "+gofakeit.Name(), specialties[gofakeit.Number(0, len(specialties)-1)], fee, discount)
		if err != nil {
			return err
		}

		if err := repo.ReplaceAvailability(ctx, id, shifts[i%len(shifts)]); err != nil {
			return err
		}
	}

	log.Info("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool, count int) error {
	log.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
				ON CONFLICT (email) DO NOTHING
			`, uuid.New(), gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}
