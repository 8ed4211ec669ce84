package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/availability"
	"github.com/hackgods/appointment-billing/internal/billing"
	"github.com/hackgods/appointment-billing/internal/metrics"
)

// AppointmentService is the slice of *appointment.Service the HTTP layer uses.
type AppointmentService interface {
	ResolveSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]availability.Slot, error)
	GetAvailability(ctx context.Context, doctorID uuid.UUID) ([]availability.Window, error)
	UpdateAvailability(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, windows []availability.Window) ([]availability.Window, error)

	Claim(ctx context.Context, actor appointment.Actor, req appointment.ClaimRequest) (*appointment.Booking, error)
	GetAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, actor appointment.Actor, q appointment.ListQuery) ([]appointment.Appointment, error)
	Transition(ctx context.Context, actor appointment.Actor, id uuid.UUID, target appointment.AppointmentStatus) (*appointment.Appointment, error)

	GetInvoice(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*billing.Invoice, error)
	GetInvoiceForAppointment(ctx context.Context, actor appointment.Actor, appointmentID uuid.UUID) (*billing.Invoice, error)
	Settle(ctx context.Context, actor appointment.Actor, invoiceID uuid.UUID, method string) (*appointment.SettleResult, error)
	MarkPaymentFailed(ctx context.Context, actor appointment.Actor, invoiceID uuid.UUID) (*billing.Invoice, error)
	Refund(ctx context.Context, actor appointment.Actor, invoiceID uuid.UUID) (*billing.Invoice, error)
}

var _ AppointmentService = (*appointment.Service)(nil)

type RouterConfig struct {
	Service        AppointmentService
	Postgres       Pinger
	Redis          Pinger
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	JWTSecret      string
	AllowedOrigins []string
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log, cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Gatherer))
	}

	svc := cfg.Service
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Get("/doctors/{id}/availability", getAvailabilityHandler(svc))
		r.Put("/doctors/{id}/availability", updateAvailabilityHandler(svc))
		r.Get("/doctors/{id}/slots", listSlotsHandler(svc))

		r.Post("/appointments", createAppointmentHandler(svc))
		r.Get("/appointments", listAppointmentsHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Post("/appointments/{id}/status", transitionHandler(svc))
		r.Get("/appointments/{id}/invoice", getAppointmentInvoiceHandler(svc))

		r.Get("/invoices/{id}", getInvoiceHandler(svc))
		r.Post("/invoices/{id}/settle", settleInvoiceHandler(svc))
		r.Post("/invoices/{id}/fail", failInvoiceHandler(svc))
		r.Post("/invoices/{id}/refund", refundInvoiceHandler(svc))
	})

	return r
}
