package appointment

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/billing"
)

// Settle records a completed payment. Calling it again for a paid invoice
// returns the stored invoice with AlreadySettled set and changes nothing.
func (s *Service) Settle(ctx context.Context, actor Actor, invoiceID uuid.UUID, method string) (*SettleResult, error) {
	ctx, span := s.tracer.Start(ctx, "appointment.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("invoice_id", invoiceID.String()))

	res, err := s.settle(ctx, actor, invoiceID, method)
	switch {
	case err != nil:
		s.metrics.ObserveSettlement(Result(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, Result(err))
		return nil, err
	case res.AlreadySettled:
		s.metrics.ObserveSettlement("already_settled")
	default:
		s.metrics.ObserveSettlement("settled")
		s.log.Info("invoice settled",
			zap.Stringer("invoice_id", res.Invoice.ID),
			zap.String("invoice_number", res.Invoice.InvoiceNumber),
			zap.String("payment_method", res.Invoice.PaymentMethod),
			zap.String("appointment_status", string(res.Appointment.Status)),
		)
	}
	return res, nil
}

func (s *Service) settle(ctx context.Context, actor Actor, invoiceID uuid.UUID, method string) (*SettleResult, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, ErrInvalidPaymentMethod
	}

	inv, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeInvoice(ctx, actor, inv, false); err != nil {
		return nil, err
	}

	outcome, err := s.repo.SettleInvoice(ctx, invoiceID, method, s.now().UTC())
	if err != nil {
		return nil, err
	}

	return &SettleResult{
		Invoice:        outcome.Invoice,
		Appointment:    outcome.Appointment,
		AlreadySettled: !outcome.Settled,
	}, nil
}

// MarkPaymentFailed records a failed payment attempt on a pending invoice.
func (s *Service) MarkPaymentFailed(ctx context.Context, actor Actor, invoiceID uuid.UUID) (*billing.Invoice, error) {
	if actor.Role != RoleAdmin && actor.Role != RoleSystem {
		return nil, ErrForbidden
	}

	inv, err := s.repo.UpdateInvoiceStatus(ctx, invoiceID,
		[]billing.PaymentStatus{billing.PaymentPending}, billing.PaymentFailed)
	s.metrics.ObserveSettlement(resultOr(err, "failed"))
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice payment failed", zap.Stringer("invoice_id", inv.ID))
	return inv, nil
}

// Refund is an administrative action on a paid or failed invoice.
func (s *Service) Refund(ctx context.Context, actor Actor, invoiceID uuid.UUID) (*billing.Invoice, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	inv, err := s.repo.UpdateInvoiceStatus(ctx, invoiceID,
		[]billing.PaymentStatus{billing.PaymentPaid, billing.PaymentFailed}, billing.PaymentRefunded)
	s.metrics.ObserveSettlement(resultOr(err, "refunded"))
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice refunded", zap.Stringer("invoice_id", inv.ID))
	return inv, nil
}

func resultOr(err error, ok string) string {
	if err == nil {
		return ok
	}
	return Result(err)
}
