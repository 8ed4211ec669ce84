package billing

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	ConsultationItem = "Consultation fee"
	PlatformFeeItem  = "Platform fee"
)

// ErrAmountOutOfRange is returned when a fee schedule yields an amount that
// does not fit in int64 minor units.
var ErrAmountOutOfRange = errors.New("invoice amount out of range")

// BuildDraft computes the invoice body for a fee schedule. Percentages are
// applied in basis points and rounded down. The discount is clamped so the
// final amount never goes negative.
func BuildDraft(fs FeeSchedule) (Draft, error) {
	platformFee, ok := applyBps(fs.ConsultationFee, fs.PlatformFeeBps)
	if !ok {
		return Draft{}, fmt.Errorf("%w: platform fee on %d", ErrAmountOutOfRange, fs.ConsultationFee)
	}

	items := []LineItem{
		{Description: ConsultationItem, Amount: fs.ConsultationFee},
		{Description: PlatformFeeItem, Amount: platformFee},
	}

	var total int64
	for _, it := range items {
		if total, ok = addAmounts(total, it.Amount); !ok {
			return Draft{}, fmt.Errorf("%w: total", ErrAmountOutOfRange)
		}
	}

	discount := fs.Discount
	if discount < 0 {
		discount = 0
	}
	if discount > total {
		discount = total
	}

	tax, ok := applyBps(total-discount, fs.TaxBps)
	if !ok {
		return Draft{}, fmt.Errorf("%w: tax", ErrAmountOutOfRange)
	}
	final, ok := addAmounts(total-discount, tax)
	if !ok {
		return Draft{}, fmt.Errorf("%w: final amount", ErrAmountOutOfRange)
	}

	return Draft{
		Items:       items,
		TotalAmount: total,
		Discount:    discount,
		Tax:         tax,
		FinalAmount: final,
	}, nil
}

// applyBps returns amount*bps/10000 truncated toward zero, or false when the
// result does not fit in int64.
func applyBps(amount, bps int64) (int64, bool) {
	var x big.Int
	x.Mul(big.NewInt(amount), big.NewInt(bps))
	x.Quo(&x, big.NewInt(10000))
	if !x.IsInt64() {
		return 0, false
	}
	return x.Int64(), true
}

func addAmounts(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// Balanced reports whether the stored amounts satisfy final = total - discount + tax.
func (inv *Invoice) Balanced() bool {
	return inv.FinalAmount == inv.TotalAmount-inv.Discount+inv.Tax
}

// FormatInvoiceNumber renders a sequence value the same way the database does.
func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("INV-%08d", seq)
}

// CanRefund reports whether an invoice in status s may move to refunded.
func CanRefund(s PaymentStatus) bool {
	return s == PaymentPaid || s == PaymentFailed
}
