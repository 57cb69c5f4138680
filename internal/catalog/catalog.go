// Package catalog holds the single product sold by this service, the accepted
// payment methods, and the installment plans offered for card payments.
// It is intentionally dependency-free of internal/: the checkout service and
// the HTTP layer both read from it, and it can be tested in isolation.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// ─── PAYMENT METHODS ─────────────────────────────────────────────────────────

// PaymentMethod is the payment-method kind a buyer selects at checkout.
// A checkout session allows exactly one of them, never both.
type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "card"
	PaymentMethodPix  PaymentMethod = "pix" // instant transfer, discounted price
)

// ErrUnknownPaymentMethod is returned by ParsePaymentMethod for any value other
// than "card" or "pix".
var ErrUnknownPaymentMethod = errors.New("catalog: unknown payment method")

// ParsePaymentMethod validates a raw payment method string.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(s))) {
	case PaymentMethodCard:
		return PaymentMethodCard, nil
	case PaymentMethodPix:
		return PaymentMethodPix, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, s)
	}
}

// ─── PRODUCT ─────────────────────────────────────────────────────────────────

// Product is the static product descriptor. All amounts are in minor units
// (centavos for BRL).
type Product struct {
	Name        string
	Description string
	Price       int64 // full price, charged for card payments
	PixPrice    int64 // discounted price, charged for pix payments
	Currency    string
	Images      []string
}

// Default is the product configured for this deployment.
var Default = Product{
	Name:        "Técnicas de Estudo Avançadas",
	Description: "Curso completo + bônus exclusivos",
	Price:       14700, // R$ 147,00
	PixPrice:    13965, // R$ 139,65 (5% off)
	Currency:    "brl",
	Images: []string{
		"https://images.unsplash.com/photo-1434030216411-0b793f4b4173?w=400&h=300&fit=crop",
	},
}

// AllowedInstallments is the enumerated set of installment counts offered for
// card payments.
var AllowedInstallments = []int{1, 2, 3, 6, 12}

// ValidInstallments reports whether n is one of AllowedInstallments.
func ValidInstallments(n int) bool {
	return slices.Contains(AllowedInstallments, n)
}

// Validate checks the product invariants. Call it once at startup.
func (p Product) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("catalog: product name must not be empty"))
	}
	if p.Currency == "" {
		errs = append(errs, errors.New("catalog: currency must not be empty"))
	}
	if p.PixPrice <= 0 || p.Price <= 0 {
		errs = append(errs, fmt.Errorf("catalog: prices must be positive (price=%d, pix=%d)", p.Price, p.PixPrice))
	}
	if p.PixPrice >= p.Price {
		errs = append(errs, fmt.Errorf("catalog: pix price %d must be below full price %d", p.PixPrice, p.Price))
	}
	return errors.Join(errs...)
}

// BaseAmount is the total charged for the given method before any installment
// split: the discounted price for pix, the full price otherwise.
func (p Product) BaseAmount(m PaymentMethod) int64 {
	if m == PaymentMethodPix {
		return p.PixPrice
	}
	return p.Price
}

// UnitAmount is the line-item unit amount sent to the processor.
//
// For card payments with more than one installment the unit amount is
// round(Price / installments). The session is still a one-shot charge: the
// installment count is carried as metadata only. Pix always charges PixPrice.
func (p Product) UnitAmount(m PaymentMethod, installments int) int64 {
	base := p.BaseAmount(m)
	if m == PaymentMethodPix || installments <= 1 {
		return base
	}
	return perInstallment(base, installments)
}

// perInstallment rounds half away from zero to whole minor units.
func perInstallment(total int64, count int) int64 {
	return decimal.NewFromInt(total).Div(decimal.NewFromInt(int64(count))).Round(0).IntPart()
}

// ─── INSTALLMENT PLANS ───────────────────────────────────────────────────────

// InstallmentPlan is one entry of the card installment table.
type InstallmentPlan struct {
	Count  int    `json:"installments"`
	Amount int64  `json:"amount"`
	Label  string `json:"label"`
}

// InstallmentPlans returns the precomputed card plans for the full price, one
// per AllowedInstallments entry.
func (p Product) InstallmentPlans() []InstallmentPlan {
	plans := make([]InstallmentPlan, 0, len(AllowedInstallments))
	for _, n := range AllowedInstallments {
		amount := perInstallment(p.Price, n)
		label := fmt.Sprintf("%dx de %s sem juros", n, FormatBRL(amount))
		if n == 1 {
			label = fmt.Sprintf("1x de %s à vista", FormatBRL(amount))
		}
		plans = append(plans, InstallmentPlan{Count: n, Amount: amount, Label: label})
	}
	return plans
}

// FormatBRL renders a minor-unit amount as Brazilian currency, e.g.
// 1234567 → "R$ 12.345,67".
func FormatBRL(minor int64) string {
	d := decimal.New(minor, -2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	intPart, frac, _ := strings.Cut(d.StringFixed(2), ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%sR$ %s,%s", sign, b.String(), frac)
}
