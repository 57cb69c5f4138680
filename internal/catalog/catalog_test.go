package catalog_test

import (
	"errors"
	"testing"

	"github.com/nyashahama/course-checkout-backend/internal/catalog"
)

// ─── UnitAmount ───────────────────────────────────────────────────────────────

func TestUnitAmount_CardSplitsFullPrice(t *testing.T) {
	want := map[int]int64{1: 14700, 2: 7350, 3: 4900, 6: 2450, 12: 1225}
	for _, n := range catalog.AllowedInstallments {
		if got := catalog.Default.UnitAmount(catalog.PaymentMethodCard, n); got != want[n] {
			t.Errorf("installments=%d: got %d, want %d", n, got, want[n])
		}
	}
}

func TestUnitAmount_CardRoundsHalfUp(t *testing.T) {
	p := catalog.Default
	p.Price = 14705 // 7352.5 at 2x

	if got := p.UnitAmount(catalog.PaymentMethodCard, 2); got != 7353 {
		t.Errorf("2x: got %d, want 7353", got)
	}
	if got := p.UnitAmount(catalog.PaymentMethodCard, 12); got != 1225 {
		t.Errorf("12x: got %d, want 1225", got)
	}
}

func TestUnitAmount_CardSingleInstallmentIsFullPrice(t *testing.T) {
	if got := catalog.Default.UnitAmount(catalog.PaymentMethodCard, 1); got != 14700 {
		t.Errorf("expected 14700, got %d", got)
	}
}

func TestUnitAmount_PixIgnoresInstallments(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 6, 12} {
		if got := catalog.Default.UnitAmount(catalog.PaymentMethodPix, n); got != 13965 {
			t.Errorf("installments=%d: expected 13965, got %d", n, got)
		}
	}
}

// ─── ParsePaymentMethod ──────────────────────────────────────────────────────

func TestParsePaymentMethod(t *testing.T) {
	cases := map[string]catalog.PaymentMethod{
		"card":  catalog.PaymentMethodCard,
		"pix":   catalog.PaymentMethodPix,
		" PIX ": catalog.PaymentMethodPix,
	}
	for in, want := range cases {
		got, err := catalog.ParsePaymentMethod(in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}

	if _, err := catalog.ParsePaymentMethod("boleto"); !errors.Is(err, catalog.ErrUnknownPaymentMethod) {
		t.Errorf("expected ErrUnknownPaymentMethod, got %v", err)
	}
}

// ─── InstallmentPlans ────────────────────────────────────────────────────────

func TestInstallmentPlans_MatchAllowedSet(t *testing.T) {
	plans := catalog.Default.InstallmentPlans()
	if len(plans) != len(catalog.AllowedInstallments) {
		t.Fatalf("expected %d plans, got %d", len(catalog.AllowedInstallments), len(plans))
	}
	want := map[int]int64{1: 14700, 2: 7350, 3: 4900, 6: 2450, 12: 1225}
	for _, p := range plans {
		if p.Amount != want[p.Count] {
			t.Errorf("%dx: amount %d, want %d", p.Count, p.Amount, want[p.Count])
		}
	}
	if plans[1].Label != "2x de R$ 73,50 sem juros" {
		t.Errorf("label: got %q", plans[1].Label)
	}
	if plans[0].Label != "1x de R$ 147,00 à vista" {
		t.Errorf("label: got %q", plans[0].Label)
	}
}

func TestValidInstallments(t *testing.T) {
	if !catalog.ValidInstallments(6) {
		t.Error("6 should be allowed")
	}
	if catalog.ValidInstallments(4) {
		t.Error("4 should not be allowed")
	}
}

// ─── Validate / FormatBRL ────────────────────────────────────────────────────

func TestValidate_DefaultProductIsValid(t *testing.T) {
	if err := catalog.Default.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_PixPriceMustBeBelowFullPrice(t *testing.T) {
	p := catalog.Default
	p.PixPrice = p.Price
	if err := p.Validate(); err == nil {
		t.Error("expected error when pix price equals full price")
	}
}

func TestFormatBRL(t *testing.T) {
	cases := map[int64]string{
		13965:   "R$ 139,65",
		5:       "R$ 0,05",
		1234567: "R$ 12.345,67",
		-1000:   "-R$ 10,00",
	}
	for in, want := range cases {
		if got := catalog.FormatBRL(in); got != want {
			t.Errorf("FormatBRL(%d): got %q, want %q", in, got, want)
		}
	}
}
