package model

import (
	"errors"
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestOrderRefColumnsRoundTrip(t *testing.T) {
	for _, ref := range []OrderRef{SellOrderRef("s1"), BuyOrderRef("b1")} {
		sell, buy := ref.Columns()
		got, ok := OrderRefFromColumns(sell, buy)
		if !ok {
			t.Fatalf("expected columns for %+v to rebuild", ref)
		}
		if got != ref {
			t.Errorf("expected %+v, got %+v", ref, got)
		}
	}
}

func TestOrderRefFromColumns_RejectsBothOrNeither(t *testing.T) {
	if _, ok := OrderRefFromColumns(nil, nil); ok {
		t.Error("neither column set must not produce a ref")
	}
	if _, ok := OrderRefFromColumns(strp("s"), strp("b")); ok {
		t.Error("both columns set must not produce a ref")
	}
}

func TestAdjustmentMatches_Wildcards(t *testing.T) {
	a := PriceAdjustment{PriceListCode: strp("KAWA"), LocationID: strp("BEN")}

	if !a.Matches("KAWA", "RAT", "BEN") {
		t.Error("nil ticker filter should match any ticker")
	}
	if a.Matches("KAWA", "RAT", "MOR") {
		t.Error("location filter should reject other locations")
	}
	if a.Matches("OTHER", "RAT", "BEN") {
		t.Error("price list filter should reject other lists")
	}

	wild := PriceAdjustment{}
	if !wild.Matches("X", "Y", "Z") {
		t.Error("all-nil filters should match everything")
	}
}

func TestAdjustmentInEffect(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name string
		adj  PriceAdjustment
		want bool
	}{
		{"inactive", PriceAdjustment{Active: false}, false},
		{"open window", PriceAdjustment{Active: true}, true},
		{"not started", PriceAdjustment{Active: true, EffectiveFrom: &after}, false},
		{"ended", PriceAdjustment{Active: true, EffectiveUntil: &before}, false},
		{"inside", PriceAdjustment{Active: true, EffectiveFrom: &before, EffectiveUntil: &after}, true},
		{"until is exclusive", PriceAdjustment{Active: true, EffectiveUntil: &now}, false},
	}
	for _, tt := range tests {
		if got := tt.adj.InEffect(now); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestTransitionErrorIsConflict(t *testing.T) {
	err := error(&TransitionError{From: StatusPending, To: StatusFulfilled})
	if !errors.Is(err, ErrConflict) {
		t.Error("TransitionError should match ErrConflict")
	}
	if err.Error() != "cannot transition from pending to fulfilled" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestErrorKindsAreDistinct(t *testing.T) {
	v := Validationf("quantity must be positive")
	f := Forbiddenf("seller only")
	if errors.Is(v, ErrForbidden) || errors.Is(f, ErrValidation) {
		t.Error("validation and authorization errors must be distinguishable")
	}
	if !errors.Is(NotFoundf("order %s", "x"), ErrNotFound) {
		t.Error("NotFoundf should wrap ErrNotFound")
	}
}
