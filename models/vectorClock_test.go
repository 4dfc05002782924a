package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

func TestVectorClockCompareOrderings(t *testing.T) {
	base := models.VectorClock{"reg-1": 3, "reg-2": 1}

	if got := base.Compare(base.Clone()); got != models.OrderEqual {
		t.Fatalf("clock compared to its clone: got %s, want EQUAL", got)
	}

	ahead := base.Bump("reg-1")
	if got := base.Compare(ahead); got != models.OrderBefore {
		t.Fatalf("base vs bumped: got %s, want BEFORE", got)
	}
	if got := ahead.Compare(base); got != models.OrderAfter {
		t.Fatalf("bumped vs base: got %s, want AFTER", got)
	}

	// Each side advanced a different device: concurrent.
	left := base.Bump("reg-1")
	right := base.Bump("reg-2")
	if got := left.Compare(right); got != models.OrderConcurrent {
		t.Fatalf("diverged clocks: got %s, want CONCURRENT", got)
	}
	if got := right.Compare(left); got != models.OrderConcurrent {
		t.Fatalf("diverged clocks (flipped): got %s, want CONCURRENT", got)
	}
}

func TestVectorClockCompareMissingCoordinates(t *testing.T) {
	// A device the left clock has never heard of counts as zero.
	left := models.VectorClock{"reg-1": 2}
	right := models.VectorClock{"reg-1": 2, "reg-9": 1}

	if got := left.Compare(right); got != models.OrderBefore {
		t.Fatalf("missing coordinate: got %s, want BEFORE", got)
	}
	if got := right.Compare(left); got != models.OrderAfter {
		t.Fatalf("missing coordinate (flipped): got %s, want AFTER", got)
	}

	// Zero-valued explicit coordinates change nothing.
	withZero := models.VectorClock{"reg-1": 2, "reg-9": 0}
	if got := left.Compare(withZero); got != models.OrderEqual {
		t.Fatalf("explicit zero coordinate: got %s, want EQUAL", got)
	}
}

func TestVectorClockBumpDoesNotMutateReceiver(t *testing.T) {
	base := models.VectorClock{"reg-1": 1}
	bumped := base.Bump("reg-1")

	if base["reg-1"] != 1 {
		t.Fatalf("receiver mutated: reg-1 = %d, want 1", base["reg-1"])
	}
	if bumped["reg-1"] != 2 {
		t.Fatalf("bumped copy: reg-1 = %d, want 2", bumped["reg-1"])
	}

	var nilClock models.VectorClock
	fromNil := nilClock.Bump("reg-2")
	if fromNil["reg-2"] != 1 {
		t.Fatalf("bump on nil clock: reg-2 = %d, want 1", fromNil["reg-2"])
	}
}

func TestVectorClockMergeTakesCoordinateMax(t *testing.T) {
	a := models.VectorClock{"reg-1": 5, "reg-2": 1}
	b := models.VectorClock{"reg-2": 4, "reg-3": 2}

	merged := a.Merge(b)
	want := models.VectorClock{"reg-1": 5, "reg-2": 4, "reg-3": 2}
	for k, v := range want {
		if merged[k] != v {
			t.Fatalf("merged[%s] = %d, want %d", k, merged[k], v)
		}
	}
	if len(merged) != len(want) {
		t.Fatalf("merged has %d coordinates, want %d", len(merged), len(want))
	}

	// Merge result dominates both inputs.
	if got := a.Compare(merged); got != models.OrderBefore && got != models.OrderEqual {
		t.Fatalf("a vs merge: got %s", got)
	}
	if got := b.Compare(merged); got != models.OrderBefore && got != models.OrderEqual {
		t.Fatalf("b vs merge: got %s", got)
	}
}

func TestVectorClockColumnRoundTrip(t *testing.T) {
	in := models.VectorClock{"reg-1": 7, "reg-2": 3}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var out models.VectorClock
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Compare(in) != models.OrderEqual {
		t.Fatalf("round trip changed clock: %v -> %v", in, out)
	}

	var empty models.VectorClock
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("nil column should scan to empty clock, got %v", empty)
	}
}
