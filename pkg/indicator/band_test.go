package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func approx(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if got.Sub(decimal.RequireFromString(want)).Abs().GreaterThan(decimal.RequireFromString("0.01")) {
		t.Errorf("%s = %s, want approximately %s", name, got, want)
	}
}

func TestBand_Basic(t *testing.T) {
	band := NewBand(3, decimal.NewFromInt(2))

	if band.Ready() {
		t.Error("Band should not be ready with no data")
	}

	// mean 20, variance (100 + 0 + 100) / 3 = 66.67, stddev 8.16
	band.Update(decimal.NewFromInt(10))
	band.Update(decimal.NewFromInt(20))
	if band.Ready() {
		t.Error("Band should not be ready after 2 values")
	}
	if !band.Mean().IsZero() {
		t.Errorf("Mean before ready = %s, want 0", band.Mean())
	}
	band.Update(decimal.NewFromInt(30))

	if !band.Ready() {
		t.Fatal("Band should be ready after 3 values")
	}
	approx(t, "Mean", band.Mean(), "20")
	approx(t, "StdDev", band.StdDev(), "8.16")

	upper, lower := band.Bands()
	approx(t, "upper", upper, "36.33")
	approx(t, "lower", lower, "3.67")
}

func TestBand_Rolling(t *testing.T) {
	band := NewBand(3, decimal.NewFromInt(1))

	for _, v := range []int64{10, 20, 30, 40} {
		band.Update(decimal.NewFromInt(v))
	}

	if band.Len() != 3 {
		t.Errorf("Len() = %d, want 3", band.Len())
	}
	approx(t, "Mean", band.Mean(), "30")
	if got := band.Values()[0]; !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("oldest = %s, want 20", got)
	}
}

func TestBand_ZeroVariance(t *testing.T) {
	band := NewBand(3, decimal.NewFromInt(2))
	for i := 0; i < 3; i++ {
		band.Update(decimal.NewFromInt(10))
	}

	if !band.StdDev().IsZero() {
		t.Errorf("StdDev of identical values = %s, want 0", band.StdDev())
	}
	upper, lower := band.Bands()
	if !upper.Equal(lower) {
		t.Errorf("bands = %s/%s, want equal", upper, lower)
	}
}

func TestBand_Reset(t *testing.T) {
	band := NewBand(2, decimal.NewFromInt(2))
	band.Update(decimal.NewFromInt(1))
	band.Update(decimal.NewFromInt(3))
	band.Reset()

	if band.Ready() || band.Len() != 0 {
		t.Errorf("after Reset: Ready() = %v, Len() = %d", band.Ready(), band.Len())
	}
	band.Update(decimal.NewFromInt(5))
	band.Update(decimal.NewFromInt(7))
	approx(t, "Mean", band.Mean(), "6")
}

func TestBand_MinimumPeriod(t *testing.T) {
	if got := NewBand(0, decimal.NewFromInt(1)).Period(); got != 2 {
		t.Errorf("Period() = %d, want 2", got)
	}
}

func TestSqrt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4", "2"},
		{"2", "1.41421356"},
		{"0", "0"},
		{"-1", "0"},
		{"0.25", "0.5"},
	}
	for _, tt := range tests {
		got := sqrt(decimal.RequireFromString(tt.in))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("sqrt(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
