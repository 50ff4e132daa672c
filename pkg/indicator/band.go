// Package indicator provides rolling indicator calculations on decimals.
package indicator

import (
	"github.com/shopspring/decimal"
)

// Band tracks the mean and population standard deviation of the last period values and derives
// mean +/- k*stddev bands from them.
type Band struct {
	period int
	k      decimal.Decimal
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewBand creates a band over period values, k standard deviations wide on each side.
func NewBand(period int, k decimal.Decimal) *Band {
	if period < 2 {
		period = 2
	}
	return &Band{
		period: period,
		k:      k,
		values: make([]decimal.Decimal, 0, period),
	}
}

// Update adds a value, dropping the oldest one once the window is full.
func (b *Band) Update(value decimal.Decimal) {
	b.values = append(b.values, value)
	b.sum = b.sum.Add(value)

	if len(b.values) > b.period {
		b.sum = b.sum.Sub(b.values[0])
		b.values = b.values[1:]
	}
}

// Ready returns true once the window is full.
func (b *Band) Ready() bool {
	return len(b.values) >= b.period
}

// Len returns how many values are in the window.
func (b *Band) Len() int {
	return len(b.values)
}

// Period returns the window length.
func (b *Band) Period() int {
	return b.period
}

// Mean returns the window mean, zero until ready.
func (b *Band) Mean() decimal.Decimal {
	if !b.Ready() {
		return decimal.Zero
	}
	return b.sum.Div(decimal.NewFromInt(int64(len(b.values))))
}

// StdDev returns the population standard deviation of the window, zero until ready.
func (b *Band) StdDev() decimal.Decimal {
	if !b.Ready() {
		return decimal.Zero
	}
	mean := b.Mean()

	// variance = sum((x - mean)^2) / n
	var sumSquares decimal.Decimal
	for _, v := range b.values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(b.values))))
	return sqrt(variance)
}

// Bands returns mean + k*stddev and mean - k*stddev.
func (b *Band) Bands() (upper, lower decimal.Decimal) {
	mean := b.Mean()
	dev := b.StdDev().Mul(b.k)
	return mean.Add(dev), mean.Sub(dev)
}

// Values returns a copy of the window, oldest first.
func (b *Band) Values() []decimal.Decimal {
	return append([]decimal.Decimal(nil), b.values...)
}

// Reset clears all data.
func (b *Band) Reset() {
	b.values = b.values[:0]
	b.sum = decimal.Zero
}

// sqrt calculates the square root of a decimal using Newton's method.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}

	guess := d.Div(decimal.NewFromInt(2))
	if guess.IsZero() {
		guess = decimal.NewFromInt(1)
	}

	// x_new = (x + d/x) / 2
	two := decimal.NewFromInt(2)
	epsilon := decimal.RequireFromString("0.00000001")

	for i := 0; i < 100; i++ {
		newGuess := guess.Add(d.Div(guess)).Div(two)
		if newGuess.Sub(guess).Abs().LessThan(epsilon) {
			return newGuess.Round(8)
		}
		guess = newGuess
	}

	return guess.Round(8)
}
