// Package fx derives a USD/KRW exchange rate from two BTC quotes.
//
// The same asset priced on two books gives the rate between the two quote
// currencies: BTC/KRW divided by BTC/USDT is USDT/KRW, which tracks
// USD/KRW closely enough for premium display.
package fx

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValidationError reports which input made the computation impossible
type ValidationError struct {
	Name  string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Name, e.Value)
}

// Result is the derived rate plus the inputs it came from, shaped for the
// exchange-rate response body.
type Result struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Rates     Rates     `json:"rates"`
	Debug     Debug     `json:"debug"`
}

// Rates maps currency code to rate with USD as the unit
type Rates struct {
	USD float64 `json:"USD"`
	KRW float64 `json:"KRW"`
}

// Debug carries the source prices so a consumer can audit the derivation
type Debug struct {
	BtcKrw      float64 `json:"btcKrw"`
	BtcUsdt     float64 `json:"btcUsdt"`
	Calculation string  `json:"calculation"`
}

// Compute derives KRW per USD from a BTC/KRW and a BTC/USDT price. Both
// inputs and the resulting rate must be finite and strictly positive.
func Compute(btcKrw, btcUsdt float64) (float64, error) {
	if err := checkPrice("btcKrw", btcKrw); err != nil {
		return 0, err
	}
	if err := checkPrice("btcUsdt", btcUsdt); err != nil {
		return 0, err
	}

	rate := btcKrw / btcUsdt
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, &ValidationError{Name: "rate", Value: rate}
	}
	return rate, nil
}

// NewResult wraps a computed rate in the response shape
func NewResult(btcKrw, btcUsdt, rate float64, at time.Time) Result {
	return Result{
		Source:    "Upbit (BTC/KRW ÷ BTC/USDT)",
		Timestamp: at.UTC(),
		Rates:     Rates{USD: 1, KRW: rate},
		Debug: Debug{
			BtcKrw:      btcKrw,
			BtcUsdt:     btcUsdt,
			Calculation: fmt.Sprintf("%s ÷ %s = %.2f", formatPrice(btcKrw), formatPrice(btcUsdt), rate),
		},
	}
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func checkPrice(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return &ValidationError{Name: name, Value: v}
	}
	return nil
}
