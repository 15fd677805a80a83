// Package indicators implements the moving averages used by strategies.
package indicators

import "errors"

var (
	// ErrNotEnoughData is returned when there are fewer values than the period.
	ErrNotEnoughData = errors.New("not enough data to calculate EMA")
	// ErrEMAOverrun is returned when the existing EMA series is not shorter
	// than the input, which means the caller mixed up its series.
	ErrEMAOverrun = errors.New("EMA series is not shorter than the values")
)

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// CalculateEMA extends ema so that it has one value per element of values
// and returns it.
//
// If ema holds fewer than period values it is discarded and reseeded: the
// first period-1 outputs are zero placeholders and the period-th is the
// simple average of the first period values. Otherwise only the missing tail
// is computed, which yields the same values as a full recomputation.
func CalculateEMA(values, ema []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return ema, ErrNotEnoughData
	}
	if len(ema) >= len(values) {
		return ema, ErrEMAOverrun
	}

	alpha := 2.0 / float64(period+1)
	if len(ema) < period {
		ema = ema[:0]
		for i := 0; i < period-1; i++ {
			ema = append(ema, 0)
		}
		ema = append(ema, SMA(values[:period], period))
	}

	for i := len(ema); i < len(values); i++ {
		ema = append(ema, values[i]*alpha+(1-alpha)*ema[i-1])
	}
	return ema, nil
}
