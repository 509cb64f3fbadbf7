package indicators

import "math"

// EMA calculates the exponential moving average over the whole series,
// seeded with the first value and smoothed with k = 2/(period+1).
// Returns 0 when fewer than period values are available.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := values[0]
	for i := 1; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
	}
	return round8(ema)
}

// SMA calculates the simple moving average for the last period values.
// Returns 0 when fewer than period values are available.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return round8(sum / float64(period))
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
