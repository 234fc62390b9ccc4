// Package indicators computes the derived features stored alongside daily
// bars. All calculations run over ascending-date close series.
package indicators

// MAPeriod is the moving-average window used for the disparity signal.
const MAPeriod = 25

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

// Disparity is the close expressed as a percentage of its moving average.
// 100 means price sits exactly on the MA; below 100 means price is under it.
func Disparity(close, ma float64) float64 {
	if ma <= 0 {
		return 0
	}
	return close / ma * 100
}

// Feature is one row of computed values aligned with the input closes.
// OK is false while the window has not filled yet.
type Feature struct {
	MA        float64
	Disparity float64
	OK        bool
}

// Rolling computes the MA and disparity for every position in an
// ascending-date close series.
func Rolling(closes []float64, period int) []Feature {
	out := make([]Feature, len(closes))
	if period <= 0 {
		return out
	}
	sum := 0.0
	for i, c := range closes {
		sum += c
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			ma := sum / float64(period)
			out[i] = Feature{MA: ma, Disparity: Disparity(c, ma), OK: true}
		}
	}
	return out
}
