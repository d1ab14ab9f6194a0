package indicator

import "math"

// MACDResult is the latest macd/signal/histogram triple.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerResult is the latest Bollinger band triple.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CoerceWindow converts a strategy-supplied numeric parameter into a
// usable window: floored to an integer and lower-bounded at 1. Huge
// values saturate so that any window longer than the data yields NaN.
func CoerceWindow(v float64) int {
	if math.IsNaN(v) || v < 1 {
		return 1
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(v))
}

// SMA returns the simple moving average with a rolling sum. Indices
// before n-1 are NaN, as is any window containing a non-finite value.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n < 1 {
		n = 1
	}
	if len(values) < n {
		return out
	}

	var sum float64
	var bad int
	for i, v := range values {
		if isFinite(v) {
			sum += v
		} else {
			bad++
		}
		if i >= n {
			old := values[i-n]
			if isFinite(old) {
				sum -= old
			} else {
				bad--
			}
		}
		if i >= n-1 && bad == 0 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the exponential moving average seeded with the SMA of the
// first n values at index n-1, then smoothed with k = 2/(n+1).
// Non-finite inputs are skipped and the previous EMA carries forward;
// a non-finite seed is never re-seeded.
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n < 1 {
		n = 1
	}
	if len(values) < n {
		return out
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += values[i]
	}
	prev := sum / float64(n)
	out[n-1] = prev

	k := 2.0 / (float64(n) + 1.0)
	for i := n; i < len(values); i++ {
		if v := values[i]; isFinite(v) && isFinite(prev) {
			prev = (v-prev)*k + prev
		}
		out[i] = prev
	}
	return out
}

// WMA returns the linearly weighted moving average with weights 1..n
// (newest value weighted n) over denominator n(n+1)/2. Indices before
// n-1 are NaN, as is any window containing a non-finite value.
func WMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n < 1 {
		n = 1
	}
	if len(values) < n {
		return out
	}

	denom := float64(n) * float64(n+1) / 2.0
	for i := n - 1; i < len(values); i++ {
		var sum float64
		finite := true
		for j := 0; j < n; j++ {
			v := values[i-n+1+j]
			if !isFinite(v) {
				finite = false
				break
			}
			sum += v * float64(j+1)
		}
		if finite {
			out[i] = sum / denom
		}
	}
	return out
}

// RSI returns the latest Wilder-smoothed relative strength index.
// Requires at least n+1 values; avgLoss of zero pins the result at 100.
func RSI(values []float64, n int) float64 {
	if n < 1 {
		n = 1
	}
	if len(values) < n+1 {
		return math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss += -diff
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)

	for i := n + 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		var gain, loss float64
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the latest Wilder-smoothed average true range. The true
// range at i >= 1 is max(high-low, |high-prevClose|, |low-prevClose|).
// Requires at least n+1 rows.
func ATR(highs, lows, closes []float64, n int) float64 {
	if n < 1 {
		n = 1
	}
	length := len(closes)
	if len(highs) < length {
		length = len(highs)
	}
	if len(lows) < length {
		length = len(lows)
	}
	if length < n+1 {
		return math.NaN()
	}

	trs := make([]float64, 0, length-1)
	for i := 1; i < length; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trs = append(trs, math.Max(hl, math.Max(hc, lc)))
	}

	var atr float64
	for i := 0; i < n; i++ {
		atr += trs[i]
	}
	atr /= float64(n)
	for i := n; i < len(trs); i++ {
		atr = (atr*float64(n-1) + trs[i]) / float64(n)
	}
	return atr
}

// MACDSeries returns the full macd and signal lines aligned to the
// input indices. The signal EMA runs over the suffix starting at the
// first finite macd value so the structural NaN prefix left by the
// slow EMA does not poison its seed.
func MACDSeries(values []float64, fast, slow, signal int) (macdLine, signalLine []float64) {
	macdLine = nanSlice(len(values))
	signalLine = nanSlice(len(values))

	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	for i := range values {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	start := -1
	for i, v := range macdLine {
		if isFinite(v) {
			start = i
			break
		}
	}
	if start < 0 {
		return macdLine, signalLine
	}
	copy(signalLine[start:], EMA(macdLine[start:], signal))
	return macdLine, signalLine
}

// MACD returns the latest macd/signal/histogram triple, each scalar
// independently last-finite within its line. All NaN when
// len < max(fast, slow) + signal.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	if fast < 1 {
		fast = 1
	}
	if slow < 1 {
		slow = 1
	}
	if signal < 1 {
		signal = 1
	}
	if len(values) < max(fast, slow)+signal {
		return MACDResult{MACD: math.NaN(), Signal: math.NaN(), Histogram: math.NaN()}
	}

	macdLine, signalLine := MACDSeries(values, fast, slow, signal)
	m := LastFinite(macdLine)
	s := LastFinite(signalLine)
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}
}

// Bollinger returns the latest band triple over the trailing length
// values using the population standard deviation (divisor = length).
// All NaN when len < length; non-finite window values propagate.
func Bollinger(values []float64, length int, mult float64) BollingerResult {
	if length < 1 {
		length = 1
	}
	if len(values) < length {
		nan := math.NaN()
		return BollingerResult{Upper: nan, Middle: nan, Lower: nan}
	}

	window := values[len(values)-length:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(length)

	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(length))

	return BollingerResult{Upper: mean + mult*sd, Middle: mean, Lower: mean - mult*sd}
}

// CrossUp reports whether a crossed above b at the last two indices
// where both series are finite: a_prev <= b_prev and a_curr > b_curr.
// False when fewer than two such pairs exist.
func CrossUp(a, b []float64) bool {
	i1, i2, ok := lastTwoFinite(a, b)
	if !ok {
		return false
	}
	return a[i1] <= b[i1] && a[i2] > b[i2]
}

// CrossDown reports whether a crossed below b at the last two indices
// where both series are finite: a_prev >= b_prev and a_curr < b_curr.
func CrossDown(a, b []float64) bool {
	i1, i2, ok := lastTwoFinite(a, b)
	if !ok {
		return false
	}
	return a[i1] >= b[i1] && a[i2] < b[i2]
}

// LastFinite scans from the tail and returns the last finite value,
// or NaN when none exists.
func LastFinite(values []float64) float64 {
	for i := len(values) - 1; i >= 0; i-- {
		if isFinite(values[i]) {
			return values[i]
		}
	}
	return math.NaN()
}

func lastTwoFinite(a, b []float64) (prev, curr int, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	prev, curr = -1, -1
	for i := n - 1; i >= 0; i-- {
		if !isFinite(a[i]) || !isFinite(b[i]) {
			continue
		}
		if curr < 0 {
			curr = i
			continue
		}
		prev = i
		break
	}
	return prev, curr, prev >= 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
