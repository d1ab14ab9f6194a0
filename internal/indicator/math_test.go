package indicator

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) < 1e-9
}

func sliceAlmostEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !almostEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func TestCoerceWindow(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{3.9, 3},
		{14, 14},
		{1, 1},
		{0.5, 1},
		{0, 1},
		{-2, 1},
		{math.NaN(), 1},
		{math.Inf(1), math.MaxInt32},
	}
	for _, tt := range tests {
		if got := CoerceWindow(tt.in); got != tt.want {
			t.Errorf("CoerceWindow(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSMA(t *testing.T) {
	nan := math.NaN()

	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{nan, nan, 2, 3, 4}
	if !sliceAlmostEqual(got, want) {
		t.Errorf("SMA([1..5], 3) = %v, want %v", got, want)
	}

	got = SMA([]float64{1, 2}, 3)
	if !sliceAlmostEqual(got, []float64{nan, nan}) {
		t.Errorf("SMA short input = %v, want all NaN", got)
	}
}

func TestSMARecoversAfterNaN(t *testing.T) {
	nan := math.NaN()
	got := SMA([]float64{1, nan, 3, 4, 5, 6}, 2)
	// windows containing the NaN are NaN, later windows recover
	want := []float64{nan, nan, nan, 3.5, 4.5, 5.5}
	if !sliceAlmostEqual(got, want) {
		t.Errorf("SMA with NaN gap = %v, want %v", got, want)
	}
}

func TestEMA(t *testing.T) {
	nan := math.NaN()

	got := EMA([]float64{1, 1, 1, 1, 1}, 3)
	want := []float64{nan, nan, 1, 1, 1}
	if !sliceAlmostEqual(got, want) {
		t.Errorf("EMA(constant, 3) = %v, want %v", got, want)
	}

	// seed equals the SMA of the first n values
	got = EMA([]float64{1, 2, 3, 4}, 3)
	if !almostEqual(got[2], 2) {
		t.Errorf("EMA seed = %v, want 2", got[2])
	}
	// k = 2/(3+1) = 0.5 so the next value is (4-2)*0.5 + 2 = 3
	if !almostEqual(got[3], 3) {
		t.Errorf("EMA[3] = %v, want 3", got[3])
	}

	got = EMA([]float64{1, 2}, 3)
	if !sliceAlmostEqual(got, []float64{nan, nan}) {
		t.Errorf("EMA short input = %v, want all NaN", got)
	}
}

func TestEMACarriesPreviousOverNaN(t *testing.T) {
	nan := math.NaN()
	got := EMA([]float64{1, 1, 1, nan, 3}, 3)
	if !almostEqual(got[3], 1) {
		t.Errorf("EMA over NaN input = %v, want previous value 1", got[3])
	}
	// (3-1)*0.5 + 1 = 2 once a finite value returns
	if !almostEqual(got[4], 2) {
		t.Errorf("EMA after NaN gap = %v, want 2", got[4])
	}
}

func TestWMA(t *testing.T) {
	nan := math.NaN()

	got := WMA([]float64{1, 2, 3}, 3)
	// (1*1 + 2*2 + 3*3) / 6
	want := []float64{nan, nan, 14.0 / 6.0}
	if !sliceAlmostEqual(got, want) {
		t.Errorf("WMA([1,2,3], 3) = %v, want %v", got, want)
	}

	got = WMA([]float64{1, nan, 3, 4}, 2)
	if !math.IsNaN(got[1]) || !math.IsNaN(got[2]) || !almostEqual(got[3], (3+4*2)/3.0) {
		t.Errorf("WMA with NaN window = %v", got)
	}
}

func TestRSI(t *testing.T) {
	// strictly increasing: avgLoss = 0 pins the result at 100
	if got := RSI([]float64{1, 2, 3, 4, 5}, 4); got != 100 {
		t.Errorf("RSI(increasing, 4) = %v, want 100", got)
	}
	// strictly decreasing: avgGain = 0
	if got := RSI([]float64{5, 4, 3, 2, 1}, 4); !almostEqual(got, 0) {
		t.Errorf("RSI(decreasing, 4) = %v, want 0", got)
	}
	if got := RSI([]float64{1, 2, 3}, 4); !math.IsNaN(got) {
		t.Errorf("RSI short input = %v, want NaN", got)
	}
	// mixed moves stay within [0, 100]
	got := RSI([]float64{44, 44.5, 44.2, 44.9, 44.6, 45.1, 45.4, 45.2}, 5)
	if got < 0 || got > 100 {
		t.Errorf("RSI out of bounds: %v", got)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{2, 3, 4}
	lows := []float64{1, 2, 3}
	closes := []float64{1.5, 2.5, 3.5}

	// both true ranges are 1.5, so the 2-period seed is 1.5
	if got := ATR(highs, lows, closes, 2); !almostEqual(got, 1.5) {
		t.Errorf("ATR = %v, want 1.5", got)
	}
	if got := ATR(highs, lows, closes, 3); !math.IsNaN(got) {
		t.Errorf("ATR with len < n+1 = %v, want NaN", got)
	}
	if got := ATR(nil, nil, nil, 2); !math.IsNaN(got) {
		t.Errorf("ATR on empty input = %v, want NaN", got)
	}
}

func TestMACD(t *testing.T) {
	short := MACD([]float64{1, 2, 3}, 2, 3, 2)
	if !math.IsNaN(short.MACD) || !math.IsNaN(short.Signal) || !math.IsNaN(short.Histogram) {
		t.Errorf("MACD short input = %+v, want all NaN", short)
	}

	// constant input collapses both EMAs to the constant
	flat := MACD([]float64{5, 5, 5, 5, 5, 5}, 2, 3, 2)
	if !almostEqual(flat.MACD, 0) || !almostEqual(flat.Signal, 0) || !almostEqual(flat.Histogram, 0) {
		t.Errorf("MACD on constant input = %+v, want zeros", flat)
	}

	// rising input keeps the fast EMA above the slow EMA
	rising := MACD([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4, 2)
	if rising.MACD <= 0 {
		t.Errorf("MACD on rising input = %v, want > 0", rising.MACD)
	}
	if !almostEqual(rising.Histogram, rising.MACD-rising.Signal) {
		t.Errorf("histogram %v != macd-signal %v", rising.Histogram, rising.MACD-rising.Signal)
	}
}

func TestBollinger(t *testing.T) {
	// mean 5, population stdev 2
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	got := Bollinger(values, 8, 2)
	if !almostEqual(got.Middle, 5) || !almostEqual(got.Upper, 9) || !almostEqual(got.Lower, 1) {
		t.Errorf("Bollinger = %+v, want {9 5 1}", got)
	}

	short := Bollinger([]float64{1, 2}, 3, 2)
	if !math.IsNaN(short.Upper) || !math.IsNaN(short.Middle) || !math.IsNaN(short.Lower) {
		t.Errorf("Bollinger short input = %+v, want all NaN", short)
	}
}

func TestCrossUp(t *testing.T) {
	b := []float64{1.5, 1.5, 1.5, 1.5}

	if !CrossUp([]float64{1, 1, 1, 2}, b) {
		t.Error("expected cross up")
	}
	if CrossUp([]float64{1, 1, 2, 1}, b) {
		t.Error("unexpected cross up")
	}
	// touching then rising counts: prev <= b, curr > b
	if !CrossUp([]float64{1, 1, 1.5, 2}, b) {
		t.Error("expected cross up from touch")
	}
	if CrossUp([]float64{2}, []float64{1.5}) {
		t.Error("single pair cannot cross")
	}
	if CrossUp(nil, nil) {
		t.Error("empty series cannot cross")
	}
}

func TestCrossUpSkipsNonFinitePairs(t *testing.T) {
	nan := math.NaN()
	a := []float64{1, nan, 2}
	b := []float64{1.5, 1.5, 1.5}
	if !CrossUp(a, b) {
		t.Error("expected cross up across NaN gap")
	}
}

func TestCrossDown(t *testing.T) {
	b := []float64{1.5, 1.5, 1.5, 1.5}

	if !CrossDown([]float64{2, 2, 2, 1}, b) {
		t.Error("expected cross down")
	}
	if CrossDown([]float64{2, 2, 1, 2}, b) {
		t.Error("unexpected cross down")
	}
}

func TestLastFinite(t *testing.T) {
	nan := math.NaN()

	if got := LastFinite([]float64{1, 2, nan}); !almostEqual(got, 2) {
		t.Errorf("LastFinite = %v, want 2", got)
	}
	if got := LastFinite([]float64{nan, nan}); !math.IsNaN(got) {
		t.Errorf("LastFinite all NaN = %v, want NaN", got)
	}
	if got := LastFinite(nil); !math.IsNaN(got) {
		t.Errorf("LastFinite(nil) = %v, want NaN", got)
	}
	if got := LastFinite([]float64{3, math.Inf(1)}); !almostEqual(got, 3) {
		t.Errorf("LastFinite skips Inf = %v, want 3", got)
	}
}

func TestMACDSeriesSignalAlignment(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	macdLine, signalLine := MACDSeries(values, 2, 4, 3)

	if len(macdLine) != len(values) || len(signalLine) != len(values) {
		t.Fatalf("line lengths %d/%d, want %d", len(macdLine), len(signalLine), len(values))
	}
	// macd is NaN before the slow EMA seeds at index 3
	for i := 0; i < 3; i++ {
		if !math.IsNaN(macdLine[i]) {
			t.Errorf("macdLine[%d] = %v, want NaN", i, macdLine[i])
		}
	}
	// signal seeds 3 bars into the finite macd suffix
	if !math.IsNaN(signalLine[4]) {
		t.Errorf("signalLine[4] = %v, want NaN", signalLine[4])
	}
	if math.IsNaN(signalLine[5]) {
		t.Error("signalLine[5] should be finite")
	}
	if math.IsNaN(signalLine[len(signalLine)-1]) {
		t.Error("latest signal should be finite")
	}
}
