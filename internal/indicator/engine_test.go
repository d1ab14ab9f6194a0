package indicator

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"strategy-runner/internal/marketdata"
)

type fakeSource struct {
	series map[string]*marketdata.Series
	gets   int
}

func (f *fakeSource) Get(exchange, symbol, interval string) *marketdata.Series {
	f.gets++
	return f.series[exchange+"|"+symbol+"|"+interval]
}

func seriesFromCloses(closes []float64) *marketdata.Series {
	s := &marketdata.Series{Key: marketdata.NewSeriesKey("BINANCE", "BTCUSDT", "1m")}
	for i, c := range closes {
		s.OpenTimes = append(s.OpenTimes, int64(i+1))
		s.Opens = append(s.Opens, c)
		s.Highs = append(s.Highs, c)
		s.Lows = append(s.Lows, c)
		s.Closes = append(s.Closes, c)
		s.Volumes = append(s.Volumes, 1)
	}
	return s
}

func newTestEngine(s *marketdata.Series) (*Engine, *fakeSource) {
	src := &fakeSource{series: map[string]*marketdata.Series{}}
	if s != nil {
		src.series["BINANCE|BTCUSDT|1m"] = s
	}
	return NewEngine(src, "BINANCE", "BTCUSDT", zerolog.Nop()), src
}

func TestEngineMovingAveragesMatchKernel(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	e, src := newTestEngine(seriesFromCloses(closes))

	got := e.SMA(Params{"length": 3.0})
	if !almostEqual(got, LastFinite(SMA(closes, 3))) {
		t.Errorf("SMA = %v, want %v", got, LastFinite(SMA(closes, 3)))
	}
	got = e.EMA(Params{"length": 3.0})
	if !almostEqual(got, LastFinite(EMA(closes, 3))) {
		t.Errorf("EMA = %v, want %v", got, LastFinite(EMA(closes, 3)))
	}
	got = e.WMA(Params{"length": 3.0})
	if !almostEqual(got, LastFinite(WMA(closes, 3))) {
		t.Errorf("WMA = %v, want %v", got, LastFinite(WMA(closes, 3)))
	}

	// every call above shares the one pinned snapshot
	if src.gets != 1 {
		t.Errorf("source fetched %d times, want 1", src.gets)
	}
}

func TestEngineMemoizesRepeatCalls(t *testing.T) {
	e, src := newTestEngine(seriesFromCloses([]float64{1, 2, 3, 4, 5}))

	first := e.SMA(Params{"length": 3.0})
	second := e.SMA(Params{"length": 3.0})
	if !almostEqual(first, second) {
		t.Errorf("memoized call differs: %v vs %v", first, second)
	}
	if src.gets != 1 {
		t.Errorf("source fetched %d times, want 1", src.gets)
	}
}

func TestEngineSnapshotPinnedPerInvocation(t *testing.T) {
	e, src := newTestEngine(seriesFromCloses([]float64{1, 2, 3}))

	before := e.SMA(Params{"length": 1.0})
	src.series["BINANCE|BTCUSDT|1m"] = seriesFromCloses([]float64{100, 200})
	after := e.EMA(Params{"length": 1.0})

	if !almostEqual(before, 3) || !almostEqual(after, 3) {
		t.Errorf("snapshot not pinned: before %v, after %v", before, after)
	}
	if src.gets != 1 {
		t.Errorf("source fetched %d times, want 1", src.gets)
	}
}

func TestEngineSourceSelection(t *testing.T) {
	s := &marketdata.Series{
		Key:       marketdata.NewSeriesKey("BINANCE", "BTCUSDT", "1m"),
		OpenTimes: []int64{1, 2},
		Opens:     []float64{10, 20},
		Highs:     []float64{12, 24},
		Lows:      []float64{8, 16},
		Closes:    []float64{11, 22},
		Volumes:   []float64{1, 2},
	}
	e, _ := newTestEngine(s)

	tests := []struct {
		source string
		want   float64
	}{
		{"Open", 20},
		{"High", 24},
		{"Low", 16},
		{"Close", 22},
		{"Volume", 2},
		{"HL2", 20},
		{"HLC3", 62.0 / 3.0},
		{"Typical Price", 62.0 / 3.0},
		{"OHLC4", 20.5},
		{"banana", 22}, // unknown names default to Close
	}
	for _, tt := range tests {
		if got := e.SMA(Params{"length": 1.0, "source": tt.source}); !almostEqual(got, tt.want) {
			t.Errorf("SMA(source=%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestEngineMissingSeries(t *testing.T) {
	e, _ := newTestEngine(nil)

	if got := e.EMA(Params{"length": 3.0}); !math.IsNaN(got) {
		t.Errorf("EMA without series = %v, want NaN", got)
	}
	if got := e.ATR(Params{"period": 3.0}); !math.IsNaN(got) {
		t.Errorf("ATR without series = %v, want NaN", got)
	}
	if got := e.VWAP(nil); !math.IsNaN(got) {
		t.Errorf("VWAP without series = %v, want NaN", got)
	}
	if e.BreakoutUp(Params{"lookback": 3.0}) {
		t.Error("breakout without series should be false")
	}
	m := e.MACD(nil)
	if !math.IsNaN(m.MACD) || !math.IsNaN(m.Signal) || !math.IsNaN(m.Histogram) {
		t.Errorf("MACD without series = %+v, want all NaN", m)
	}
}

func TestEngineVWAP(t *testing.T) {
	s := &marketdata.Series{
		Key:       marketdata.NewSeriesKey("BINANCE", "BTCUSDT", "1m"),
		OpenTimes: []int64{1, 2},
		Opens:     []float64{2, 4},
		Highs:     []float64{3, 6},
		Lows:      []float64{1, 2},
		Closes:    []float64{2, 4},
		Volumes:   []float64{1, 3},
	}
	e, _ := newTestEngine(s)

	// typical prices 2 and 4 weighted 1:3
	if got := e.VWAP(nil); !almostEqual(got, 3.5) {
		t.Errorf("VWAP = %v, want 3.5", got)
	}

	zero := &marketdata.Series{
		Key:       s.Key,
		OpenTimes: []int64{1, 2},
		Opens:     []float64{2, 4},
		Highs:     []float64{3, 6},
		Lows:      []float64{1, 2},
		Closes:    []float64{2, 4},
		Volumes:   []float64{0, 0},
	}
	e2, _ := newTestEngine(zero)
	if got := e2.VWAP(nil); !math.IsNaN(got) {
		t.Errorf("VWAP with zero volume = %v, want NaN", got)
	}
}

func TestEngineBreakouts(t *testing.T) {
	e, _ := newTestEngine(seriesFromCloses([]float64{10, 12, 11, 13}))

	if !e.BreakoutUp(Params{"lookback": 3.0}) {
		t.Error("13 should break above max(10,12,11)")
	}
	if e.BreakoutUp(Params{"lookback": 3.0, "level": 14.0}) {
		t.Error("13 should not break above level 14")
	}
	if !e.BreakoutUp(Params{"lookback": 3.0, "level": 12.5}) {
		t.Error("13 should break above level 12.5")
	}
	if e.BreakoutUp(Params{"lookback": 4.0}) {
		t.Error("insufficient history should be false")
	}

	down, _ := newTestEngine(seriesFromCloses([]float64{13, 11, 12, 10}))
	if !down.BreakoutDown(Params{"lookback": 3.0}) {
		t.Error("10 should break below min(13,11,12)")
	}
	if down.BreakoutDown(Params{"lookback": 3.0, "level": 9.0}) {
		t.Error("10 should not break below level 9")
	}
}

func TestEngineRSISmoothingWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	src := &fakeSource{series: map[string]*marketdata.Series{
		"BINANCE|BTCUSDT|1m": seriesFromCloses([]float64{1, 2, 3, 4, 5}),
	}}
	e := NewEngine(src, "BINANCE", "BTCUSDT", logger)

	if got := e.RSI(Params{"period": 4.0, "smoothing": "goofy"}); got != 100 {
		t.Errorf("RSI = %v, want 100", got)
	}
	e.RSI(Params{"period": 4.0, "smoothing": "goofy"})
	e.RSI(Params{"period": 4.0, "smoothing": "wilder"})

	if n := strings.Count(buf.String(), "unknown smoothing"); n != 1 {
		t.Errorf("warned %d times for one unknown value, want 1", n)
	}

	e.RSI(Params{"period": 4.0, "smoothing": "glide"})
	if n := strings.Count(buf.String(), "unknown smoothing"); n != 2 {
		t.Errorf("warned %d times for two unknown values, want 2", n)
	}
}

func TestEngineCrosses(t *testing.T) {
	up, _ := newTestEngine(seriesFromCloses([]float64{5, 4, 3, 10}))
	if !up.SMACrossUp(Params{"fast": 1.0, "slow": 2.0}) {
		t.Error("expected SMA cross up")
	}

	down, _ := newTestEngine(seriesFromCloses([]float64{5, 6, 7, 1}))
	if !down.EMACrossDown(Params{"fast": 1.0, "slow": 2.0}) {
		t.Error("expected EMA cross down")
	}
	if down.EMACrossUp(Params{"fast": 1.0, "slow": 2.0}) {
		t.Error("unexpected EMA cross up")
	}
}

func TestEngineMACDCrossUp(t *testing.T) {
	e, _ := newTestEngine(seriesFromCloses([]float64{10, 9, 8, 12}))
	if !e.MACDCrossUp(Params{"fast": 1.0, "slow": 2.0, "signal": 2.0}) {
		t.Error("expected MACD cross up")
	}
}

func TestEngineBBands(t *testing.T) {
	e, _ := newTestEngine(seriesFromCloses([]float64{2, 4, 4, 4, 5, 5, 7, 9}))

	got := e.BBands(Params{"length": 8.0, "mult": 2.0})
	if !almostEqual(got.Middle, 5) || !almostEqual(got.Upper, 9) || !almostEqual(got.Lower, 1) {
		t.Errorf("BBands = %+v, want {9 5 1}", got)
	}
}

func TestEngineParamCoercion(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	e, _ := newTestEngine(seriesFromCloses(closes))

	// 3.9 floors to 3, integers pass through
	a := e.SMA(Params{"length": 3.9})
	b := e.SMA(Params{"length": int64(3)})
	if !almostEqual(a, b) || !almostEqual(a, 4) {
		t.Errorf("coerced SMA = %v/%v, want 4", a, b)
	}
}
