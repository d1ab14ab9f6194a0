package indicator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"strategy-runner/internal/marketdata"
)

// DefaultTimeframe is used when a call omits tf.
const DefaultTimeframe = "1m"

const (
	defaultMALength   = 14
	defaultRSIPeriod  = 14
	defaultATRPeriod  = 14
	defaultMACDFast   = 12
	defaultMACDSlow   = 26
	defaultMACDSignal = 9
	defaultBollLength = 20
	defaultBollMult   = 2.0
	defaultLookback   = 20
)

// Params is the parameter bundle strategy code passes to an indicator
// call, decoded from a JS object.
type Params map[string]interface{}

// SeriesSource provides cached OHLCV series.
type SeriesSource interface {
	Get(exchange, symbol, interval string) *marketdata.Series
}

// Engine is the indicator capability bound to one strategy invocation
// and one (exchange, symbol). Results are memoized per invocation, and
// each timeframe is pinned to the series snapshot seen on first use.
// Not safe for concurrent use; create one per execution.
type Engine struct {
	source   SeriesSource
	exchange string
	symbol   string
	logger   zerolog.Logger

	snapshots  map[string]*marketdata.Series
	seriesMemo map[string][]float64
	scalarMemo map[string]float64
	structMemo map[string]interface{}
	warned     map[string]struct{}
}

// NewEngine creates an invocation-scoped engine.
func NewEngine(source SeriesSource, exchange, symbol string, logger zerolog.Logger) *Engine {
	return &Engine{
		source:     source,
		exchange:   exchange,
		symbol:     symbol,
		logger:     logger.With().Str("component", "indicator").Str("symbol", symbol).Logger(),
		snapshots:  make(map[string]*marketdata.Series),
		seriesMemo: make(map[string][]float64),
		scalarMemo: make(map[string]float64),
		structMemo: make(map[string]interface{}),
		warned:     make(map[string]struct{}),
	}
}

// Bindings returns the functions exposed to strategy code, keyed by
// their global names.
func (e *Engine) Bindings() map[string]interface{} {
	return map[string]interface{}{
		"EMA":            e.EMA,
		"SMA":            e.SMA,
		"WMA":            e.WMA,
		"RSI":            e.RSI,
		"ATR":            e.ATR,
		"MACD":           e.MACD,
		"BBANDS":         e.BBands,
		"VWAP":           e.VWAP,
		"BREAKOUT_UP":    e.BreakoutUp,
		"BREAKOUT_DOWN":  e.BreakoutDown,
		"EMA_CROSS_UP":   e.EMACrossUp,
		"EMA_CROSS_DOWN": e.EMACrossDown,
		"SMA_CROSS_UP":   e.SMACrossUp,
		"MACD_CROSS_UP":  e.MACDCrossUp,
	}
}

// EMA returns the last finite exponential moving average of the source
// series, NaN when the series is shorter than length.
func (e *Engine) EMA(p Params) float64 { return e.movingAverage("EMA", p) }

// SMA returns the last finite simple moving average.
func (e *Engine) SMA(p Params) float64 { return e.movingAverage("SMA", p) }

// WMA returns the last finite linearly weighted moving average.
func (e *Engine) WMA(p Params) float64 { return e.movingAverage("WMA", p) }

// RSI returns the latest Wilder RSI. Unknown smoothing names warn once
// per (indicator, value) and fall back to Wilder.
func (e *Engine) RSI(p Params) float64 {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceClose)
	n := CoerceWindow(p.num("period", defaultRSIPeriod))
	e.checkSmoothing("RSI", p.str("smoothing", ""))

	key := memoKey(tf, "RSI", src.String(), strconv.Itoa(n))
	if v, ok := e.scalarMemo[key]; ok {
		return v
	}
	v := RSI(e.sourceValues(tf, src), n)
	e.scalarMemo[key] = v
	return v
}

// ATR returns the latest Wilder average true range, NaN when there is
// no series or fewer than period+1 rows.
func (e *Engine) ATR(p Params) float64 {
	tf := e.timeframe(p)
	n := CoerceWindow(p.num("period", defaultATRPeriod))

	key := memoKey(tf, "ATR", "", strconv.Itoa(n))
	if v, ok := e.scalarMemo[key]; ok {
		return v
	}
	v := math.NaN()
	if s := e.series(tf); s != nil && s.Len() > 0 {
		v = ATR(s.Highs, s.Lows, s.Closes, n)
	}
	e.scalarMemo[key] = v
	return v
}

// MACD returns the latest macd/signal/histogram triple.
func (e *Engine) MACD(p Params) MACDResult {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceClose)
	fast := CoerceWindow(p.num("fast", defaultMACDFast))
	slow := CoerceWindow(p.num("slow", defaultMACDSlow))
	signal := CoerceWindow(p.num("signal", defaultMACDSignal))

	key := memoKey(tf, "MACD", src.String(), fmt.Sprintf("%d,%d,%d", fast, slow, signal))
	if v, ok := e.structMemo[key]; ok {
		return v.(MACDResult)
	}
	v := MACD(e.sourceValues(tf, src), fast, slow, signal)
	e.structMemo[key] = v
	return v
}

// BBands returns the latest Bollinger band triple.
func (e *Engine) BBands(p Params) BollingerResult {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceClose)
	length := CoerceWindow(p.num("length", defaultBollLength))
	mult := p.num("mult", defaultBollMult)
	if !isFinite(mult) {
		mult = defaultBollMult
	}

	key := memoKey(tf, "BBANDS", src.String(), strconv.Itoa(length)+","+formatFloat(mult))
	if v, ok := e.structMemo[key]; ok {
		return v.(BollingerResult)
	}
	v := Bollinger(e.sourceValues(tf, src), length, mult)
	e.structMemo[key] = v
	return v
}

// VWAP returns the volume weighted average price over the whole cached
// window, defaulting to the Typical Price source. Rows with a
// non-finite price or volume are ignored; zero total volume yields NaN.
func (e *Engine) VWAP(p Params) float64 {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceHLC3)

	key := memoKey(tf, "VWAP", src.String(), "")
	if v, ok := e.scalarMemo[key]; ok {
		return v
	}

	v := math.NaN()
	prices := e.sourceValues(tf, src)
	volumes := e.sourceValues(tf, SourceVolume)
	if len(prices) > 0 && len(volumes) == len(prices) {
		var pv, vol float64
		for i, price := range prices {
			volume := volumes[i]
			if !isFinite(price) || !isFinite(volume) {
				continue
			}
			pv += price * volume
			vol += volume
		}
		if vol > 0 {
			v = pv / vol
		}
	}
	e.scalarMemo[key] = v
	return v
}

// BreakoutUp reports whether the current value exceeds the given level,
// or, without a level, the max of the previous lookback bars.
func (e *Engine) BreakoutUp(p Params) bool { return e.breakout("BREAKOUT_UP", p, true) }

// BreakoutDown reports whether the current value is below the given
// level, or, without a level, the min of the previous lookback bars.
func (e *Engine) BreakoutDown(p Params) bool { return e.breakout("BREAKOUT_DOWN", p, false) }

// EMACrossUp reports an EMA(fast) upward cross of EMA(slow) on closes.
func (e *Engine) EMACrossUp(p Params) bool { return e.maCross("EMA", p, true) }

// EMACrossDown reports an EMA(fast) downward cross of EMA(slow).
func (e *Engine) EMACrossDown(p Params) bool { return e.maCross("EMA", p, false) }

// SMACrossUp reports an SMA(fast) upward cross of SMA(slow).
func (e *Engine) SMACrossUp(p Params) bool { return e.maCross("SMA", p, true) }

// MACDCrossUp reports the macd line crossing above the signal line.
func (e *Engine) MACDCrossUp(p Params) bool {
	tf := e.timeframe(p)
	fast := CoerceWindow(p.num("fast", defaultMACDFast))
	slow := CoerceWindow(p.num("slow", defaultMACDSlow))
	signal := CoerceWindow(p.num("signal", defaultMACDSignal))

	key := memoKey(tf, "MACD_CROSS_UP", SourceClose.String(), fmt.Sprintf("%d,%d,%d", fast, slow, signal))
	if v, ok := e.structMemo[key]; ok {
		return v.(bool)
	}
	macdLine, signalLine := e.macdSeries(tf, SourceClose, fast, slow, signal)
	v := CrossUp(macdLine, signalLine)
	e.structMemo[key] = v
	return v
}

func (e *Engine) movingAverage(op string, p Params) float64 {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceClose)
	n := CoerceWindow(p.num("length", defaultMALength))

	key := memoKey(tf, op, src.String(), strconv.Itoa(n))
	if v, ok := e.scalarMemo[key]; ok {
		return v
	}
	v := LastFinite(e.maSeries(op, tf, src, n))
	e.scalarMemo[key] = v
	return v
}

func (e *Engine) maCross(op string, p Params, up bool) bool {
	tf := e.timeframe(p)
	fast := CoerceWindow(p.num("fast", defaultMACDFast))
	slow := CoerceWindow(p.num("slow", defaultMACDSlow))

	dir := "UP"
	if !up {
		dir = "DOWN"
	}
	key := memoKey(tf, op+"_CROSS_"+dir, SourceClose.String(), fmt.Sprintf("%d,%d", fast, slow))
	if v, ok := e.structMemo[key]; ok {
		return v.(bool)
	}

	a := e.maSeries(op, tf, SourceClose, fast)
	b := e.maSeries(op, tf, SourceClose, slow)
	v := CrossDown(a, b)
	if up {
		v = CrossUp(a, b)
	}
	e.structMemo[key] = v
	return v
}

func (e *Engine) breakout(op string, p Params, up bool) bool {
	tf := e.timeframe(p)
	src := e.sourceOf(p, SourceClose)
	lookback := CoerceWindow(p.num("lookback", defaultLookback))
	level, present := p.optNum("level")
	useLevel := present && isFinite(level)

	params := strconv.Itoa(lookback)
	if useLevel {
		params += "," + formatFloat(level)
	}
	key := memoKey(tf, op, src.String(), params)
	if v, ok := e.structMemo[key]; ok {
		return v.(bool)
	}

	v := breakoutEval(e.sourceValues(tf, src), lookback, level, useLevel, up)
	e.structMemo[key] = v
	return v
}

// breakoutEval compares the current value against a fixed level or the
// extreme of the previous lookback bars, current bar excluded. A NaN in
// the lookback window or a non-finite current value yields false.
func breakoutEval(values []float64, lookback int, level float64, useLevel, up bool) bool {
	if len(values) == 0 {
		return false
	}
	curr := values[len(values)-1]
	if !isFinite(curr) {
		return false
	}
	if useLevel {
		if up {
			return curr > level
		}
		return curr < level
	}
	if len(values)-1 < lookback {
		return false
	}

	window := values[len(values)-1-lookback : len(values)-1]
	if up {
		m := math.Inf(-1)
		for _, v := range window {
			if math.IsNaN(v) {
				return false
			}
			if v > m {
				m = v
			}
		}
		return curr > m
	}
	m := math.Inf(1)
	for _, v := range window {
		if math.IsNaN(v) {
			return false
		}
		if v < m {
			m = v
		}
	}
	return curr < m
}

// series pins each timeframe to the snapshot seen first, so every
// indicator in one invocation reads consistent column lengths even if
// the cache is refreshed mid-run.
func (e *Engine) series(tf string) *marketdata.Series {
	if s, ok := e.snapshots[tf]; ok {
		return s
	}
	s := e.source.Get(e.exchange, e.symbol, tf)
	e.snapshots[tf] = s
	return s
}

func (e *Engine) sourceValues(tf string, src Source) []float64 {
	key := memoKey(tf, "SRC", src.String(), "")
	if vals, ok := e.seriesMemo[key]; ok {
		return vals
	}
	vals := ExtractSource(e.series(tf), src)
	e.seriesMemo[key] = vals
	return vals
}

func (e *Engine) maSeries(op, tf string, src Source, n int) []float64 {
	key := memoKey(tf, op, src.String(), strconv.Itoa(n))
	if arr, ok := e.seriesMemo[key]; ok {
		return arr
	}

	values := e.sourceValues(tf, src)
	var arr []float64
	switch op {
	case "SMA":
		arr = SMA(values, n)
	case "WMA":
		arr = WMA(values, n)
	default:
		arr = EMA(values, n)
	}
	e.seriesMemo[key] = arr
	return arr
}

func (e *Engine) macdSeries(tf string, src Source, fast, slow, signal int) ([]float64, []float64) {
	params := fmt.Sprintf("%d,%d,%d", fast, slow, signal)
	lineKey := memoKey(tf, "MACDLINE", src.String(), params)
	sigKey := memoKey(tf, "MACDSIG", src.String(), params)
	if line, ok := e.seriesMemo[lineKey]; ok {
		return line, e.seriesMemo[sigKey]
	}

	line, sig := MACDSeries(e.sourceValues(tf, src), fast, slow, signal)
	e.seriesMemo[lineKey] = line
	e.seriesMemo[sigKey] = sig
	return line, sig
}

func (e *Engine) timeframe(p Params) string {
	tf := strings.TrimSpace(p.str("tf", ""))
	if tf == "" {
		return DefaultTimeframe
	}
	return tf
}

func (e *Engine) sourceOf(p Params, def Source) Source {
	name := strings.TrimSpace(p.str("source", ""))
	if name == "" {
		return def
	}
	return ParseSource(name)
}

// checkSmoothing warns once per (indicator, value) pair; Wilder is the
// only smoothing implemented.
func (e *Engine) checkSmoothing(indicator, smoothing string) {
	s := strings.ToLower(strings.TrimSpace(smoothing))
	if s == "" || s == "wilder" {
		return
	}
	k := indicator + "|" + s
	if _, seen := e.warned[k]; seen {
		return
	}
	e.warned[k] = struct{}{}
	e.logger.Warn().
		Str("indicator", indicator).
		Str("smoothing", smoothing).
		Msg("unknown smoothing, falling back to wilder")
}

func memoKey(tf, op, source, params string) string {
	return tf + "|" + op + "|" + source + "|" + params
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (p Params) str(key, fallback string) string {
	if p == nil {
		return fallback
	}
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func (p Params) num(key string, fallback float64) float64 {
	v, ok := p.optNum(key)
	if !ok {
		return fallback
	}
	return v
}

func (p Params) optNum(key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
