package marketdata

import (
	"fmt"

	"strategy-runner/internal/binance"
)

// SeriesKey identifies one stored candle series.
type SeriesKey struct {
	Exchange string
	Symbol   string
	Interval string
}

func NewSeriesKey(exchange, symbol, interval string) SeriesKey {
	return SeriesKey{Exchange: exchange, Symbol: symbol, Interval: interval}
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Exchange, k.Symbol, k.Interval)
}

// Series is a time-ordered bundle of parallel OHLCV arrays for one key.
// Open times ascend; gaps are tolerated but never synthesized. A Series
// is immutable once published to the cache; writers build a fresh one.
type Series struct {
	Key       SeriesKey
	OpenTimes []int64
	Opens     []float64
	Highs     []float64
	Lows      []float64
	Closes    []float64
	Volumes   []float64
}

// Len returns the number of candles in the series.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.OpenTimes)
}

// NewSeries builds a series from klines ordered oldest first.
func NewSeries(key SeriesKey, klines []binance.Kline) *Series {
	s := &Series{
		Key:       key,
		OpenTimes: make([]int64, len(klines)),
		Opens:     make([]float64, len(klines)),
		Highs:     make([]float64, len(klines)),
		Lows:      make([]float64, len(klines)),
		Closes:    make([]float64, len(klines)),
		Volumes:   make([]float64, len(klines)),
	}
	for i, k := range klines {
		s.OpenTimes[i] = k.OpenTime
		s.Opens[i] = k.Open
		s.Highs[i] = k.High
		s.Lows[i] = k.Low
		s.Closes[i] = k.Close
		s.Volumes[i] = k.Volume
	}
	return s
}
