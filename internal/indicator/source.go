package indicator

import (
	"strings"

	"strategy-runner/internal/marketdata"
)

// Source selects which derived price series feeds an indicator.
type Source int

const (
	SourceClose Source = iota
	SourceOpen
	SourceHigh
	SourceLow
	SourceVolume
	SourceHL2   // (H+L)/2
	SourceHLC3  // (H+L+C)/3, aka Typical Price
	SourceOHLC4 // (O+H+L+C)/4
)

// ParseSource maps a strategy-supplied source name to a Source.
// Unknown names default to Close.
func ParseSource(name string) Source {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open":
		return SourceOpen
	case "high":
		return SourceHigh
	case "low":
		return SourceLow
	case "volume":
		return SourceVolume
	case "hl2":
		return SourceHL2
	case "hlc3", "typical price", "typicalprice":
		return SourceHLC3
	case "ohlc4":
		return SourceOHLC4
	default:
		return SourceClose
	}
}

func (s Source) String() string {
	switch s {
	case SourceOpen:
		return "Open"
	case SourceHigh:
		return "High"
	case SourceLow:
		return "Low"
	case SourceVolume:
		return "Volume"
	case SourceHL2:
		return "HL2"
	case SourceHLC3:
		return "HLC3"
	case SourceOHLC4:
		return "OHLC4"
	default:
		return "Close"
	}
}

// ExtractSource derives the selected series from cached OHLCV. The raw
// columns are returned as-is; composite sources allocate a new slice.
// A nil or empty series yields nil.
func ExtractSource(s *marketdata.Series, src Source) []float64 {
	if s == nil || s.Len() == 0 {
		return nil
	}
	switch src {
	case SourceOpen:
		return s.Opens
	case SourceHigh:
		return s.Highs
	case SourceLow:
		return s.Lows
	case SourceVolume:
		return s.Volumes
	case SourceHL2:
		out := make([]float64, s.Len())
		for i := range out {
			out[i] = (s.Highs[i] + s.Lows[i]) / 2
		}
		return out
	case SourceHLC3:
		out := make([]float64, s.Len())
		for i := range out {
			out[i] = (s.Highs[i] + s.Lows[i] + s.Closes[i]) / 3
		}
		return out
	case SourceOHLC4:
		out := make([]float64, s.Len())
		for i := range out {
			out[i] = (s.Opens[i] + s.Highs[i] + s.Lows[i] + s.Closes[i]) / 4
		}
		return out
	default:
		return s.Closes
	}
}
