package marketdata

// Supported kline intervals and their durations in milliseconds.
// The set is closed; anything else is rejected at the boundary.
var intervalMS = map[string]int64{
	"1m":  60000,
	"3m":  180000,
	"5m":  300000,
	"15m": 900000,
	"30m": 1800000,
	"1h":  3600000,
	"2h":  7200000,
	"4h":  14400000,
	"6h":  21600000,
	"8h":  28800000,
	"12h": 43200000,
	"1d":  86400000,
}

// IntervalMS returns the duration of an interval in milliseconds.
func IntervalMS(interval string) (int64, bool) {
	ms, ok := intervalMS[interval]
	return ms, ok
}

// ValidInterval reports whether the interval is in the supported set.
func ValidInterval(interval string) bool {
	_, ok := intervalMS[interval]
	return ok
}

// Intervals returns the supported intervals ordered by duration.
func Intervals() []string {
	return []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d"}
}
