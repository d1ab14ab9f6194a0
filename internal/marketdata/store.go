package marketdata

import (
	"context"

	"strategy-runner/internal/binance"
)

// KlineStore is the durable persistence contract the market data plane
// writes through and preloads from. All operations may fail with a
// transport error; callers treat failures as retryable at the next tick.
type KlineStore interface {
	// LatestOpenTime returns the maximum stored open time for the series,
	// with ok=false when the series has no rows.
	LatestOpenTime(ctx context.Context, key SeriesKey) (openTime int64, ok bool, err error)

	// UpsertKlines bulk-upserts candles keyed on (exchange, symbol,
	// interval, open_time). Idempotent; implementations chunk internally.
	UpsertKlines(ctx context.Context, key SeriesKey, klines []binance.Kline) error

	// TrimOld deletes rows with open_time < minOpenTime and reports how
	// many were removed.
	TrimOld(ctx context.Context, key SeriesKey, minOpenTime int64) (int64, error)

	// RecentKlines returns the newest limit candles ordered oldest first.
	RecentKlines(ctx context.Context, key SeriesKey, limit int) ([]binance.Kline, error)
}

// SymbolProvider yields the active symbol universe for ingestion,
// typically the distinct symbols of projects in an active status.
type SymbolProvider interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// CandleFetcher is the upstream venue surface the manager pages through.
type CandleFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error)
}
