package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-runner/internal/binance"
	"strategy-runner/internal/marketdata"
)

// klineBatchSize bounds the number of statements queued per batch round trip.
const klineBatchSize = 500

const upsertKlineQuery = `
	INSERT INTO market_klines (exchange, symbol, interval, open_time, open, high, low, close, volume, close_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (exchange, symbol, interval, open_time)
	DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
	              close = EXCLUDED.close, volume = EXCLUDED.volume, close_time = EXCLUDED.close_time
`

// LatestOpenTime returns the newest stored open time for a series
func (r *Repository) LatestOpenTime(ctx context.Context, key marketdata.SeriesKey) (int64, bool, error) {
	query := `
		SELECT open_time
		FROM market_klines
		WHERE exchange = $1 AND symbol = $2 AND interval = $3
		ORDER BY open_time DESC
		LIMIT 1
	`
	var openTime int64
	err := r.db.Pool.QueryRow(ctx, query, key.Exchange, key.Symbol, key.Interval).Scan(&openTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest open time: %w", err)
	}
	return openTime, true, nil
}

// UpsertKlines bulk-upserts candles for a series in batches
func (r *Repository) UpsertKlines(ctx context.Context, key marketdata.SeriesKey, klines []binance.Kline) error {
	for start := 0; start < len(klines); start += klineBatchSize {
		end := start + klineBatchSize
		if end > len(klines) {
			end = len(klines)
		}
		if err := r.upsertKlineChunk(ctx, key, klines[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) upsertKlineChunk(ctx context.Context, key marketdata.SeriesKey, klines []binance.Kline) error {
	batch := &pgx.Batch{}
	for _, k := range klines {
		batch.Queue(upsertKlineQuery,
			key.Exchange, key.Symbol, key.Interval, k.OpenTime,
			k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime,
		)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range klines {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert klines for %s: %w", key, err)
		}
	}
	return nil
}

// TrimOld deletes candles older than minOpenTime and reports the removed count
func (r *Repository) TrimOld(ctx context.Context, key marketdata.SeriesKey, minOpenTime int64) (int64, error) {
	query := `
		DELETE FROM market_klines
		WHERE exchange = $1 AND symbol = $2 AND interval = $3 AND open_time < $4
	`
	ct, err := r.db.Pool.Exec(ctx, query, key.Exchange, key.Symbol, key.Interval, minOpenTime)
	if err != nil {
		return 0, fmt.Errorf("failed to trim klines for %s: %w", key, err)
	}
	return ct.RowsAffected(), nil
}

// RecentKlines returns the newest limit candles ordered oldest first
func (r *Repository) RecentKlines(ctx context.Context, key marketdata.SeriesKey, limit int) ([]binance.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT open_time, open, high, low, close, volume, close_time
		FROM market_klines
		WHERE exchange = $1 AND symbol = $2 AND interval = $3
		ORDER BY open_time DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, key.Exchange, key.Symbol, key.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent klines: %w", err)
	}
	defer rows.Close()

	klines := []binance.Kline{}
	for rows.Next() {
		var k binance.Kline
		if err := rows.Scan(&k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.CloseTime); err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}
		klines = append(klines, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating klines: %w", err)
	}

	// Rows arrive newest first; callers want chronological order.
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}
