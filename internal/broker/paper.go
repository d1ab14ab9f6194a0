package broker

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/marketdata"
)

// closeEpsilon decides when a partial sell leaves dust that should close
// the position outright.
const closeEpsilon = 1e-12

// Ledger is the durable position and log store the broker writes through.
// The database repository satisfies it.
type Ledger interface {
	OpenPosition(ctx context.Context, pos *database.ProjectPosition) error
	GetOpenPosition(ctx context.Context, projectID int64, symbol string) (*database.ProjectPosition, error)
	ReducePosition(ctx context.Context, id uuid.UUID, newQty, exitPrice, realized float64) error
	ClosePosition(ctx context.Context, id uuid.UUID, exitPrice, realized float64) error
	AppendLog(ctx context.Context, entry *database.ProjectLog) error
}

// MarkSource yields the cached series the broker marks prices from.
// The series cache satisfies it.
type MarkSource interface {
	Get(exchange, symbol, interval string) *marketdata.Series
}

// PaperBroker executes simulated orders for one (project, symbol) pair
// within one run. State lives entirely in the ledger; the broker is a thin
// command layer that marks prices from the hot cache. Invalid or impossible
// commands degrade to logged no-ops so strategy code never sees a throw.
type PaperBroker struct {
	ledger Ledger
	marks  MarkSource
	bus    *events.EventBus
	logger zerolog.Logger

	projectID     int64
	ownerID       int64
	runID         uuid.UUID
	exchange      string
	symbol        string
	markTimeframe string

	trades int
}

// Config binds a broker to its project, symbol, and mark price series.
type Config struct {
	ProjectID     int64
	OwnerID       int64
	RunID         uuid.UUID
	Exchange      string
	Symbol        string
	MarkTimeframe string
}

// NewPaperBroker creates a broker for one (project, symbol) execution.
func NewPaperBroker(cfg Config, ledger Ledger, marks MarkSource, bus *events.EventBus, logger zerolog.Logger) *PaperBroker {
	if cfg.MarkTimeframe == "" {
		cfg.MarkTimeframe = "1m"
	}
	return &PaperBroker{
		ledger:        ledger,
		marks:         marks,
		bus:           bus,
		logger:        logger.With().Str("component", "paper-broker").Int64("project_id", cfg.ProjectID).Str("symbol", cfg.Symbol).Logger(),
		projectID:     cfg.ProjectID,
		ownerID:       cfg.OwnerID,
		runID:         cfg.RunID,
		exchange:      cfg.Exchange,
		symbol:        cfg.Symbol,
		markTimeframe: cfg.MarkTimeframe,
	}
}

// Trades returns how many orders this broker executed.
func (b *PaperBroker) Trades() int {
	return b.trades
}

// Buy opens a long position sized in quote currency at the current mark
// price. Ignored with a log when the amount is invalid, no mark price is
// available, or a position is already open.
func (b *PaperBroker) Buy(ctx context.Context, usd float64) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd <= 0 {
		b.logger.Warn().Float64("usd", usd).Msg("buy ignored: invalid quote amount")
		return
	}

	price, ok := b.markPrice()
	if !ok {
		b.logger.Warn().Str("timeframe", b.markTimeframe).Msg("buy ignored: no mark price available")
		return
	}

	pos := &database.ProjectPosition{
		ProjectID:  b.projectID,
		UserID:     b.ownerID,
		Symbol:     b.symbol,
		Qty:        usd / price,
		EntryPrice: price,
		EntryTime:  time.Now().UTC(),
	}
	if err := b.ledger.OpenPosition(ctx, pos); err != nil {
		if errors.Is(err, database.ErrPositionExists) {
			b.logger.Info().Msg("buy ignored: position already open")
			return
		}
		b.logger.Error().Err(err).Msg("buy failed: ledger write error")
		return
	}

	b.trades++
	if b.bus != nil {
		b.bus.PublishPositionOpened(strconv.FormatInt(b.projectID, 10), b.symbol, pos.Qty, price)
	}
	b.logger.Info().Float64("qty", pos.Qty).Float64("price", price).Float64("usd", usd).Msg("position opened")
}

// Sell closes pct percent of the open position at the current mark price.
// A pct of 100 or more closes it fully. Ignored with a log when pct is
// invalid, no position is open, or no mark price is available.
func (b *PaperBroker) Sell(ctx context.Context, pct float64) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct <= 0 {
		b.logger.Warn().Float64("pct", pct).Msg("sell ignored: invalid percent")
		return
	}

	pos, err := b.ledger.GetOpenPosition(ctx, b.projectID, b.symbol)
	if err != nil {
		b.logger.Error().Err(err).Msg("sell failed: ledger read error")
		return
	}
	if pos == nil {
		b.logger.Info().Msg("sell ignored: no open position")
		return
	}

	price, ok := b.markPrice()
	if !ok {
		b.logger.Warn().Str("timeframe", b.markTimeframe).Msg("sell ignored: no mark price available")
		return
	}

	closeFrac := math.Min(1, pct/100)
	closeQty := pos.Qty * closeFrac
	remaining := pos.Qty - closeQty
	realized := (price - pos.EntryPrice) * closeQty

	projectID := strconv.FormatInt(b.projectID, 10)
	if remaining <= closeEpsilon {
		if err := b.ledger.ClosePosition(ctx, pos.ID, price, realized); err != nil {
			b.logger.Error().Err(err).Msg("sell failed: close write error")
			return
		}
		b.trades++
		if b.bus != nil {
			b.bus.PublishPositionClosed(projectID, b.symbol, price, pos.RealizedPnL+realized)
		}
		b.logger.Info().Float64("qty", closeQty).Float64("price", price).Float64("realized", realized).Msg("position closed")
		return
	}

	if err := b.ledger.ReducePosition(ctx, pos.ID, remaining, price, realized); err != nil {
		b.logger.Error().Err(err).Msg("sell failed: reduce write error")
		return
	}
	b.trades++
	if b.bus != nil {
		b.bus.PublishPositionReduced(projectID, b.symbol, remaining, price, realized)
	}
	b.logger.Info().Float64("qty", closeQty).Float64("remaining", remaining).Float64("price", price).Float64("realized", realized).Msg("position reduced")
}

// Log appends a strategy log line to the ledger. Append failures are
// reported to the host log and otherwise swallowed.
func (b *PaperBroker) Log(ctx context.Context, level, message string, meta map[string]interface{}) {
	entry := &database.ProjectLog{
		ProjectID: b.projectID,
		UserID:    b.ownerID,
		Level:     normalizeLevel(level),
		Message:   message,
		Meta:      meta,
	}
	if b.runID != uuid.Nil {
		runID := b.runID
		entry.RunID = &runID
	}
	if err := b.ledger.AppendLog(ctx, entry); err != nil {
		b.logger.Warn().Err(err).Str("message", message).Msg("strategy log append failed")
	}
}

// markPrice returns the most recent finite close at the mark timeframe.
func (b *PaperBroker) markPrice() (float64, bool) {
	series := b.marks.Get(b.exchange, b.symbol, b.markTimeframe)
	if series == nil {
		return 0, false
	}
	for i := len(series.Closes) - 1; i >= 0; i-- {
		c := series.Closes[i]
		if !math.IsNaN(c) && !math.IsInf(c, 0) {
			return c, true
		}
	}
	return 0, false
}

func normalizeLevel(level string) string {
	switch level {
	case "debug", "info", "warn", "error":
		return level
	case "warning":
		return "warn"
	default:
		return "info"
	}
}
