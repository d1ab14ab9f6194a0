package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"strategy-runner/internal/binance"
	"strategy-runner/internal/events"
)

const (
	pageLimit = 1000
	maxPages  = 1000
	dayMS     = int64(86400000)

	defaultPageDelay   = 120 * time.Millisecond
	defaultSymbolDelay = 150 * time.Millisecond
	defaultTrimEvery   = time.Hour
)

// LeaderGate restricts ingestion to one replica. A nil gate means the
// runner is the only node and always leads.
type LeaderGate interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// ManagerConfig holds the ingestion loop settings.
type ManagerConfig struct {
	Exchange       string
	Intervals      []string // maintained timeframes per symbol
	HistoryDays    int
	RefreshEvery   time.Duration
	MaxConcurrency int
	PageDelay      time.Duration
	SymbolDelay    time.Duration
	TrimEvery      time.Duration
}

// ManagerStats is the ops snapshot of the ingestion loop.
type ManagerStats struct {
	Leader      bool      `json:"leader"`
	Ticks       int64     `json:"ticks"`
	LastTickAt  time.Time `json:"last_tick_at"`
	LastSymbols int       `json:"last_symbols"`
	Upserted    int64     `json:"candles_upserted"`
	Errors      int64     `json:"errors"`
	LastTrimAt  time.Time `json:"last_trim_at"`
}

// Manager runs the background kline ingestion loop: discover active
// symbols, tail-sync or bootstrap each maintained series, trim the
// rolling window, and keep hot cache entries fresh.
type Manager struct {
	cfg     ManagerConfig
	store   KlineStore
	fetcher CandleFetcher
	symbols SymbolProvider
	cache   *SeriesCache
	gate    LeaderGate
	bus     *events.EventBus
	logger  zerolog.Logger

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	stats    ManagerStats
	lastTrim time.Time
	statsMu  sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewManager creates a kline manager. Unknown intervals in the config
// are dropped with a warning; an empty list falls back to 1m.
func NewManager(cfg ManagerConfig, store KlineStore, fetcher CandleFetcher, symbols SymbolProvider, cache *SeriesCache, gate LeaderGate, bus *events.EventBus, logger zerolog.Logger) *Manager {
	intervals := make([]string, 0, len(cfg.Intervals))
	for _, iv := range cfg.Intervals {
		if !ValidInterval(iv) {
			logger.Warn().Str("interval", iv).Msg("dropping unsupported kline interval")
			continue
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) == 0 {
		intervals = []string{"1m"}
	}
	cfg.Intervals = intervals

	if cfg.RefreshEvery < 10*time.Second {
		cfg.RefreshEvery = 10 * time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.HistoryDays < 1 {
		cfg.HistoryDays = 1
	}
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = defaultPageDelay
	}
	if cfg.SymbolDelay <= 0 {
		cfg.SymbolDelay = defaultSymbolDelay
	}
	if cfg.TrimEvery <= 0 {
		cfg.TrimEvery = defaultTrimEvery
	}

	return &Manager{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		symbols:  symbols,
		cache:    cache,
		gate:     gate,
		bus:      bus,
		logger:   logger.With().Str("component", "kline-manager").Logger(),
		inFlight: make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start launches the ingestion loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("kline manager already running")
	}
	m.running = true

	m.wg.Add(1)
	go m.run()

	m.logger.Info().
		Strs("intervals", m.cfg.Intervals).
		Dur("refresh_every", m.cfg.RefreshEvery).
		Int("max_concurrency", m.cfg.MaxConcurrency).
		Int("history_days", m.cfg.HistoryDays).
		Msg("kline manager started")
	return nil
}

// Stop requests a cooperative stop and waits for workers to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()

	if m.gate != nil {
		m.gate.Release(context.Background())
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RefreshEvery)
	defer ticker.Stop()

	m.tick()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopChan:
			m.logger.Info().Msg("kline manager stopped")
			return
		}
	}
}

// tick runs one full ingestion pass. Errors are contained per symbol so
// the rest of the fleet still syncs.
func (m *Manager) tick() {
	ctx := context.Background()

	if m.gate != nil && !m.gate.TryAcquire(ctx) {
		m.setLeader(false)
		m.logger.Debug().Msg("ingestion leadership held by another replica, standing by")
		return
	}
	m.setLeader(true)

	start := time.Now()

	active, err := m.symbols.ActiveSymbols(ctx)
	if err != nil {
		m.recordError()
		m.logger.Error().Err(err).Msg("active symbol discovery failed")
		return
	}
	syms := normalizeSymbols(active)

	var upserted atomic.Int64
	if len(syms) > 0 {
		symbolChan := make(chan string, len(syms))
		for _, s := range syms {
			symbolChan <- s
		}
		close(symbolChan)

		workers := m.cfg.MaxConcurrency
		if workers > len(syms) {
			workers = len(syms)
		}

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go m.worker(ctx, symbolChan, &upserted, &wg)
		}
		wg.Wait()
	}

	m.maybeTrim(ctx, syms)

	elapsed := time.Since(start)
	total := upserted.Load()

	m.statsMu.Lock()
	m.stats.Ticks++
	m.stats.LastTickAt = time.Now()
	m.stats.LastSymbols = len(syms)
	m.stats.Upserted += total
	m.statsMu.Unlock()

	m.bus.PublishKlinesSynced(len(syms), total, elapsed)

	if total > 0 || len(syms) > 0 {
		m.logger.Info().
			Int("symbols", len(syms)).
			Int64("upserted", total).
			Dur("took", elapsed).
			Msg("kline sync tick complete")
	}
}

func (m *Manager) worker(ctx context.Context, symbolChan <-chan string, upserted *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()

	for symbol := range symbolChan {
		if m.stopRequested() {
			return
		}
		if !m.markInFlight(symbol) {
			continue
		}
		n := m.syncSymbol(ctx, symbol)
		m.clearInFlight(symbol)
		upserted.Add(n)
		time.Sleep(m.cfg.SymbolDelay)
	}
}

// syncSymbol syncs every maintained interval for one symbol and returns
// the number of candles upserted. Per-interval failures are logged and
// the remaining intervals still sync.
func (m *Manager) syncSymbol(ctx context.Context, symbol string) int64 {
	var total int64
	for _, interval := range m.cfg.Intervals {
		key := NewSeriesKey(m.cfg.Exchange, symbol, interval)
		n, err := m.syncOne(ctx, key)
		if err != nil {
			m.recordError()
			m.logger.Warn().Err(err).Str("series", key.String()).Msg("series sync failed")
			continue
		}
		total += n
	}
	return total
}

// syncOne brings one series up to date: bootstrap historyDays of candles
// for an unknown series, otherwise tail-sync from the latest stored open
// time. Everything fetched is upserted as a single bulk call.
func (m *Manager) syncOne(ctx context.Context, key SeriesKey) (int64, error) {
	ims, ok := IntervalMS(key.Interval)
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", key.Interval)
	}

	now := time.Now().UnixMilli()

	latest, found, err := m.store.LatestOpenTime(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("latest open time: %w", err)
	}

	var startTime int64
	if !found {
		startTime = now - int64(m.cfg.HistoryDays)*dayMS
	} else {
		startTime = latest + ims
		if startTime > now-ims {
			return 0, nil
		}
	}

	klines, err := m.fetchPaged(ctx, key.Symbol, key.Interval, startTime, now, ims)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	if len(klines) == 0 {
		return 0, nil
	}

	if err := m.store.UpsertKlines(ctx, key, klines); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}

	if m.cache != nil && m.cache.Has(key) {
		if _, err := m.cache.Preload(ctx, key, 0); err != nil {
			m.logger.Warn().Err(err).Str("series", key.String()).Msg("cache refresh after sync failed")
		}
	}

	return int64(len(klines)), nil
}

// fetchPaged walks the venue forward from startTime in pages of up to
// 1000 candles, advancing the cursor past the last open time of each
// page. The loop is bounded and breaks on an empty page, a cursor that
// stops advancing, a short page, or a cursor past endTime.
func (m *Manager) fetchPaged(ctx context.Context, symbol, interval string, startTime, endTime, ims int64) ([]binance.Kline, error) {
	var out []binance.Kline
	cursor := startTime

	for page := 0; page < maxPages; page++ {
		chunk, err := m.fetcher.GetKlines(ctx, symbol, interval, cursor, endTime, pageLimit)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)

		next := chunk[len(chunk)-1].OpenTime + ims
		if next <= cursor {
			break
		}
		cursor = next

		if len(chunk) < pageLimit || cursor > endTime {
			break
		}
		time.Sleep(m.cfg.PageDelay)
	}

	return out, nil
}

// maybeTrim deletes candles older than the retention window, at most
// once per TrimEvery across the whole fleet. Trim errors are logged and
// never abort the tick.
func (m *Manager) maybeTrim(ctx context.Context, symbols []string) {
	m.statsMu.Lock()
	due := time.Since(m.lastTrim) >= m.cfg.TrimEvery
	if due {
		m.lastTrim = time.Now()
		m.stats.LastTrimAt = m.lastTrim
	}
	m.statsMu.Unlock()
	if !due || len(symbols) == 0 {
		return
	}

	cutoff := time.Now().UnixMilli() - int64(m.cfg.HistoryDays)*dayMS
	var removed int64
	for _, symbol := range symbols {
		for _, interval := range m.cfg.Intervals {
			key := NewSeriesKey(m.cfg.Exchange, symbol, interval)
			n, err := m.store.TrimOld(ctx, key, cutoff)
			if err != nil {
				m.recordError()
				m.logger.Warn().Err(err).Str("series", key.String()).Msg("trim failed")
				continue
			}
			removed += n
		}
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Msg("trimmed expired klines")
	}
}

// Stats returns a snapshot of the loop counters.
func (m *Manager) Stats() ManagerStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *Manager) setLeader(leader bool) {
	m.statsMu.Lock()
	m.stats.Leader = leader
	m.statsMu.Unlock()
}

func (m *Manager) recordError() {
	m.statsMu.Lock()
	m.stats.Errors++
	m.statsMu.Unlock()
}

func (m *Manager) stopRequested() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

func (m *Manager) markInFlight(symbol string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if _, busy := m.inFlight[symbol]; busy {
		return false
	}
	m.inFlight[symbol] = struct{}{}
	return true
}

func (m *Manager) clearInFlight(symbol string) {
	m.inFlightMu.Lock()
	delete(m.inFlight, symbol)
	m.inFlightMu.Unlock()
}

// normalizeSymbols dedupes, uppercases, and drops empty entries while
// preserving first-seen order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
