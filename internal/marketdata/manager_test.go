package marketdata

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-runner/internal/binance"
	"strategy-runner/internal/events"
)

type memStore struct {
	mu          sync.Mutex
	data        map[string][]binance.Kline
	upsertCalls int
	trimCalls   int
	lastCutoff  int64
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]binance.Kline)}
}

func (s *memStore) LatestOpenTime(ctx context.Context, key SeriesKey) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data[key.String()]
	if len(rows) == 0 {
		return 0, false, nil
	}
	latest := rows[0].OpenTime
	for _, k := range rows[1:] {
		if k.OpenTime > latest {
			latest = k.OpenTime
		}
	}
	return latest, true, nil
}

func (s *memStore) UpsertKlines(ctx context.Context, key SeriesKey, klines []binance.Kline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	rows := s.data[key.String()]
	for _, k := range klines {
		replaced := false
		for i := range rows {
			if rows[i].OpenTime == k.OpenTime {
				rows[i] = k
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, k)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OpenTime < rows[j].OpenTime })
	s.data[key.String()] = rows
	return nil
}

func (s *memStore) TrimOld(ctx context.Context, key SeriesKey, minOpenTime int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimCalls++
	s.lastCutoff = minOpenTime
	rows := s.data[key.String()]
	kept := rows[:0:0]
	var removed int64
	for _, k := range rows {
		if k.OpenTime < minOpenTime {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	s.data[key.String()] = kept
	return removed, nil
}

func (s *memStore) RecentKlines(ctx context.Context, key SeriesKey, limit int) ([]binance.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data[key.String()]
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]binance.Kline, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memStore) count(key SeriesKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[key.String()])
}

func (s *memStore) upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertCalls
}

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error)
}

func (f *scriptedFetcher) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(symbol, interval, startTime, endTime, limit)
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type symbolList struct {
	symbols []string
	err     error
}

func (s symbolList) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.symbols, s.err
}

type fakeGate struct{ allow bool }

func (g *fakeGate) TryAcquire(ctx context.Context) bool { return g.allow }
func (g *fakeGate) Release(ctx context.Context)         {}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Exchange:       "BINANCE",
		Intervals:      []string{"1m"},
		HistoryDays:    1,
		RefreshEvery:   time.Minute,
		MaxConcurrency: 2,
		PageDelay:      time.Millisecond,
		SymbolDelay:    time.Millisecond,
		TrimEvery:      time.Hour,
	}
}

func klinesAt(openTimes ...int64) []binance.Kline {
	out := make([]binance.Kline, len(openTimes))
	for i, ot := range openTimes {
		out[i] = binance.Kline{OpenTime: ot, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return out
}

func TestManagerTailSync(t *testing.T) {
	const ims = int64(60000)
	now := time.Now().UnixMilli()
	base := now - 5*ims

	store := newMemStore()
	key := NewSeriesKey("BINANCE", "BTCUSDT", "1m")
	ctx := context.Background()
	if err := store.UpsertKlines(ctx, key, klinesAt(base, base+ims, base+2*ims)); err != nil {
		t.Fatal(err)
	}
	seeded := store.upserts()

	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		if startTime != base+3*ims {
			t.Errorf("fetch startTime = %d, want %d", startTime, base+3*ims)
		}
		return klinesAt(base+3*ims, base+4*ims), nil
	}}

	m := NewManager(testManagerConfig(), store, fetcher, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	n, err := m.syncOne(ctx, key)
	if err != nil {
		t.Fatalf("syncOne: %v", err)
	}
	if n != 2 {
		t.Errorf("first sync upserted %d, want 2", n)
	}
	if got := store.count(key); got != 5 {
		t.Errorf("store holds %d candles, want 5", got)
	}
	if got := store.upserts() - seeded; got != 1 {
		t.Errorf("sync made %d upsert calls, want 1 bulk call", got)
	}

	// latest candle is one interval old, so the series is up to date
	n, err = m.syncOne(ctx, key)
	if err != nil {
		t.Fatalf("second syncOne: %v", err)
	}
	if n != 0 {
		t.Errorf("second sync upserted %d, want 0", n)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetcher called %d times, want 1", fetcher.callCount())
	}
}

func TestManagerBootstrapWindow(t *testing.T) {
	const ims = int64(60000)
	now := time.Now().UnixMilli()

	store := newMemStore()
	key := NewSeriesKey("BINANCE", "BTCUSDT", "1m")

	var gotStart int64
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		gotStart = startTime
		return klinesAt(now-2*ims, now-ims), nil
	}}

	m := NewManager(testManagerConfig(), store, fetcher, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	n, err := m.syncOne(context.Background(), key)
	if err != nil {
		t.Fatalf("syncOne: %v", err)
	}
	if n != 2 {
		t.Errorf("bootstrap upserted %d, want 2", n)
	}

	wantStart := now - dayMS
	if gotStart < wantStart-5000 || gotStart > wantStart+5000 {
		t.Errorf("bootstrap startTime = %d, want about %d", gotStart, wantStart)
	}
}

func TestManagerFetchPagedPagination(t *testing.T) {
	const ims = int64(60000)
	start := time.Now().UnixMilli() - dayMS

	page := func(from int64, n int) []binance.Kline {
		out := make([]binance.Kline, n)
		for i := range out {
			out[i] = binance.Kline{OpenTime: from + int64(i)*ims, Close: 1}
		}
		return out
	}

	var starts []int64
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		starts = append(starts, startTime)
		if len(starts) == 1 {
			return page(startTime, 1000), nil
		}
		return page(startTime, 400), nil
	}}

	m := NewManager(testManagerConfig(), newMemStore(), fetcher, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	got, err := m.fetchPaged(context.Background(), "BTCUSDT", "1m", start, time.Now().UnixMilli(), ims)
	if err != nil {
		t.Fatalf("fetchPaged: %v", err)
	}
	if len(got) != 1400 {
		t.Errorf("fetched %d candles, want 1400", len(got))
	}
	if fetcher.callCount() != 2 {
		t.Errorf("fetcher called %d times, want 2", fetcher.callCount())
	}
	if len(starts) == 2 && starts[1] != start+1000*ims {
		t.Errorf("second page cursor = %d, want %d", starts[1], start+1000*ims)
	}
}

func TestManagerFetchPagedStopsOnStuckCursor(t *testing.T) {
	const ims = int64(60000)
	start := time.Now().UnixMilli() - dayMS

	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		// a venue bug replays a candle older than the cursor
		return klinesAt(startTime - ims), nil
	}}

	m := NewManager(testManagerConfig(), newMemStore(), fetcher, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	got, err := m.fetchPaged(context.Background(), "BTCUSDT", "1m", start, time.Now().UnixMilli(), ims)
	if err != nil {
		t.Fatalf("fetchPaged: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetcher called %d times, want 1", fetcher.callCount())
	}
	if len(got) != 1 {
		t.Errorf("fetched %d candles, want 1", len(got))
	}
}

func TestManagerTickSyncsAllSymbols(t *testing.T) {
	const ims = int64(60000)
	now := time.Now().UnixMilli()

	store := newMemStore()
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		return klinesAt(now - 2*ims), nil
	}}
	provider := symbolList{symbols: []string{"btcusdt", "BTCUSDT", "", "ethusdt"}}
	bus := events.NewEventBus()

	synced := make(chan events.Event, 1)
	bus.Subscribe(events.EventKlinesSynced, func(e events.Event) { synced <- e })

	m := NewManager(testManagerConfig(), store, fetcher, provider, nil, nil, bus, zerolog.Nop())
	m.tick()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no klines synced event")
	}

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		if got := store.count(NewSeriesKey("BINANCE", symbol, "1m")); got != 1 {
			t.Errorf("%s holds %d candles, want 1", symbol, got)
		}
	}

	stats := m.Stats()
	if stats.Ticks != 1 || stats.LastSymbols != 2 || stats.Upserted != 2 {
		t.Errorf("stats = %+v, want 1 tick, 2 symbols, 2 upserted", stats)
	}
	if !stats.Leader {
		t.Error("manager without a gate should lead")
	}
}

func TestManagerStandsByWithoutLeadership(t *testing.T) {
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		return nil, errors.New("must not be called")
	}}

	m := NewManager(testManagerConfig(), newMemStore(), fetcher, symbolList{symbols: []string{"BTCUSDT"}}, nil, &fakeGate{allow: false}, events.NewEventBus(), zerolog.Nop())
	m.tick()

	if fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times while standing by", fetcher.callCount())
	}
	stats := m.Stats()
	if stats.Leader || stats.Ticks != 0 {
		t.Errorf("stats = %+v, want standby with no tick recorded", stats)
	}
}

func TestManagerTrimsOncePerTick(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Intervals = []string{"1m", "5m"}

	const ims = int64(60000)
	now := time.Now().UnixMilli()
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		return klinesAt(now - 2*ims), nil
	}}

	store := newMemStore()
	m := NewManager(cfg, store, fetcher, symbolList{symbols: []string{"BTCUSDT"}}, nil, nil, events.NewEventBus(), zerolog.Nop())
	m.tick()

	store.mu.Lock()
	trims, cutoff := store.trimCalls, store.lastCutoff
	store.mu.Unlock()

	if trims != 2 {
		t.Errorf("trim called %d times, want once per interval", trims)
	}
	wantCutoff := now - dayMS
	if cutoff < wantCutoff-5000 || cutoff > wantCutoff+5000 {
		t.Errorf("trim cutoff = %d, want about %d", cutoff, wantCutoff)
	}

	// second tick inside the same TrimEvery window must not trim again
	m.tick()
	store.mu.Lock()
	trims = store.trimCalls
	store.mu.Unlock()
	if trims != 2 {
		t.Errorf("trim called %d times after second tick, want 2", trims)
	}
}

func TestManagerRefreshesCachedSeriesAfterSync(t *testing.T) {
	const ims = int64(60000)
	now := time.Now().UnixMilli()
	base := now - 5*ims

	store := newMemStore()
	key := NewSeriesKey("BINANCE", "BTCUSDT", "1m")
	ctx := context.Background()
	if err := store.UpsertKlines(ctx, key, klinesAt(base, base+ims, base+2*ims)); err != nil {
		t.Fatal(err)
	}

	cache := NewSeriesCache(store, 100)
	if _, err := cache.Preload(ctx, key, 0); err != nil {
		t.Fatal(err)
	}

	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		return klinesAt(base + 3*ims), nil
	}}
	m := NewManager(testManagerConfig(), store, fetcher, symbolList{}, cache, nil, events.NewEventBus(), zerolog.Nop())

	if _, err := m.syncOne(ctx, key); err != nil {
		t.Fatalf("syncOne: %v", err)
	}

	s := cache.Get("BINANCE", "BTCUSDT", "1m")
	if s == nil || s.Len() != 4 {
		t.Errorf("cached series has %d candles after sync, want 4", s.Len())
	}
}

func TestManagerSyncSymbolIsolatesIntervalFailures(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Intervals = []string{"1m", "5m"}

	now := time.Now().UnixMilli()
	fetcher := &scriptedFetcher{fn: func(symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error) {
		if interval == "1m" {
			return nil, errors.New("venue hiccup")
		}
		return klinesAt(now - 2*300000), nil
	}}

	store := newMemStore()
	m := NewManager(cfg, store, fetcher, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	if n := m.syncSymbol(context.Background(), "BTCUSDT"); n != 1 {
		t.Errorf("syncSymbol upserted %d, want 1 from the healthy interval", n)
	}
	if got := store.count(NewSeriesKey("BINANCE", "BTCUSDT", "5m")); got != 1 {
		t.Errorf("5m series holds %d, want 1", got)
	}
	if got := m.Stats().Errors; got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(testManagerConfig(), newMemStore(), &scriptedFetcher{fn: func(string, string, int64, int64, int) ([]binance.Kline, error) {
		return nil, nil
	}}, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start should fail")
	}
	m.Stop()

	if got := m.Stats().Ticks; got != 1 {
		t.Errorf("ticks after start/stop = %d, want 1", got)
	}
}

func TestNewManagerDropsUnknownIntervals(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Intervals = []string{"1m", "7m", "1h"}
	m := NewManager(cfg, newMemStore(), nil, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())
	if !reflect.DeepEqual(m.cfg.Intervals, []string{"1m", "1h"}) {
		t.Errorf("intervals = %v, want [1m 1h]", m.cfg.Intervals)
	}

	cfg.Intervals = []string{"90m"}
	m = NewManager(cfg, newMemStore(), nil, symbolList{}, nil, nil, events.NewEventBus(), zerolog.Nop())
	if !reflect.DeepEqual(m.cfg.Intervals, []string{"1m"}) {
		t.Errorf("intervals = %v, want fallback [1m]", m.cfg.Intervals)
	}
}

func TestNormalizeSymbols(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"btcusdt", "BTCUSDT", "", " ethusdt "}, []string{"BTCUSDT", "ETHUSDT"}},
		{[]string{}, []string{}},
		{[]string{"  "}, []string{}},
	}
	for i, tt := range tests {
		if got := normalizeSymbols(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("case %d: normalizeSymbols(%v) = %v, want %v", i, tt.in, got, tt.want)
		}
	}
}
