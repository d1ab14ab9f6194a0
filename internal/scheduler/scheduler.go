package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/indicator"
	"strategy-runner/internal/marketdata"
	"strategy-runner/internal/sandbox"
)

// tfPattern finds tf: "<interval>" literals in strategy source. The scan is
// deliberately conservative: it only trusts quoted literals and validates
// each hit against the supported interval set.
var tfPattern = regexp.MustCompile(`tf\s*:\s*["']([^"']+)["']`)

// maxRunErrorLen caps the error text persisted on runs and projects.
const maxRunErrorLen = 512

// ProjectStore is the claim and run-lifecycle surface the scheduler drives.
// The database repository satisfies it.
type ProjectStore interface {
	ClaimDueProjects(ctx context.Context, limit int, statuses []string) ([]*database.Project, error)
	CreateRun(ctx context.Context, run *database.ProjectRun) error
	FinishRun(ctx context.Context, id uuid.UUID, status string, summary, runError *string) error
	SetProjectLastRun(ctx context.Context, id int64, status string, runError *string) error
}

// Config holds the scheduler loop settings.
type Config struct {
	Exchange       string
	TickEvery      time.Duration
	ClaimLimit     int
	ActiveStatuses []string
	MarkTimeframe  string
}

// Stats is a snapshot of scheduler counters for the ops API.
type Stats struct {
	Ticks      int64     `json:"ticks"`
	Claimed    int64     `json:"claimed"`
	OK         int64     `json:"ok"`
	Errors     int64     `json:"errors"`
	Skipped    int64     `json:"skipped"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// Scheduler claims due projects and executes their strategies in the
// sandbox, one project at a time, one symbol at a time.
type Scheduler struct {
	cfg    Config
	store  ProjectStore
	ledger broker.Ledger
	cache  *marketdata.SeriesCache
	vm     *sandbox.VM
	bus    *events.EventBus
	logger zerolog.Logger

	stats   Stats
	statsMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler. Zero or negative config values fall
// back to safe defaults.
func NewScheduler(cfg Config, store ProjectStore, ledger broker.Ledger, cache *marketdata.SeriesCache, vm *sandbox.VM, bus *events.EventBus, logger zerolog.Logger) *Scheduler {
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 2 * time.Second
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 5
	}
	if len(cfg.ActiveStatuses) == 0 {
		cfg.ActiveStatuses = []string{database.ProjectStatusLive, database.ProjectStatusRunning}
	}
	if cfg.MarkTimeframe == "" {
		cfg.MarkTimeframe = "1m"
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		cache:    cache,
		vm:       vm,
		bus:      bus,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the claim loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	s.wg.Add(1)
	go s.run()

	s.logger.Info().
		Dur("tick", s.cfg.TickEvery).
		Int("claim_limit", s.cfg.ClaimLimit).
		Strs("statuses", s.cfg.ActiveStatuses).
		Msg("scheduler started")
	return nil
}

// Stop halts the loop, waiting for the in-flight project to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info().Msg("scheduler stopped")
}

// Stats returns a copy of the loop counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			return
		}
	}
}

// tick claims due projects and executes them sequentially.
func (s *Scheduler) tick() {
	ctx := context.Background()

	claimed, err := s.store.ClaimDueProjects(ctx, s.cfg.ClaimLimit, s.cfg.ActiveStatuses)
	if err != nil {
		s.logger.Error().Err(err).Msg("claim failed")
		if s.bus != nil {
			s.bus.PublishError("scheduler", fmt.Sprintf("claim failed: %v", err))
		}
		return
	}

	s.statsMu.Lock()
	s.stats.Ticks++
	s.stats.Claimed += int64(len(claimed))
	s.stats.LastTickAt = time.Now()
	s.statsMu.Unlock()

	for _, project := range claimed {
		if s.stopRequested() {
			return
		}
		s.runProject(ctx, project)
	}
}

// runProject executes one claimed project through its full run lifecycle.
func (s *Scheduler) runProject(ctx context.Context, project *database.Project) {
	logger := s.logger.With().Int64("project_id", project.ID).Logger()

	run := &database.ProjectRun{ProjectID: project.ID, UserID: project.OwnerID}
	if err := s.store.CreateRun(ctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to create run")
		return
	}
	if s.bus != nil {
		s.bus.PublishRunStarted(run.ID.String(), strconv.FormatInt(project.ID, 10), project.Symbols)
	}

	source := strings.TrimSpace(project.GeneratedJS)
	if source == "" {
		s.finishRun(ctx, project, run, database.RunStatusSkipped, "no generated code", nil)
		return
	}

	symbols := cleanSymbols(project.Symbols)
	if len(symbols) == 0 {
		s.finishRun(ctx, project, run, database.RunStatusSkipped, "no symbols", nil)
		return
	}

	program, err := sandbox.Compile(fmt.Sprintf("project-%d.js", project.ID), source)
	if err != nil {
		s.finishRun(ctx, project, run, database.RunStatusError, "", err)
		return
	}

	timeframes := requiredTimeframes(source, s.cfg.MarkTimeframe)

	ran := 0
	trades := 0
	var runErr error

	for _, symbol := range symbols {
		if s.stopRequested() {
			break
		}
		if !s.preloadSymbol(ctx, logger, symbol, timeframes) {
			continue
		}

		engine := indicator.NewEngine(s.cache, s.cfg.Exchange, symbol, logger)
		brk := broker.NewPaperBroker(broker.Config{
			ProjectID:     project.ID,
			OwnerID:       project.OwnerID,
			RunID:         run.ID,
			Exchange:      s.cfg.Exchange,
			Symbol:        symbol,
			MarkTimeframe: s.cfg.MarkTimeframe,
		}, s.ledger, s.cache, s.bus, logger)

		bindings := sandbox.Bindings{
			Indicators: engine.Bindings(),
			Broker:     brk,
			Exchange:   s.cfg.Exchange,
			Symbol:     symbol,
		}
		if err := s.vm.Run(ctx, program, bindings); err != nil {
			runErr = fmt.Errorf("%s: %w", symbol, err)
			break
		}
		ran++
		trades += brk.Trades()
	}

	switch {
	case runErr != nil:
		s.finishRun(ctx, project, run, database.RunStatusError, "", runErr)
	case ran == 0:
		s.finishRun(ctx, project, run, database.RunStatusSkipped, "all symbols skipped", nil)
	default:
		summary := fmt.Sprintf("ran %d symbol(s), %d trade(s)", ran, trades)
		s.finishRun(ctx, project, run, database.RunStatusOK, summary, nil)
	}
}

// preloadSymbol warms the cache for every required timeframe. Any failure
// skips the symbol for this run.
func (s *Scheduler) preloadSymbol(ctx context.Context, logger zerolog.Logger, symbol string, timeframes []string) bool {
	for _, tf := range timeframes {
		key := marketdata.NewSeriesKey(s.cfg.Exchange, symbol, tf)
		if _, err := s.cache.Preload(ctx, key, 0); err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("preload failed, skipping symbol")
			return false
		}
	}
	return true
}

// finishRun records the terminal run state, mirrors it onto the project,
// and updates counters.
func (s *Scheduler) finishRun(ctx context.Context, project *database.Project, run *database.ProjectRun, status, summary string, runErr error) {
	var summaryPtr, errPtr *string
	if summary != "" {
		summaryPtr = &summary
	}
	if runErr != nil {
		msg := runErr.Error()
		if len(msg) > maxRunErrorLen {
			msg = msg[:maxRunErrorLen]
		}
		errPtr = &msg
	}

	if err := s.store.FinishRun(ctx, run.ID, status, summaryPtr, errPtr); err != nil {
		s.logger.Error().Err(err).Int64("project_id", project.ID).Msg("failed to finish run")
	}
	if err := s.store.SetProjectLastRun(ctx, project.ID, status, errPtr); err != nil {
		s.logger.Error().Err(err).Int64("project_id", project.ID).Msg("failed to update project last run")
	}

	s.statsMu.Lock()
	switch status {
	case database.RunStatusOK:
		s.stats.OK++
	case database.RunStatusError:
		s.stats.Errors++
	case database.RunStatusSkipped:
		s.stats.Skipped++
	}
	s.statsMu.Unlock()

	detail := summary
	if errPtr != nil {
		detail = *errPtr
	}
	if s.bus != nil {
		s.bus.PublishRunFinished(run.ID.String(), strconv.FormatInt(project.ID, 10), status, detail)
	}

	event := s.logger.Info()
	if status == database.RunStatusError {
		event = s.logger.Warn()
	}
	event.Int64("project_id", project.ID).Str("run_id", run.ID.String()).Str("status", status).Str("detail", detail).Msg("run finished")
}

func (s *Scheduler) stopRequested() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// requiredTimeframes scans strategy source for tf literals, keeps the valid
// ones, defaults to 1m, and always includes the broker mark timeframe.
func requiredTimeframes(source, markTimeframe string) []string {
	seen := map[string]struct{}{}
	timeframes := []string{}
	for _, match := range tfPattern.FindAllStringSubmatch(source, -1) {
		tf := match[1]
		if !marketdata.ValidInterval(tf) {
			continue
		}
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		timeframes = append(timeframes, tf)
	}
	if len(timeframes) == 0 {
		timeframes = append(timeframes, "1m")
		seen["1m"] = struct{}{}
	}
	if _, ok := seen[markTimeframe]; !ok && marketdata.ValidInterval(markTimeframe) {
		timeframes = append(timeframes, markTimeframe)
	}
	return timeframes
}

// cleanSymbols drops empties and duplicates, preserving order.
func cleanSymbols(symbols []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
