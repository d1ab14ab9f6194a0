package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"strategy-runner/config"
	"strategy-runner/internal/database"
)

// demoStrategy is the sample source seeded for smoke-testing a fresh
// deployment end to end: claim, sandbox run, paper trade, logs.
const demoStrategy = `
var rsi = RSI({tf: "15m", length: 14});

if (EMA_CROSS_UP({tf: "15m", fast: 12, slow: 26}) && rsi < 70) {
    HP.buy({usd: 100});
    HP.log("info", "demo entry", {rsi: rsi});
}
if (EMA_CROSS_DOWN({tf: "15m", fast: 12, slow: 26})) {
    HP.sell({pct: 100});
    HP.log("info", "demo exit", {rsi: rsi});
}
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	repo, closeDB := connect()
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "seed":
		err = seed(ctx, repo)
	case "runs":
		err = showRuns(ctx, repo, requireProjectID())
	case "positions":
		err = showPositions(ctx, repo, requireProjectID())
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("strategy runner admin tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  runner-admin seed                     insert a demo project")
	fmt.Println("  runner-admin runs <project-id>        print recent runs")
	fmt.Println("  runner-admin positions <project-id>   print positions")
}

func requireProjectID() int64 {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	id, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "error: invalid project id %q\n", os.Args[2])
		os.Exit(1)
	}
	return id
}

func connect() (*database.Repository, func()) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseConfig.URL == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := database.NewDB(cfg.DatabaseConfig.URL, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "error: failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	return database.NewRepository(db), db.Close
}

func seed(ctx context.Context, repo *database.Repository) error {
	project := &database.Project{
		Name:            "Demo EMA cross",
		GeneratedJS:     demoStrategy,
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		Exchange:        "BINANCE",
		IntervalSeconds: 60,
		Status:          database.ProjectStatusLive,
	}
	if err := repo.CreateProject(ctx, project); err != nil {
		return err
	}

	fmt.Printf("seeded project %d (%s)\n", project.ID, project.Name)
	fmt.Printf("  symbols:  %v\n", project.Symbols)
	fmt.Printf("  status:   %s\n", project.Status)
	fmt.Printf("  interval: %ds\n", project.IntervalSeconds)
	return nil
}

func showRuns(ctx context.Context, repo *database.Repository, projectID int64) error {
	runs, err := repo.GetRecentRuns(ctx, projectID, 20)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("no runs for project %d\n", projectID)
		return nil
	}

	fmt.Printf("recent runs for project %d:\n", projectID)
	for _, run := range runs {
		line := fmt.Sprintf("  %s  %-8s  started %s", run.ID, run.Status, run.StartedAt.Format(time.RFC3339))
		if run.FinishedAt != nil {
			line += fmt.Sprintf("  took %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
		fmt.Println(line)
		if run.Summary != nil {
			fmt.Printf("      %s\n", *run.Summary)
		}
		if run.Error != nil {
			fmt.Printf("      error: %s\n", *run.Error)
		}
	}
	return nil
}

func showPositions(ctx context.Context, repo *database.Repository, projectID int64) error {
	positions, err := repo.GetPositions(ctx, projectID, "", 50)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Printf("no positions for project %d\n", projectID)
		return nil
	}

	fmt.Printf("positions for project %d:\n", projectID)
	for _, pos := range positions {
		line := fmt.Sprintf("  %-10s %-6s qty %.8f entry %.4f", pos.Symbol, pos.Status, pos.Qty, pos.EntryPrice)
		if pos.ExitPrice != nil {
			line += fmt.Sprintf(" exit %.4f", *pos.ExitPrice)
		}
		line += fmt.Sprintf(" pnl %.4f", pos.RealizedPnL)
		fmt.Println(line)
	}
	return nil
}
