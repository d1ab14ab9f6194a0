package database

import (
	"time"

	"github.com/google/uuid"
)

// Project status constants
const (
	ProjectStatusDraft    = "draft"
	ProjectStatusLive     = "live"
	ProjectStatusRunning  = "running"
	ProjectStatusPaused   = "paused"
	ProjectStatusArchived = "archived"
)

// Run status constants
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusError   = "error"
	RunStatusSkipped = "skipped"
)

// RunModePaper is the only execution mode; orders never reach an exchange.
const RunModePaper = "paper"

// Position status constants
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// PositionSideLong is the only side the paper broker opens.
const PositionSideLong = "long"

// Project represents a user strategy project in the database
type Project struct {
	ID              int64      `json:"id"`
	OwnerID         int64      `json:"owner_id"`
	Name            string     `json:"name"`
	GeneratedJS     string     `json:"generated_js"`
	Symbols         []string   `json:"symbols"`
	Exchange        string     `json:"exchange"`
	IntervalSeconds int        `json:"interval_seconds"`
	Status          string     `json:"status"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   *string    `json:"last_run_status,omitempty"`
	LastRunError    *string    `json:"last_run_error,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProjectRun represents one execution cycle of a project
type ProjectRun struct {
	ID         uuid.UUID  `json:"id"`
	ProjectID  int64      `json:"project_id"`
	UserID     int64      `json:"user_id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    *string    `json:"summary,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// ProjectPosition represents a paper trading position in the database
type ProjectPosition struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   int64      `json:"project_id"`
	UserID      int64      `json:"user_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	Status      string     `json:"status"`
	Qty         float64    `json:"qty"`
	EntryPrice  float64    `json:"entry_price"`
	EntryTime   time.Time  `json:"entry_time"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	RealizedPnL float64    `json:"realized_pnl"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProjectLog represents a strategy log line in the database
type ProjectLog struct {
	ID        int64                  `json:"id"`
	ProjectID int64                  `json:"project_id"`
	UserID    int64                  `json:"user_id"`
	RunID     *uuid.UUID             `json:"run_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
