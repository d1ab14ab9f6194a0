package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// PROJECTS
// ============================================================================

// CreateProject inserts a new project
func (r *Repository) CreateProject(ctx context.Context, project *Project) error {
	if project.Status == "" {
		project.Status = ProjectStatusDraft
	}
	if project.Exchange == "" {
		project.Exchange = "BINANCE"
	}
	if project.IntervalSeconds <= 0 {
		project.IntervalSeconds = 60
	}
	query := `
		INSERT INTO projects (owner_id, name, generated_js, symbols, exchange, interval_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, next_run_at, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		project.OwnerID, project.Name, project.GeneratedJS, project.Symbols,
		project.Exchange, project.IntervalSeconds, project.Status,
	).Scan(&project.ID, &project.NextRunAt, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id int64) (*Project, error) {
	query := `
		SELECT id, owner_id, name, generated_js, symbols, exchange, interval_seconds,
		       status, last_run_at, last_run_status, last_run_error, next_run_at,
		       created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	project := &Project{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&project.ID, &project.OwnerID, &project.Name, &project.GeneratedJS,
		&project.Symbols, &project.Exchange, &project.IntervalSeconds,
		&project.Status, &project.LastRunAt, &project.LastRunStatus,
		&project.LastRunError, &project.NextRunAt,
		&project.CreatedAt, &project.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// ListProjects retrieves projects filtered by status
func (r *Repository) ListProjects(ctx context.Context, statuses []string, limit int) ([]*Project, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, owner_id, name, generated_js, symbols, exchange, interval_seconds,
		       status, last_run_at, last_run_status, last_run_error, next_run_at,
		       created_at, updated_at
		FROM projects
		WHERE status = ANY($1)
		ORDER BY id
		LIMIT $2
	`
	return r.queryProjects(ctx, query, statuses, limit)
}

// ClaimDueProjects atomically claims up to limit due projects for execution.
// Claimed rows have already had next_run_at advanced by the SQL function.
func (r *Repository) ClaimDueProjects(ctx context.Context, limit int, statuses []string) ([]*Project, error) {
	query := `
		SELECT id, owner_id, name, generated_js, symbols, exchange, interval_seconds,
		       status, last_run_at, last_run_status, last_run_error, next_run_at,
		       created_at, updated_at
		FROM claim_due_projects($1, $2)
	`
	return r.queryProjects(ctx, query, limit, statuses)
}

// UpdateProjectStatus changes a project's lifecycle status
func (r *Repository) UpdateProjectStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE projects SET status = $2 WHERE id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return nil
}

// SetProjectLastRun records the outcome of a project's latest run
func (r *Repository) SetProjectLastRun(ctx context.Context, id int64, status string, runError *string) error {
	query := `
		UPDATE projects
		SET last_run_at = CURRENT_TIMESTAMP, last_run_status = $2, last_run_error = $3
		WHERE id = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, status, runError); err != nil {
		return fmt.Errorf("failed to update project last run: %w", err)
	}
	return nil
}

// ActiveSymbols returns the distinct symbols referenced by projects in the
// given statuses. The kline manager syncs exactly this set.
func (r *Repository) ActiveSymbols(ctx context.Context, statuses []string) ([]string, error) {
	query := `
		SELECT DISTINCT unnest(symbols)
		FROM projects
		WHERE status = ANY($1)
		ORDER BY 1
	`
	rows, err := r.db.Pool.Query(ctx, query, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	symbols := []string{}
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// queryProjects executes a query that returns project rows
func (r *Repository) queryProjects(ctx context.Context, query string, args ...interface{}) ([]*Project, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []*Project{}
	for rows.Next() {
		project := &Project{}
		err := rows.Scan(
			&project.ID, &project.OwnerID, &project.Name, &project.GeneratedJS,
			&project.Symbols, &project.Exchange, &project.IntervalSeconds,
			&project.Status, &project.LastRunAt, &project.LastRunStatus,
			&project.LastRunError, &project.NextRunAt,
			&project.CreatedAt, &project.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// ============================================================================
// RUNS
// ============================================================================

// CreateRun inserts a new run row in the running state
func (r *Repository) CreateRun(ctx context.Context, run *ProjectRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Mode == "" {
		run.Mode = RunModePaper
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	query := `
		INSERT INTO project_runs (id, project_id, user_id, mode, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING started_at
	`
	err := r.db.Pool.QueryRow(ctx, query, run.ID, run.ProjectID, run.UserID, run.Mode, run.Status).
		Scan(&run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal with its outcome
func (r *Repository) FinishRun(ctx context.Context, id uuid.UUID, status string, summary, runError *string) error {
	query := `
		UPDATE project_runs
		SET status = $2, finished_at = CURRENT_TIMESTAMP, summary = $3, error = $4
		WHERE id = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, status, summary, runError); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRecentRuns retrieves the most recent runs for a project, newest first
func (r *Repository) GetRecentRuns(ctx context.Context, projectID int64, limit int) ([]*ProjectRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, project_id, user_id, mode, status, started_at, finished_at, summary, error
		FROM project_runs
		WHERE project_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*ProjectRun{}
	for rows.Next() {
		run := &ProjectRun{}
		err := rows.Scan(
			&run.ID, &run.ProjectID, &run.UserID, &run.Mode, &run.Status,
			&run.StartedAt, &run.FinishedAt, &run.Summary, &run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ============================================================================
// LOGS
// ============================================================================

// AppendLog inserts a strategy log line
func (r *Repository) AppendLog(ctx context.Context, entry *ProjectLog) error {
	if entry.Level == "" {
		entry.Level = "info"
	}
	var metaJSON []byte
	if entry.Meta != nil {
		b, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal log meta: %w", err)
		}
		metaJSON = b
	}
	query := `
		INSERT INTO project_logs (project_id, user_id, run_id, level, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query, entry.ProjectID, entry.UserID, entry.RunID, entry.Level, entry.Message, metaJSON).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// GetRecentLogs retrieves the most recent log lines for a project, newest first
func (r *Repository) GetRecentLogs(ctx context.Context, projectID int64, limit int) ([]*ProjectLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, project_id, user_id, run_id, level, message, meta, created_at
		FROM project_logs
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := []*ProjectLog{}
	for rows.Next() {
		entry := &ProjectLog{}
		var metaJSON []byte
		err := rows.Scan(
			&entry.ID, &entry.ProjectID, &entry.UserID, &entry.RunID, &entry.Level,
			&entry.Message, &metaJSON, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &entry.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log meta: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return logs, nil
}

// ============================================================================
// SYMBOL SOURCE
// ============================================================================

// ActiveSymbolSource adapts the repository to the kline manager's symbol
// provider, scoped to a fixed status set.
type ActiveSymbolSource struct {
	repo     *Repository
	statuses []string
}

// NewActiveSymbolSource creates a symbol source over the given statuses
func NewActiveSymbolSource(repo *Repository, statuses []string) *ActiveSymbolSource {
	return &ActiveSymbolSource{repo: repo, statuses: statuses}
}

// ActiveSymbols returns the symbols referenced by projects in the source's statuses
func (s *ActiveSymbolSource) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.repo.ActiveSymbols(ctx, s.statuses)
}
