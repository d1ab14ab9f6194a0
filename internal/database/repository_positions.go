package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPositionExists is returned when a buy would open a second position for
// the same (project, symbol). The partial unique index enforces this.
var ErrPositionExists = errors.New("open position already exists")

// OpenPosition inserts a new open position
func (r *Repository) OpenPosition(ctx context.Context, pos *ProjectPosition) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	if pos.Side == "" {
		pos.Side = PositionSideLong
	}
	if pos.Status == "" {
		pos.Status = PositionStatusOpen
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now().UTC()
	}
	query := `
		INSERT INTO project_positions (id, project_id, user_id, symbol, side, status, qty, entry_price, entry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		pos.ID, pos.ProjectID, pos.UserID, pos.Symbol, pos.Side, pos.Status,
		pos.Qty, pos.EntryPrice, pos.EntryTime,
	).Scan(&pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPositionExists
		}
		return fmt.Errorf("failed to open position: %w", err)
	}
	return nil
}

// GetOpenPosition retrieves the open position for a (project, symbol) pair,
// or nil when there is none.
func (r *Repository) GetOpenPosition(ctx context.Context, projectID int64, symbol string) (*ProjectPosition, error) {
	query := `
		SELECT id, project_id, user_id, symbol, side, status, qty, entry_price, entry_time,
		       exit_price, exit_time, realized_pnl, created_at, updated_at
		FROM project_positions
		WHERE project_id = $1 AND symbol = $2 AND status = 'open'
	`
	pos := &ProjectPosition{}
	err := r.db.Pool.QueryRow(ctx, query, projectID, symbol).Scan(
		&pos.ID, &pos.ProjectID, &pos.UserID, &pos.Symbol, &pos.Side, &pos.Status,
		&pos.Qty, &pos.EntryPrice, &pos.EntryTime,
		&pos.ExitPrice, &pos.ExitTime, &pos.RealizedPnL,
		&pos.CreatedAt, &pos.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	return pos, nil
}

// ReducePosition shrinks an open position after a partial sell, accumulating
// realized PnL and stamping the latest exit price.
func (r *Repository) ReducePosition(ctx context.Context, id uuid.UUID, newQty, exitPrice, realized float64) error {
	query := `
		UPDATE project_positions
		SET qty = $2, exit_price = $3, exit_time = CURRENT_TIMESTAMP,
		    realized_pnl = realized_pnl + $4
		WHERE id = $1 AND status = 'open'
	`
	ct, err := r.db.Pool.Exec(ctx, query, id, newQty, exitPrice, realized)
	if err != nil {
		return fmt.Errorf("failed to reduce position: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}
	return nil
}

// ClosePosition marks an open position closed, accumulating realized PnL.
func (r *Repository) ClosePosition(ctx context.Context, id uuid.UUID, exitPrice, realized float64) error {
	query := `
		UPDATE project_positions
		SET status = 'closed', qty = 0, exit_price = $2, exit_time = CURRENT_TIMESTAMP,
		    realized_pnl = realized_pnl + $3
		WHERE id = $1 AND status = 'open'
	`
	ct, err := r.db.Pool.Exec(ctx, query, id, exitPrice, realized)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}
	return nil
}

// GetPositions retrieves positions for a project, optionally filtered by
// status, newest first.
func (r *Repository) GetPositions(ctx context.Context, projectID int64, status string, limit int) ([]*ProjectPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, project_id, user_id, symbol, side, status, qty, entry_price, entry_time,
		       exit_price, exit_time, realized_pnl, created_at, updated_at
		FROM project_positions
		WHERE project_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY entry_time DESC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, projectID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := []*ProjectPosition{}
	for rows.Next() {
		pos := &ProjectPosition{}
		err := rows.Scan(
			&pos.ID, &pos.ProjectID, &pos.UserID, &pos.Symbol, &pos.Side, &pos.Status,
			&pos.Qty, &pos.EntryPrice, &pos.EntryTime,
			&pos.ExitPrice, &pos.ExitTime, &pos.RealizedPnL,
			&pos.CreatedAt, &pos.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}
