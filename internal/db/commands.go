package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/intersection.control/internal/engine"
)

// DefaultHistoryLimit is the page size used when a caller passes no limit.
const DefaultHistoryLimit = 20

// RecordCommand appends cmd to the audit log. A retried write of the same
// command id is a no-op.
func (db *DB) RecordCommand(ctx context.Context, cmd engine.Command) error {
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureIntersection(ctx, tx, cmd.IntersectionID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO signal_commands (
			command_id, intersection_id, timestamp, phase, duration_sec,
			reason, vehicle_density, smoothed_count, is_override
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, cmd.IntersectionID, unixSeconds(cmd.Timestamp), string(cmd.Phase), cmd.DurationSec,
		cmd.Reason, cmd.DensityRatio, cmd.SmoothedCount, cmd.IsOverride,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal command: %w", err)
	}
	return tx.Commit()
}

// CommandHistory returns the newest commands for an intersection first.
// limit <= 0 means DefaultHistoryLimit.
func (db *DB) CommandHistory(ctx context.Context, intersectionID string, limit int) ([]engine.Command, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT command_id, intersection_id, timestamp, phase, duration_sec,
			reason, vehicle_density, smoothed_count, is_override
		FROM signal_commands
		WHERE intersection_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, intersectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal commands: %w", err)
	}
	defer rows.Close()

	out := []engine.Command{}
	for rows.Next() {
		var c engine.Command
		var ts float64
		var phase string
		if err := rows.Scan(&c.ID, &c.IntersectionID, &ts, &phase, &c.DurationSec,
			&c.Reason, &c.DensityRatio, &c.SmoothedCount, &c.IsOverride); err != nil {
			return nil, fmt.Errorf("failed to scan signal command: %w", err)
		}
		c.Timestamp = fromUnixSeconds(ts)
		c.Phase = engine.Phase(phase)
		out = append(out, c)
	}
	return out, rows.Err()
}
