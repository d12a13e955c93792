package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/intersection.control/internal/engine"
)

// DefaultDetectionsLimit is the page size used when a caller passes no limit.
const DefaultDetectionsLimit = 50

// DetectionRecord is one stored observation.
type DetectionRecord struct {
	ID              int64              `json:"id"`
	IntersectionID  string             `json:"intersection_id"`
	Timestamp       time.Time          `json:"timestamp"`
	TotalVehicles   int                `json:"total_vehicles"`
	VehicleCounts   map[string]int     `json:"vehicle_counts"`
	Detections      []engine.Detection `json:"detections,omitempty"`
	InferenceTimeMs float64            `json:"inference_time_ms"`
	FrameNumber     int64              `json:"frame_number"`
}

// RecordDetection stores an accepted observation. An intersection first seen
// here gets a placeholder descriptor.
func (db *DB) RecordDetection(ctx context.Context, obs engine.Observation) error {
	counts, err := json.Marshal(nonNilCounts(obs.VehicleCounts))
	if err != nil {
		return fmt.Errorf("failed to encode vehicle_counts: %w", err)
	}
	dets := obs.Detections
	if dets == nil {
		dets = []engine.Detection{}
	}
	detsJSON, err := json.Marshal(dets)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureIntersection(ctx, tx, obs.IntersectionID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO detections (
			intersection_id, timestamp, total_vehicles, vehicle_counts,
			detections_data, inference_time_ms, frame_number
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obs.IntersectionID, obs.Timestamp, obs.TotalVehicles, string(counts),
		string(detsJSON), obs.InferenceTimeMs, obs.FrameNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return tx.Commit()
}

// RecentDetections returns the newest detections first. An empty id lists
// all intersections; limit <= 0 means DefaultDetectionsLimit. Per-object
// boxes are not loaded.
func (db *DB) RecentDetections(ctx context.Context, intersectionID string, limit int) ([]DetectionRecord, error) {
	if limit <= 0 {
		limit = DefaultDetectionsLimit
	}
	query := `SELECT id, intersection_id, timestamp, total_vehicles, vehicle_counts,
		inference_time_ms, frame_number FROM detections`
	args := []any{}
	if intersectionID != "" {
		query += ` WHERE intersection_id = ?`
		args = append(args, intersectionID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	out := []DetectionRecord{}
	for rows.Next() {
		var d DetectionRecord
		var ts float64
		var counts string
		if err := rows.Scan(&d.ID, &d.IntersectionID, &ts, &d.TotalVehicles, &counts,
			&d.InferenceTimeMs, &d.FrameNumber); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.Timestamp = fromUnixSeconds(ts)
		if err := json.Unmarshal([]byte(counts), &d.VehicleCounts); err != nil {
			return nil, fmt.Errorf("failed to decode vehicle_counts for detection %d: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DetectionObjects loads the per-object payload of one stored detection.
func (db *DB) DetectionObjects(ctx context.Context, id int64) ([]engine.Detection, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT detections_data FROM detections WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("detection %d", id))
	}
	var dets []engine.Detection
	if err := json.Unmarshal([]byte(raw), &dets); err != nil {
		return nil, fmt.Errorf("failed to decode detections_data: %w", err)
	}
	return dets, nil
}

func nonNilCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
