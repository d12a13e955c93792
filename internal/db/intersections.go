package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/intersection.control/internal/engine"
)

// IntersectionRecord is a stored descriptor with its bookkeeping times.
type IntersectionRecord struct {
	engine.Intersection
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// defaultLanes matches the schema default for num_lanes.
const defaultLanes = 4

const intersectionColumns = `intersection_id, name, latitude, longitude, num_lanes, is_active, created_at, updated_at`

// UpsertIntersection creates the descriptor or corrects an existing one.
func (db *DB) UpsertIntersection(ctx context.Context, desc engine.Intersection) error {
	if desc.IntersectionID == "" {
		return fmt.Errorf("failed to upsert intersection: empty id")
	}
	now := unixSeconds(time.Now())
	_, err := db.ExecContext(ctx, `
		INSERT INTO intersections (`+intersectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intersection_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			num_lanes = excluded.num_lanes,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		desc.IntersectionID, intersectionName(desc), desc.Latitude, desc.Longitude,
		numLanes(desc.NumLanes), desc.IsActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intersection %s: %w", desc.IntersectionID, err)
	}
	return nil
}

// ensureIntersection inserts a placeholder descriptor for an id first seen
// on the wire. Existing rows are left alone.
func ensureIntersection(ctx context.Context, tx *sql.Tx, id string) error {
	now := unixSeconds(time.Now())
	_, err := tx.ExecContext(ctx, `
		INSERT INTO intersections (`+intersectionColumns+`)
		VALUES (?, ?, 0, 0, ?, 1, ?, ?)
		ON CONFLICT (intersection_id) DO NOTHING`,
		id, "Intersection "+id, defaultLanes, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create intersection %s: %w", id, err)
	}
	return nil
}

// GetIntersection returns the stored descriptor or ErrNotFound.
func (db *DB) GetIntersection(ctx context.Context, id string) (*IntersectionRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+intersectionColumns+` FROM intersections WHERE intersection_id = ?`, id)
	rec, err := scanIntersection(row)
	if err != nil {
		return nil, notFound(err, "intersection "+id)
	}
	return rec, nil
}

// ListIntersections returns every stored descriptor, active or not, ordered
// by id. The engine preloads its registry from it.
func (db *DB) ListIntersections(ctx context.Context) ([]engine.Intersection, error) {
	recs, err := db.intersections(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Intersection, len(recs))
	for i, r := range recs {
		out[i] = r.Intersection
	}
	return out, nil
}

// ActiveIntersections returns the monitored intersections with their
// bookkeeping times.
func (db *DB) ActiveIntersections(ctx context.Context) ([]IntersectionRecord, error) {
	return db.intersections(ctx, true)
}

func (db *DB) intersections(ctx context.Context, activeOnly bool) ([]IntersectionRecord, error) {
	query := `SELECT ` + intersectionColumns + ` FROM intersections`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY intersection_id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list intersections: %w", err)
	}
	defer rows.Close()

	var out []IntersectionRecord
	for rows.Next() {
		rec, err := scanIntersection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intersection: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntersection(s scanner) (*IntersectionRecord, error) {
	var rec IntersectionRecord
	var created, updated float64
	err := s.Scan(
		&rec.IntersectionID, &rec.Name, &rec.Latitude, &rec.Longitude,
		&rec.NumLanes, &rec.IsActive, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = fromUnixSeconds(created)
	rec.UpdatedAt = fromUnixSeconds(updated)
	return &rec, nil
}

func intersectionName(desc engine.Intersection) string {
	if desc.Name != "" {
		return desc.Name
	}
	return "Intersection " + desc.IntersectionID
}

func numLanes(n int) int {
	if n <= 0 {
		return defaultLanes
	}
	return n
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
