// Package mongostore is the MongoDB rendition of the audit store. It keeps
// the same three collections as the SQLite store and answers the same
// queries, so the server can run on either.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/banshee-data/intersection.control/internal/db"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/monitoring"
)

const (
	collIntersections = "intersections"
	collDetections    = "detections"
	collCommands      = "signal_commands"

	defaultLanes = 4
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logrus.Entry
}

// Connect dials uri, pings the primary and ensures the indexes exist.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := &Store{
		client: client,
		db:     client.Database(database),
		log:    monitoring.Logger("mongostore").WithField("database", database),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.log.Info("connected")
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collIntersections: {{
			Keys:    bson.D{{Key: "intersection_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		collDetections: {{
			Keys: bson.D{{Key: "intersection_id", Value: 1}, {Key: "timestamp", Value: -1}},
		}},
		collCommands: {
			{
				Keys:    bson.D{{Key: "command_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "intersection_id", Value: 1}, {Key: "timestamp", Value: -1}},
			},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll, err)
		}
	}
	return nil
}

type intersectionDoc struct {
	engine.Intersection `bson:",inline"`
	CreatedAt           time.Time `bson:"created_at"`
	UpdatedAt           time.Time `bson:"updated_at"`
}

type detectionDoc struct {
	ID              string             `bson:"_id"`
	IntersectionID  string             `bson:"intersection_id"`
	Timestamp       time.Time          `bson:"timestamp"`
	TotalVehicles   int                `bson:"total_vehicles"`
	VehicleCounts   map[string]int     `bson:"vehicle_counts"`
	Detections      []engine.Detection `bson:"detections_data"`
	InferenceTimeMs float64            `bson:"inference_time_ms"`
	FrameNumber     int64              `bson:"frame_number"`
	Seq             int64              `bson:"seq"`
}

// UpsertIntersection creates the descriptor or corrects an existing one.
func (s *Store) UpsertIntersection(ctx context.Context, desc engine.Intersection) error {
	if desc.IntersectionID == "" {
		return fmt.Errorf("failed to upsert intersection: empty id")
	}
	if desc.Name == "" {
		desc.Name = "Intersection " + desc.IntersectionID
	}
	if desc.NumLanes <= 0 {
		desc.NumLanes = defaultLanes
	}
	now := time.Now().UTC()
	_, err := s.db.Collection(collIntersections).UpdateOne(ctx,
		bson.M{"intersection_id": desc.IntersectionID},
		bson.M{
			"$set": bson.M{
				"name":       desc.Name,
				"latitude":   desc.Latitude,
				"longitude":  desc.Longitude,
				"num_lanes":  desc.NumLanes,
				"is_active":  desc.IsActive,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intersection %s: %w", desc.IntersectionID, err)
	}
	return nil
}

// ensureIntersection inserts a placeholder descriptor for an id first seen
// on the wire.
func (s *Store) ensureIntersection(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(collIntersections).UpdateOne(ctx,
		bson.M{"intersection_id": id},
		bson.M{"$setOnInsert": bson.M{
			"name":       "Intersection " + id,
			"latitude":   0.0,
			"longitude":  0.0,
			"num_lanes":  defaultLanes,
			"is_active":  true,
			"created_at": now,
			"updated_at": now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create intersection %s: %w", id, err)
	}
	return nil
}

// GetIntersection returns the stored descriptor or db.ErrNotFound.
func (s *Store) GetIntersection(ctx context.Context, id string) (*db.IntersectionRecord, error) {
	var doc intersectionDoc
	err := s.db.Collection(collIntersections).FindOne(ctx, bson.M{"intersection_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("intersection %s: %w", id, db.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intersection %s: %w", id, err)
	}
	rec := toRecord(doc)
	return &rec, nil
}

// ListIntersections returns every stored descriptor ordered by id.
func (s *Store) ListIntersections(ctx context.Context) ([]engine.Intersection, error) {
	docs, err := s.intersections(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]engine.Intersection, len(docs))
	for i, d := range docs {
		out[i] = d.Intersection
	}
	return out, nil
}

// ActiveIntersections returns the monitored intersections.
func (s *Store) ActiveIntersections(ctx context.Context) ([]db.IntersectionRecord, error) {
	docs, err := s.intersections(ctx, bson.M{"is_active": true})
	if err != nil {
		return nil, err
	}
	out := make([]db.IntersectionRecord, len(docs))
	for i, d := range docs {
		out[i] = toRecord(d)
	}
	return out, nil
}

func (s *Store) intersections(ctx context.Context, filter bson.M) ([]intersectionDoc, error) {
	cur, err := s.db.Collection(collIntersections).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "intersection_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list intersections: %w", err)
	}
	var docs []intersectionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode intersections: %w", err)
	}
	return docs, nil
}

func toRecord(d intersectionDoc) db.IntersectionRecord {
	return db.IntersectionRecord{Intersection: d.Intersection, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()}
}

// RecordDetection stores an accepted observation.
func (s *Store) RecordDetection(ctx context.Context, obs engine.Observation) error {
	if err := s.ensureIntersection(ctx, obs.IntersectionID); err != nil {
		return err
	}
	doc := detectionDoc{
		ID:              uuid.NewString(),
		IntersectionID:  obs.IntersectionID,
		Timestamp:       obs.Time(),
		TotalVehicles:   obs.TotalVehicles,
		VehicleCounts:   obs.VehicleCounts,
		Detections:      obs.Detections,
		InferenceTimeMs: obs.InferenceTimeMs,
		FrameNumber:     obs.FrameNumber,
		Seq:             time.Now().UnixNano(),
	}
	if doc.VehicleCounts == nil {
		doc.VehicleCounts = map[string]int{}
	}
	if _, err := s.db.Collection(collDetections).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// RecentDetections returns the newest detections first. An empty id lists
// all intersections.
func (s *Store) RecentDetections(ctx context.Context, intersectionID string, limit int) ([]db.DetectionRecord, error) {
	if limit <= 0 {
		limit = db.DefaultDetectionsLimit
	}
	filter := bson.M{}
	if intersectionID != "" {
		filter["intersection_id"] = intersectionID
	}
	cur, err := s.db.Collection(collDetections).Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"detections_data": 0}))
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	var docs []detectionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	out := make([]db.DetectionRecord, len(docs))
	for i, d := range docs {
		out[i] = db.DetectionRecord{
			ID:              d.Seq,
			IntersectionID:  d.IntersectionID,
			Timestamp:       d.Timestamp.UTC(),
			TotalVehicles:   d.TotalVehicles,
			VehicleCounts:   d.VehicleCounts,
			InferenceTimeMs: d.InferenceTimeMs,
			FrameNumber:     d.FrameNumber,
		}
	}
	return out, nil
}

// RecordCommand appends cmd to the audit log. A retried write of the same
// command id is a no-op.
func (s *Store) RecordCommand(ctx context.Context, cmd engine.Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := s.ensureIntersection(ctx, cmd.IntersectionID); err != nil {
		return err
	}
	cmd.Timestamp = cmd.Timestamp.UTC()
	_, err := s.db.Collection(collCommands).UpdateOne(ctx,
		bson.M{"command_id": cmd.ID},
		bson.M{"$setOnInsert": cmd},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal command: %w", err)
	}
	return nil
}

// CommandHistory returns the newest commands for an intersection first.
func (s *Store) CommandHistory(ctx context.Context, intersectionID string, limit int) ([]engine.Command, error) {
	if limit <= 0 {
		limit = db.DefaultHistoryLimit
	}
	cur, err := s.db.Collection(collCommands).Find(ctx,
		bson.M{"intersection_id": intersectionID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query signal commands: %w", err)
	}
	out := []engine.Command{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode signal commands: %w", err)
	}
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	return out, nil
}

// Totals counts the documents of each collection.
func (s *Store) Totals() (db.Totals, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var t db.Totals
	for coll, dst := range map[string]*int64{
		collIntersections: &t.Intersections,
		collDetections:    &t.Detections,
		collCommands:      &t.Commands,
	} {
		n, err := s.db.Collection(coll).CountDocuments(ctx, bson.M{})
		if err != nil {
			return db.Totals{}, fmt.Errorf("failed to count %s: %w", coll, err)
		}
		*dst = n
	}
	return t, nil
}

// IntersectionMetrics aggregates detections recorded in (Now-Period, Now].
func (s *Store) IntersectionMetrics(ctx context.Context, q db.MetricsQuery) (db.TrafficMetrics, error) {
	desc, err := s.GetIntersection(ctx, q.IntersectionID)
	if err != nil {
		return db.TrafficMetrics{}, err
	}
	if q.Period <= 0 {
		q.Period = db.DefaultMetricsPeriod
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	cur, err := s.db.Collection(collDetections).Find(ctx,
		bson.M{
			"intersection_id": q.IntersectionID,
			"timestamp":       bson.M{"$gt": q.Since(), "$lte": q.Now},
		},
		options.Find().SetProjection(bson.M{"total_vehicles": 1, "vehicle_counts": 1, "inference_time_ms": 1}))
	if err != nil {
		return db.TrafficMetrics{}, fmt.Errorf("failed to query detections: %w", err)
	}
	var docs []detectionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return db.TrafficMetrics{}, fmt.Errorf("failed to decode detections: %w", err)
	}
	samples := make([]db.MetricSample, len(docs))
	for i, d := range docs {
		samples[i] = db.MetricSample{TotalVehicles: d.TotalVehicles, VehicleCounts: d.VehicleCounts, InferenceTimeMs: d.InferenceTimeMs}
	}
	return db.Summarize(q, desc.NumLanes, samples), nil
}
