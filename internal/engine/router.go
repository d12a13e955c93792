package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"tailscale.com/metrics"

	"github.com/banshee-data/intersection.control/internal/monitoring"
	"github.com/banshee-data/intersection.control/internal/transport"
)

// Live feed event types.
const (
	EventDetection = "detection"
	EventCommand   = "command"
)

// Reject reasons counted by the router.
const (
	RejectDecode          = "decode"
	RejectMissingID       = "missing_id"
	RejectNegativeCount   = "negative_count"
	RejectNegativeLatency = "negative_latency"
	RejectTimestamp       = "timestamp"
)

// StatusKey is the message key edge gateways use for online/offline notices.
const StatusKey = "status"

// Broadcaster fans events out to live viewers. Publish must not block.
type Broadcaster interface {
	Publish(eventType string, data any)
}

// DetectionSink receives accepted observations for persistence. It must not
// block.
type DetectionSink interface {
	RecordDetection(obs Observation)
}

// RejectError describes why an inbound payload was discarded.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("observation rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason, format string, args ...any) error {
	return &RejectError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Router validates inbound payloads and routes them to the registry, the
// live feed and the persistence queue.
type Router struct {
	registry *Registry
	hub      Broadcaster
	sink     DetectionSink
	log      *logrus.Entry

	accepted expvar.Int
	rejects  metrics.LabelMap
	gateways metrics.LabelMap
}

// NewRouter creates a router. hub and sink may be nil.
func NewRouter(registry *Registry, hub Broadcaster, sink DetectionSink) *Router {
	r := &Router{
		registry: registry,
		hub:      hub,
		sink:     sink,
		log:      monitoring.Logger("router"),
	}
	r.rejects.Label = "reason"
	r.gateways.Label = "status"
	return r
}

// HandleMessage is the transport.Handler for the detections subscription.
// Per-message failures are logged and counted, never returned.
func (r *Router) HandleMessage(ctx context.Context, msg transport.Message) {
	if msg.Key == StatusKey {
		r.handleStatus(msg)
		return
	}
	if err := r.Ingest(msg.Payload); err != nil {
		r.log.WithField("topic", msg.Topic).Debug(err)
	}
}

// Ingest validates one observation payload and, if it is well formed,
// broadcasts it, queues it for persistence and feeds the registry, in that
// order. A rejected payload never reaches the controller.
func (r *Router) Ingest(payload []byte) error {
	obs, err := DecodeObservation(payload)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			r.rejects.Add(rej.Reason, 1)
		}
		return err
	}
	r.accepted.Add(1)

	if r.hub != nil {
		r.hub.Publish(EventDetection, obs)
	}
	if r.sink != nil {
		r.sink.RecordDetection(obs)
	}
	r.registry.Observe(obs)
	return nil
}

func (r *Router) handleStatus(msg transport.Message) {
	var notice struct {
		IntersectionID string `json:"intersection_id"`
		Status         string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		r.log.WithError(err).Warn("undecodable gateway status message")
		return
	}
	status := notice.Status
	if status == "" {
		status = "unknown"
	}
	r.gateways.Add(status, 1)
	r.log.WithFields(logrus.Fields{
		"intersection_id": notice.IntersectionID,
		"status":          status,
	}).Info("edge gateway status")
}

// Accepted returns the number of observations routed.
func (r *Router) Accepted() int64 { return r.accepted.Value() }

// Rejected returns the number of payloads discarded for reason.
func (r *Router) Rejected(reason string) int64 {
	return r.rejects.Get(reason).Value()
}

// Rejects exposes the reject counters for publishing on /debug/varz.
func (r *Router) Rejects() *metrics.LabelMap { return &r.rejects }

// GatewayStatuses exposes the gateway status counters.
func (r *Router) GatewayStatuses() *metrics.LabelMap { return &r.gateways }

// DecodeObservation parses and validates an observation payload. Errors are
// always *RejectError.
func DecodeObservation(payload []byte) (Observation, error) {
	var in struct {
		Observation
		Timestamp json.RawMessage `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&in); err != nil {
		return Observation{}, reject(RejectDecode, "%w", err)
	}
	obs := in.Observation

	obs.IntersectionID = strings.TrimSpace(obs.IntersectionID)
	if obs.IntersectionID == "" {
		return Observation{}, reject(RejectMissingID, "intersection_id is empty")
	}
	if obs.TotalVehicles < 0 {
		return Observation{}, reject(RejectNegativeCount, "total_vehicles %d", obs.TotalVehicles)
	}
	for class, n := range obs.VehicleCounts {
		if n < 0 {
			return Observation{}, reject(RejectNegativeCount, "vehicle_counts[%s] %d", class, n)
		}
	}
	if obs.InferenceTimeMs < 0 {
		return Observation{}, reject(RejectNegativeLatency, "inference_time_ms %f", obs.InferenceTimeMs)
	}

	ts, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return Observation{}, reject(RejectTimestamp, "%w", err)
	}
	obs.Timestamp = ts
	return obs, nil
}

// parseTimestamp accepts epoch seconds as a JSON number or numeric string, or
// an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("timestamp missing")
	}
	var ts float64
	if err := json.Unmarshal(raw, &ts); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("timestamp %s is neither number nor string", raw)
		}
		if ts, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			t, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
			if perr != nil {
				return 0, fmt.Errorf("timestamp %q: %w", s, perr)
			}
			ts = float64(t.UnixNano()) / 1e9
		}
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts <= 0 {
		return 0, fmt.Errorf("timestamp %v out of range", ts)
	}
	return ts, nil
}
