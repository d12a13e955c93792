package serialmux

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"tailscale.com/metrics"

	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/monitoring"
)

// Line kinds a cabinet reports back.
const (
	LineAck     = "ack"
	LineFault   = "fault"
	LineStatus  = "status"
	LineUnknown = "unknown"
)

// CabinetLine is the decoded form of a JSON line from the cabinet.
type CabinetLine struct {
	Type           string       `json:"type"`
	IntersectionID string       `json:"intersection_id,omitempty"`
	Phase          engine.Phase `json:"phase,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// ClassifyLine returns the kind of a cabinet line. JSON lines carry their
// kind in "type"; bare "ACK"/"ERR" prefixes are accepted from older
// firmware.
func ClassifyLine(line string) (string, CabinetLine) {
	line = strings.TrimSpace(line)
	var msg CabinetLine
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &msg) == nil {
		switch kind := strings.ToLower(msg.Type); kind {
		case LineAck, LineFault, LineStatus:
			return kind, msg
		}
		return LineUnknown, msg
	}
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "ACK"):
		return LineAck, msg
	case strings.HasPrefix(upper, "ERR"), strings.HasPrefix(upper, "FAULT"):
		msg.Error = line
		return LineFault, msg
	}
	return LineUnknown, msg
}

// Cabinet drives a signal cabinet over a SerialMux. It is an engine.Actuator.
type Cabinet struct {
	name      string
	mux       SerialMuxInterface
	yellowSec int
	log       *logrus.Entry

	lines metrics.LabelMap
}

var _ engine.Actuator = (*Cabinet)(nil)

// NewCabinet wraps mux. name identifies the port in logs.
func NewCabinet(name string, mux SerialMuxInterface, yellowSec int) *Cabinet {
	c := &Cabinet{
		name:      name,
		mux:       mux,
		yellowSec: yellowSec,
		log:       monitoring.Logger("cabinet").WithField("port", name),
	}
	c.lines.Label = "kind"
	return c
}

func (c *Cabinet) Name() string { return "cabinet:" + c.name }

// Actuate writes the command as one JSON line.
func (c *Cabinet) Actuate(ctx context.Context, cmd engine.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd.Actuation(c.yellowSec))
	if err != nil {
		return fmt.Errorf("failed to encode cabinet command: %w", err)
	}
	if err := c.mux.SendCommand(string(payload)); err != nil {
		return fmt.Errorf("cabinet %s: %w", c.name, err)
	}
	return nil
}

// Run consumes cabinet reports until ctx is done or the mux closes. Faults
// are logged at warning level; everything is counted by kind.
func (c *Cabinet) Run(ctx context.Context) error {
	id, ch := c.mux.Subscribe()
	defer c.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			c.handleLine(line)
		}
	}
}

func (c *Cabinet) handleLine(line string) {
	kind, msg := ClassifyLine(line)
	c.lines.Add(kind, 1)
	entry := c.log.WithField("intersection_id", msg.IntersectionID)
	switch kind {
	case LineFault:
		entry.WithField("error", msg.Error).Warn("cabinet fault")
	case LineUnknown:
		entry.WithField("line", line).Debug("unrecognised cabinet line")
	default:
		entry.WithField("phase", msg.Phase).Tracef("cabinet %s", kind)
	}
}

// Lines returns the per-kind line counters.
func (c *Cabinet) Lines() *metrics.LabelMap { return &c.lines }
