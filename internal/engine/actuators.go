package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/intersection.control/internal/transport"
)

// TransportActuator publishes commands to "<base>/<intersection_id>" on the
// broker, where signal controllers subscribe.
type TransportActuator struct {
	pub       transport.Publisher
	base      string
	yellowSec int
}

// NewTransportActuator creates an actuator publishing under base.
func NewTransportActuator(pub transport.Publisher, base string, yellowSec int) *TransportActuator {
	return &TransportActuator{pub: pub, base: base, yellowSec: yellowSec}
}

func (a *TransportActuator) Name() string { return "transport:" + a.base }

// Actuate publishes the command's outbound message.
func (a *TransportActuator) Actuate(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd.Actuation(a.yellowSec))
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	return a.pub.Publish(ctx, a.base, cmd.IntersectionID, payload)
}
