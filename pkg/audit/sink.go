package audit

import (
	"github.com/shdchub/shdc/pkg/engine"
	"github.com/shdchub/shdc/pkg/logging"
)

// Sink returns an engine.Sink that records every sensor_data event to
// the trail. A write failure is logged and otherwise ignored — per
// SPEC_FULL.md §4.6, a sink failure never affects engine state.
func (t *Trail) Sink(log *logging.Logger) engine.Sink {
	return func(ev engine.Event) {
		if ev.Type != engine.EventSensorData {
			return
		}
		if err := t.Record(ev.DeviceID, ev.EventType, ev.Data, ev.At); err != nil {
			log.Warn("failed to record audit event", logging.Fields{"device_id": ev.DeviceID, "error": err.Error()})
		}
	}
}
