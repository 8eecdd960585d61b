package vna

import (
	"fmt"
	"time"
)

// Timeouts bounds the waits of the engine.
type Timeouts struct {
	// Normal bounds ordinary query round trips, and connecting.
	Normal time.Duration
	// OPC bounds operation complete waits.
	OPC time.Duration
	// Poll is the poll tick period while a scan or power measurement is active.
	Poll time.Duration
}

// DefaultTimeouts returns 15s normal, 45s operation complete and a 2s poll period.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Normal: 15 * time.Second,
		OPC:    45 * time.Second,
		Poll:   2 * time.Second,
	}
}

// DefaultBulkDataTimeoutFloor is the minimum timeout of trace and axis data queries.
const DefaultBulkDataTimeoutFloor = 30 * time.Second

func (t Timeouts) Validate() error {
	if t.Normal <= 0 {
		return fmt.Errorf("vna: normal timeout must be positive: %s", t.Normal)
	}
	if t.OPC <= 0 {
		return fmt.Errorf("vna: operation complete timeout must be positive: %s", t.OPC)
	}
	if t.Poll <= 0 {
		return fmt.Errorf("vna: poll interval must be positive: %s", t.Poll)
	}
	return nil
}
