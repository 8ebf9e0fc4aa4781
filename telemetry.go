package motolink

// Snapshot is one consistent view of the polled vehicle parameters. It is
// owned by the Poller and handed to consumers by value; consumers must not
// assume all fields were refreshed in the same cycle when a request timed
// out mid-cycle.
type Snapshot struct {
	EngineSpeed      uint16 `json:"engine_speed"`      // rpm, 0-16383
	VehicleSpeed     uint8  `json:"vehicle_speed"`     // km/h
	CoolantTemp      int16  `json:"coolant_temp"`      // degrees C, -40 to 215
	ThrottlePosition uint8  `json:"throttle_position"` // percent
	EngineRunning    bool   `json:"engine_running"`
	DataValid        bool   `json:"data_valid"`
	LastUpdate       int64  `json:"timestamp"` // monotonic milliseconds
}

type SystemState int

const (
	StateInit SystemState = iota
	StateIdle
	StateConnecting
	StateConnected
	StateReadingData
	// StateError is terminal; only a full restart clears it.
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReadingData:
		return "reading-data"
	case StateError:
		return "error"
	}
	return "unknown"
}
