package obd2

// PID identifies a mode-01 "read current data" parameter.
type PID uint8

const (
	EngineRPM        PID = 0x0C
	VehicleSpeed     PID = 0x0D
	CoolantTemp      PID = 0x05
	ThrottlePosition PID = 0x11

	// defined for completeness; not part of the default poll cycle
	FuelLevel      PID = 0x2F
	EngineRuntime  PID = 0x1F
	FuelTrimBank1  PID = 0x06
	IntakePressure PID = 0x0B
)

// PolledPIDs is the fixed list the aggregator cycles through, in order.
var PolledPIDs = []PID{EngineRPM, VehicleSpeed, CoolantTemp, ThrottlePosition}

func (p PID) String() string {
	switch p {
	case EngineRPM:
		return "engine-rpm"
	case VehicleSpeed:
		return "vehicle-speed"
	case CoolantTemp:
		return "coolant-temp"
	case ThrottlePosition:
		return "throttle-position"
	case FuelLevel:
		return "fuel-level"
	case EngineRuntime:
		return "engine-runtime"
	case FuelTrimBank1:
		return "fuel-trim-bank1"
	case IntakePressure:
		return "intake-pressure"
	}
	return "unknown-pid"
}
