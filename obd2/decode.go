package obd2

// DecodeEngineSpeed decodes PID 0x0C: ((A*256)+B)/4 rpm.
func DecodeEngineSpeed(a, b byte) uint16 {
	return (uint16(a)*256 + uint16(b)) / 4
}

// DecodeVehicleSpeed decodes PID 0x0D: A km/h.
func DecodeVehicleSpeed(a byte) uint8 {
	return a
}

// DecodeCoolantTemp decodes PID 0x05: A-40 degrees C.
func DecodeCoolantTemp(a byte) int16 {
	return int16(a) - 40
}

// DecodeThrottlePosition decodes PID 0x11: A*100/255 percent, truncating.
func DecodeThrottlePosition(a byte) uint8 {
	return uint8(uint16(a) * 100 / 255)
}
