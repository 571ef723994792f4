package sensors

import "github.com/jwoglom/wundergate/pkg/frame"

// Packed sizes of the characteristic values. Enumerations are one byte wide.
const (
	sizeSensorID        = UUIDLen
	sizeBeaconFrequency = 4
	sizeFrequency       = 4
	sizeLEDState        = 1
	sizeBatteryLevel    = 1
	sizeSensorStatus    = 16

	sizeThresholdInt16 = 6
	sizeThresholdInt32 = 12
)

func thresholdSize(k Kind) int {
	switch k {
	case HTU:
		return 2 * sizeThresholdInt16
	case Gyro:
		return sizeThresholdInt32 + sizeThresholdInt16
	case Light:
		return 2 * sizeThresholdInt16
	case Sound:
		return sizeThresholdInt16
	default:
		return 0
	}
}

func configSize(k Kind) int {
	switch k {
	case HTU:
		return 1
	case Gyro:
		return 2
	case Light:
		return 2
	case Bridge:
		return 4
	default:
		return 0
	}
}

func dataSize(k Kind) int {
	switch k {
	case HTU:
		return 4
	case Gyro:
		return 3*4 + 3*2
	case Light:
		return 5 * 2
	case Sound:
		return 2
	case Bridge:
		return 1 + 19
	case IR:
		return 1
	default:
		return 0
	}
}

// MessageSize returns the number of payload bytes a characteristic value of the given
// field occupies for sensor k. Zero means the sensor has no such value.
func MessageSize(k Kind, field frame.FieldID) int {
	switch field {
	case frame.FieldSensorID:
		return sizeSensorID
	case frame.FieldSensorBeaconFrequency:
		return sizeBeaconFrequency
	case frame.FieldSensorFrequency:
		return sizeFrequency
	case frame.FieldSensorLEDState:
		return sizeLEDState
	case frame.FieldSensorThreshold:
		return thresholdSize(k)
	case frame.FieldSensorConfig:
		return configSize(k)
	case frame.FieldSensorDataR, frame.FieldSensorDataW:
		return dataSize(k)
	case frame.FieldBatteryLevel:
		return sizeBatteryLevel
	case frame.FieldSensorStatus:
		return sizeSensorStatus
	case frame.FieldManufacturerName, frame.FieldHardwareRevision, frame.FieldFirmwareRevision:
		return frame.PayloadSize
	default:
		return 0
	}
}
