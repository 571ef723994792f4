package frame

// FieldID selects the attribute of an endpoint a frame refers to. The same numeric range
// is reused by characteristic fields (client endpoints) and configuration commands
// (config endpoint).
type FieldID uint8

// Characteristic fields, one per sensor characteristic.
const (
	FieldSensorID FieldID = iota
	FieldSensorBeaconFrequency
	FieldSensorFrequency
	FieldSensorLEDState
	FieldSensorThreshold
	FieldSensorConfig
	FieldSensorDataR
	FieldSensorDataW
	FieldBatteryLevel
	FieldManufacturerName
	FieldHardwareRevision
	FieldFirmwareRevision
	FieldSensorStatus
)

// Configuration and run-time command fields.
const (
	FieldConfigHTUPass FieldID = iota
	FieldConfigGyroPass
	FieldConfigLightPass
	FieldConfigSoundPass
	FieldConfigBridgePass
	FieldConfigIRPass
	FieldConfigWifiSSID
	FieldConfigWifiPass
	FieldConfigMasterModuleID
	FieldConfigMasterModuleSec
	FieldConfigMasterModuleURL

	FieldConfigStart
	FieldConfigComplete
	FieldConfigStop
	FieldConfigAck
	FieldConfigError

	FieldRun
	FieldConfigAddDiscoveryService
	FieldConfigAddClientCharacteristic
	FieldConfigClientName
	FieldConfigClientPass
	FieldConfigClientUUID
	FieldConfigStartDiscovery
	FieldRunWriteRspOK
	FieldConfigDiscoveryComplete
	FieldConfigCharDone
	FieldReadChar
	FieldWriteChar

	FieldRunError FieldID = 0xFF
)

// Operation is the access direction of a frame.
type Operation uint8

const (
	OpWrite Operation = 0
	OpRead  Operation = 1
	OpNone  Operation = 0xFF
)

func (o Operation) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpNone:
		return "none"
	default:
		return "unknown"
	}
}
