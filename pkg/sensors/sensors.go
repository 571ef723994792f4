package sensors

import (
	"fmt"

	"github.com/jwoglom/wundergate/pkg/frame"
)

// Kind identifies a sensor board. Its value is the board's client index.
type Kind uint8

const (
	HTU Kind = iota
	Gyro
	Light
	Sound
	Bridge
	IR

	// Count is the number of sensor boards.
	Count = 6
)

// Device names advertised by the boards.
const (
	NameHTU    = "WunderbarHTU"
	NameGyro   = "WunderbarGYRO"
	NameLight  = "WunderbarLIGHT"
	NameMic    = "WunderbarMIC"
	NameBridge = "WunderbarRATH"
	NameIR     = "WunderbarIR"
	NameApp    = "WunderbarApp"

	// NameMaxLen is the longest device name a client slot can store.
	NameMaxLen = 14
	// PasskeyLen is the length of a client passkey.
	PasskeyLen = 8
	// UUIDLen is the length of a sensor id.
	UUIDLen = 16
)

var defaultNames = [Count]string{NameHTU, NameGyro, NameLight, NameMic, NameBridge, NameIR}

func (k Kind) String() string {
	switch k {
	case HTU:
		return "htu"
	case Gyro:
		return "gyro"
	case Light:
		return "light"
	case Sound:
		return "sound"
	case Bridge:
		return "bridge"
	case IR:
		return "ir"
	default:
		return fmt.Sprintf("sensor(%d)", uint8(k))
	}
}

// DefaultName returns the device name a board advertises out of the box.
func (k Kind) DefaultName() string {
	if int(k) >= Count {
		return ""
	}
	return defaultNames[k]
}

// KindByName returns the sensor advertising the given default device name.
func KindByName(name string) (Kind, bool) {
	for i, n := range defaultNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Service UUIDs.
const (
	ServiceRelayr         uint16 = 0x2000
	ServiceConfig         uint16 = 0x2001
	ServiceRelayrOpenComm uint16 = 0x2002

	MaxDiscoveryServices = 3
)

// Characteristic UUIDs.
const (
	CharSensorID        uint16 = 0x2010
	CharBeaconFrequency uint16 = 0x2011
	CharFrequency       uint16 = 0x2012
	CharLEDState        uint16 = 0x2013
	CharThreshold       uint16 = 0x2014
	CharConfig          uint16 = 0x2015
	CharDataR           uint16 = 0x2016
	CharDataW           uint16 = 0x2017
	CharPasskey         uint16 = 0x2018
	CharMITMReqFlag     uint16 = 0x2019

	CharBatteryLevel     uint16 = 0x2A19
	CharManufacturerName uint16 = 0x2A29
	CharHardwareRevision uint16 = 0x2A27
	CharFirmwareRevision uint16 = 0x2A26
)

var charFields = map[uint16]frame.FieldID{
	CharSensorID:         frame.FieldSensorID,
	CharBeaconFrequency:  frame.FieldSensorBeaconFrequency,
	CharFrequency:        frame.FieldSensorFrequency,
	CharLEDState:         frame.FieldSensorLEDState,
	CharThreshold:        frame.FieldSensorThreshold,
	CharConfig:           frame.FieldSensorConfig,
	CharDataR:            frame.FieldSensorDataR,
	CharDataW:            frame.FieldSensorDataW,
	CharBatteryLevel:     frame.FieldBatteryLevel,
	CharManufacturerName: frame.FieldManufacturerName,
	CharHardwareRevision: frame.FieldHardwareRevision,
	CharFirmwareRevision: frame.FieldFirmwareRevision,
}

// FieldForChar maps a characteristic UUID to the field id it is reported under.
func FieldForChar(uuid uint16) (frame.FieldID, bool) {
	f, ok := charFields[uuid]
	return f, ok
}

// CharForField is the inverse of FieldForChar.
func CharForField(field frame.FieldID) (uint16, bool) {
	for uuid, f := range charFields {
		if f == field {
			return uuid, true
		}
	}
	return 0, false
}

// Characteristics lists the UUIDs every sensor board exposes, in field order.
func Characteristics() []uint16 {
	return []uint16{
		CharSensorID, CharBeaconFrequency, CharFrequency, CharLEDState,
		CharThreshold, CharConfig, CharDataR, CharDataW,
		CharBatteryLevel, CharManufacturerName, CharHardwareRevision, CharFirmwareRevision,
	}
}
