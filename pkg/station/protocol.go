// Package station implements the CP02 BLE fast-charging station protocol:
// frame codec, response parsers, token acquisition, session management, and
// the command dispatcher that exposes them as a uniform action surface.
package station

import "fmt"

// GATT surface of the CP02 family.
const (
	ServiceUUID          = "048e3f2e-e1a6-4707-9e74-a930e898a1ea"
	CharacteristicTXUUID = "148e3f2e-e1a6-4707-9e74-a930e898a1ea"
	CharacteristicRXUUID = "248e3f2e-e1a6-4707-9e74-a930e898a1ea"

	// AdvertisedNamePrefix identifies CP02-family devices during scan.
	AdvertisedNamePrefix = "CP02-"
)

// Flags is the header flags field.
type Flags uint8

const (
	FlagNone Flags = iota
	FlagSYN
	FlagACK
	FlagFIN
	FlagRST
	FlagSynAck

	// Fragmentation flags are reserved by the protocol. No in-scope
	// command exceeds a single MTU, so the session never sets or
	// interprets them.
	FlagFragFirst Flags = 0x10
	FlagFragMore  Flags = 0x20
	FlagFragLast  Flags = 0x40
)

// Service is the 8-bit command identifier. Requests carry the positive
// value; responses arrive with the high bit set, making the byte negative
// as an i8.
type Service uint8

// IsResponse reports whether a service byte, read as its two's-complement
// signed interpretation, marks the frame as a response to a request.
func (s Service) IsResponse() bool {
	return int8(s) < 0
}

const (
	// Test group.
	SvcBLEEcho  Service = 0x00
	SvcDebugLog Service = 0x01
	SvcPingMQTT Service = 0x03
	SvcPingHTTP Service = 0x04

	// Device group.
	SvcAssociateDevice Service = 0x10
	SvcReboot          Service = 0x11
	SvcReset           Service = 0x12
	SvcSerial          Service = 0x13
	SvcUptime          Service = 0x14
	SvcAPVersion       Service = 0x15
	SvcBPVersion       Service = 0x16
	SvcFPGAVersion     Service = 0x17
	SvcZRLIBVersion    Service = 0x18
	SvcBLEAddr         Service = 0x19
	SvcSW3566Version   Service = 0x1a
	SvcMCUVersion      Service = 0x1b
	SvcGetDeviceModel  Service = 0x1c
	SvcUnbind          Service = 0x1d
	SvcFactoryReset    Service = 0x1e

	// OTA group.
	SvcWifiOTA     Service = 0x21
	SvcOTAProgress Service = 0x22
	SvcConfirmOTA  Service = 0x23

	// WiFi group.
	SvcScanWifi        Service = 0x30
	SvcScanResult      Service = 0x31
	SvcResetWifi       Service = 0x33
	SvcGetWifiStatus   Service = 0x34
	SvcSetSSIDPassword Service = 0x36

	// Power group.
	SvcManagePowerConfig Service = 0x0a
	SvcPowerStats        Service = 0x41
	SvcPowerSupplyStatus Service = 0x42
	SvcSetStrategy       Service = 0x43
	SvcChargingStatus    Service = 0x44
	SvcHistStats         Service = 0x45
	SvcSetPriority       Service = 0x46
	SvcGetPriority       Service = 0x47
	SvcGetStrategy       Service = 0x48
	SvcPDStatus          Service = 0x49
	SvcAllPowerStats     Service = 0x4a
	SvcStartTS           Service = 0x4b
	SvcTurnOn            Service = 0x4c
	SvcTurnOff           Service = 0x4d
	SvcSetMaxPower       Service = 0x4e
	SvcGetMaxPower       Service = 0x4f
	SvcSetPortMaxPower   Service = 0x50
	SvcGetPortMaxPower   Service = 0x51
	SvcSetConfig         Service = 0x57
	SvcGetConfig         Service = 0x58
	SvcSetCompat         Service = 0x59
	SvcGetCompat         Service = 0x5a
	SvcTempMode          Service = 0x5b

	// Display group.
	SvcSetIntensity Service = 0x70
	SvcSetMode      Service = 0x71
	SvcGetIntensity Service = 0x72
	SvcGetMode      Service = 0x73
	SvcSetFlip      Service = 0x74
	SvcGetFlip      Service = 0x75

	// System preferences group.
	SvcSetNightMode   Service = 0x80
	SvcGetNightMode   Service = 0x81
	SvcSetLanguage    Service = 0x82
	SvcGetLanguage    Service = 0x83
	SvcSetLEDMode     Service = 0x84
	SvcGetLEDMode     Service = 0x85
	SvcSetAutoOff     Service = 0x86
	SvcGetAutoOff     Service = 0x87
	SvcSetScreenSaver Service = 0x88
	SvcGetScreenSaver Service = 0x89
)

// TokenExempt services never get the current token prefixed to their
// payload. ASSOCIATE_DEVICE is the only one: it is how a client introduces
// itself before it holds a token.
func (s Service) TokenExempt() bool {
	return s == SvcAssociateDevice
}

// FastChargingProtocol is the per-port negotiated fast-charging protocol.
type FastChargingProtocol uint8

const (
	ProtoNone        FastChargingProtocol = 0
	ProtoQC2         FastChargingProtocol = 1
	ProtoQC3         FastChargingProtocol = 2
	ProtoQC3Plus     FastChargingProtocol = 3
	ProtoSFCP        FastChargingProtocol = 4
	ProtoAFC         FastChargingProtocol = 5
	ProtoFCP         FastChargingProtocol = 6
	ProtoSCP         FastChargingProtocol = 7
	ProtoVOOC1       FastChargingProtocol = 8
	ProtoVOOC4       FastChargingProtocol = 9
	ProtoSuperVOOC2  FastChargingProtocol = 10
	ProtoTFCP        FastChargingProtocol = 11
	ProtoUFCS        FastChargingProtocol = 12
	ProtoPE1         FastChargingProtocol = 13
	ProtoPE2         FastChargingProtocol = 14
	ProtoPD5V        FastChargingProtocol = 15
	ProtoPDHV        FastChargingProtocol = 16
	ProtoPDSPRAVS    FastChargingProtocol = 17
	ProtoPDPPS       FastChargingProtocol = 18
	ProtoPDEPRHV     FastChargingProtocol = 19
	ProtoPDAVS       FastChargingProtocol = 20
	ProtoNotCharging FastChargingProtocol = 0xFF
)

var protocolNames = map[FastChargingProtocol]string{
	ProtoNone: "none", ProtoQC2: "QC2.0", ProtoQC3: "QC3.0", ProtoQC3Plus: "QC3+",
	ProtoSFCP: "SFCP", ProtoAFC: "AFC", ProtoFCP: "FCP", ProtoSCP: "SCP",
	ProtoVOOC1: "VOOC1", ProtoVOOC4: "VOOC4", ProtoSuperVOOC2: "SuperVOOC2",
	ProtoTFCP: "TFCP", ProtoUFCS: "UFCS", ProtoPE1: "PE1", ProtoPE2: "PE2",
	ProtoPD5V: "PD5V", ProtoPDHV: "PD HV", ProtoPDSPRAVS: "PD SPR AVS",
	ProtoPDPPS: "PD PPS", ProtoPDEPRHV: "PD EPR HV", ProtoPDAVS: "PD AVS",
	ProtoNotCharging: "not-charging",
}

// String returns the protocol's human name. Values 21-254 are unassigned
// in the device's table and render as "unknown(n)".
func (p FastChargingProtocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// CompatibilityMask is the 5-bit legacy fast-charging compatibility mask.
type CompatibilityMask uint8

const (
	CompatTFCP  CompatibilityMask = 1 << 0
	CompatFCP   CompatibilityMask = 1 << 1
	CompatUFCS  CompatibilityMask = 1 << 2
	CompatHVSCP CompatibilityMask = 1 << 3
	CompatLVSCP CompatibilityMask = 1 << 4
)

// ChargingStrategyMode is the power allocator's mode.
type ChargingStrategyMode uint8

const (
	StrategySlow ChargingStrategyMode = iota
	StrategyStatic
	StrategyTemporary
	StrategyUSBA
)

// TemperatureMode selects how the allocator trades off power vs. heat.
type TemperatureMode uint8

const (
	TempModePowerPriority TemperatureMode = iota
	TempModeTemperaturePriority
)
