package station

import (
	"context"
	"fmt"
)

// Params accessor helpers. JSON-decoded params arrive as
// map[string]interface{} with numbers as float64 - these centralize the
// type coercion so individual Build functions stay short.

func requireUint8(p Params, key string) (uint8, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadArgument, key)
	}
	return toUint8(v)
}

func optionalUint8(p Params, key string, def uint8) uint8 {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := toUint8(v)
	if err != nil {
		return def
	}
	return n
}

func toUint8(v interface{}) (uint8, error) {
	switch n := v.(type) {
	case float64:
		return uint8(n), nil
	case int:
		return uint8(n), nil
	case uint8:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: expected number", ErrBadArgument)
	}
}

func requireString(p Params, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrBadArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrBadArgument, key)
	}
	return s, nil
}

func optionalBool(p Params, key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// noPayload builds a request with no body (beyond the token the
// dispatcher may prefix).
func noPayload(Params) ([]byte, error) { return nil, nil }

// identityParser wraps ParseDeviceIdentity for actions that return a flat
// string.
func identityParser(resp *Frame) (interface{}, error) {
	return ParseDeviceIdentity(resp.Payload), nil
}

func byteParser(resp *Frame) (interface{}, error) {
	return ParseDisplayByte(resp.Payload), nil
}

// actionTable builds the full action catalog, keyed by action name.
func actionTable() map[string]Handler {
	h := map[string]Handler{}

	// --- Identity ---
	h["get_model"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetDeviceModel, nil, nil },
		Parse: identityParser,
	}
	h["get_serial"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcSerial, nil, nil },
		Parse: identityParser,
	}
	h["get_uptime"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcUptime, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseUptimeSeconds(resp.Payload), nil },
	}
	h["get_ap_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcAPVersion, nil, nil }, Parse: identityParser}
	h["get_bp_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcBPVersion, nil, nil }, Parse: identityParser}
	h["get_fpga_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcFPGAVersion, nil, nil }, Parse: identityParser}
	h["get_zrlib_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcZRLIBVersion, nil, nil }, Parse: identityParser}
	h["get_sw3566_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcSW3566Version, nil, nil }, Parse: identityParser}
	h["get_mcu_version"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcMCUVersion, nil, nil }, Parse: identityParser}
	h["get_ble_address"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcBLEAddr, nil, nil }, Parse: identityParser}
	// get_firmware_versions is a composite action handled specially by
	// Dispatcher.Dispatch (it issues several sends); registering it here
	// with a nil Build would be misleading, so it is absent from this
	// table and instead checked for by name before the lookup.

	// --- Port control ---
	h["turn_on_port"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcTurnOn, []byte{port}, nil
		},
	}
	h["turn_off_port"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcTurnOff, []byte{port}, nil
		},
	}
	h["get_all_power_statistics"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcAllPowerStats, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseAllPortStatistics(resp.Payload), nil },
	}
	h["get_power_statistics"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcPowerStats, []byte{port}, nil
		},
		Parse: func(resp *Frame) (interface{}, error) { return ParsePortStatistics(resp.Payload), nil },
	}
	h["get_power_supply_status"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcPowerSupplyStatus, nil, nil },
		Parse: byteParser,
	}
	h["get_port_pd_status"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcPDStatus, []byte{port}, nil
		},
		Parse: func(resp *Frame) (interface{}, error) { return ParsePortPdStatus(resp.Payload), nil },
	}
	h["get_port_priority"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcGetPriority, []byte{port}, nil
		},
		Parse: byteParser,
	}
	h["set_port_priority"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			priority, err := requireUint8(p, "priority")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetPriority, []byte{port, priority}, nil
		},
	}
	h["get_port_config"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcGetConfig, []byte{port}, nil
		},
		Parse: func(resp *Frame) (interface{}, error) { return ParsePortFeatures(resp.Payload).Map(), nil },
	}
	// set_port_config writes the protocol word for every port selected by
	// port_mask (bit N = port N), defaulting to all ports.
	h["set_port_config"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			mask := optionalUint8(p, "port_mask", 0xFF)
			protocols := map[string]bool{}
			if raw, ok := p["protocols"].(map[string]interface{}); ok {
				for name, v := range raw {
					if enabled, ok := v.(bool); ok {
						protocols[name] = enabled
					}
				}
			}
			features := EncodePortFeatures(PortFeaturesFromMap(protocols))
			return SvcSetConfig, append([]byte{mask}, features...), nil
		},
	}
	h["get_port_compatibility"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetCompat, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseCompatibilitySettings(resp.Payload), nil },
	}
	h["set_port_compatibility"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			settings := CompatibilitySettings{
				TFCP:  optionalBool(p, "tfcp", false),
				FCP:   optionalBool(p, "fcp", false),
				UFCS:  optionalBool(p, "ufcs", false),
				HVSCP: optionalBool(p, "hv_scp", false),
				LVSCP: optionalBool(p, "lv_scp", false),
			}
			return SvcSetCompat, EncodeCompatibilitySettings(settings), nil
		},
	}
	h["get_power_historical_stats"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcHistStats, []byte{port}, nil
		},
		Parse: func(resp *Frame) (interface{}, error) { return ParsePowerHistoricalStats(resp.Payload), nil },
	}
	h["get_port_max_power"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			return SvcGetPortMaxPower, []byte{port}, nil
		},
		Parse: byteParser,
	}
	h["set_port_max_power"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			port, err := requireUint8(p, "port_id")
			if err != nil {
				return 0, nil, err
			}
			watts, err := requireUint8(p, "max_power_w")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetPortMaxPower, []byte{port, watts}, nil
		},
	}

	// --- Power allocator ---
	h["get_max_power"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetMaxPower, nil, nil },
		Parse: byteParser,
	}
	h["set_max_power"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			watts, err := requireUint8(p, "max_power_w")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetMaxPower, []byte{watts}, nil
		},
	}
	// MANAGE_POWER_CONFIG multiplexes a read and a write of the allocator
	// config record behind one service; the first payload byte selects the
	// operation.
	h["get_power_config"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcManagePowerConfig, []byte{0x00}, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParsePowerConfig(resp.Payload), nil },
	}
	h["set_power_config"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			cfg := PowerConfig{
				Version:         optionalUint8(p, "version", 1),
				MaxPowerW:       optionalUint8(p, "max_power_w", 0),
				CooldownSeconds: uint32(optionalUint8(p, "cooldown_period_s", 0)),
				ApplySeconds:    uint32(optionalUint8(p, "apply_period_s", 0)),
				TemperatureMode: TemperatureMode(optionalUint8(p, "temperature_mode", 0)),
			}
			return SvcManagePowerConfig, append([]byte{0x01}, EncodePowerConfig(cfg)...), nil
		},
	}
	h["get_strategy"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetStrategy, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseChargingStrategy(resp.Payload), nil },
	}
	h["set_strategy"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			mode, err := requireUint8(p, "mode")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetStrategy, []byte{mode}, nil
		},
	}
	h["set_temperature_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			mode, err := requireUint8(p, "mode")
			if err != nil {
				return 0, nil, err
			}
			return SvcTempMode, []byte{mode}, nil
		},
	}
	h["get_charging_status"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcChargingStatus, nil, nil },
		Parse: byteParser,
	}
	h["get_start_charge_timestamp"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcStartTS, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseUptimeSeconds(resp.Payload), nil },
	}

	// --- Display ---
	h["get_display_intensity"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetIntensity, nil, nil }, Parse: byteParser}
	h["set_display_intensity"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			v, err := requireUint8(p, "value")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetIntensity, []byte{v}, nil
		},
	}
	h["get_display_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetMode, nil, nil }, Parse: byteParser}
	h["set_display_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			v, err := requireUint8(p, "value")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetMode, []byte{v}, nil
		},
	}
	h["get_display_flip"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetFlip, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseDisplayByte(resp.Payload) != 0, nil },
	}
	h["set_display_flip"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			return SvcSetFlip, []byte{boolByte(optionalBool(p, "flipped", false))}, nil
		},
	}

	// --- System preferences ---
	h["get_night_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetNightMode, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseNightModeWindow(resp.Payload), nil },
	}
	h["set_night_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			w := NightModeWindow{
				StartHour:   optionalUint8(p, "start_hour", 0),
				StartMinute: optionalUint8(p, "start_minute", 0),
				EndHour:     optionalUint8(p, "end_hour", 0),
				EndMinute:   optionalUint8(p, "end_minute", 0),
				Enabled:     optionalBool(p, "enabled", true),
			}
			return SvcSetNightMode, EncodeNightModeWindow(w), nil
		},
	}
	h["get_language"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetLanguage, nil, nil }, Parse: byteParser}
	h["set_language"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			v, err := requireUint8(p, "language")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetLanguage, []byte{v}, nil
		},
	}
	h["get_led_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetLEDMode, nil, nil }, Parse: byteParser}
	h["set_led_mode"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			v, err := requireUint8(p, "mode")
			if err != nil {
				return 0, nil, err
			}
			return SvcSetLEDMode, []byte{v}, nil
		},
	}
	h["get_auto_off"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetAutoOff, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseDisplayByte(resp.Payload) != 0, nil },
	}
	h["set_auto_off"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			return SvcSetAutoOff, []byte{boolByte(optionalBool(p, "enabled", false))}, nil
		},
	}
	h["get_screen_saver"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetScreenSaver, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseDisplayByte(resp.Payload) != 0, nil },
	}
	h["set_screen_saver"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			return SvcSetScreenSaver, []byte{boolByte(optionalBool(p, "enabled", false))}, nil
		},
	}

	// --- WiFi ---
	h["get_wifi_status"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcGetWifiStatus, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseWifiStatus(resp.Payload), nil },
	}
	h["scan_wifi"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcScanWifi, nil, nil },
	}
	h["get_wifi_scan_result"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcScanResult, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return ParseWifiScanResults(resp.Payload), nil },
	}
	h["set_wifi_ssid_password"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			ssid, err := requireString(p, "ssid")
			if err != nil {
				return 0, nil, err
			}
			password, _ := p["password"].(string)
			payload := append([]byte(ssid), 0x00)
			payload = append(payload, []byte(password)...)
			return SvcSetSSIDPassword, payload, nil
		},
	}
	h["reset_wifi"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcResetWifi, nil, nil },
	}

	// --- OTA. The firmware image travels over WiFi; this surface only
	// triggers the update and polls its progress. ---
	h["start_wifi_ota"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			url, err := requireString(p, "url")
			if err != nil {
				return 0, nil, err
			}
			return SvcWifiOTA, []byte(url), nil
		},
	}
	h["get_ota_progress"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcOTAProgress, nil, nil }, Parse: byteParser}
	h["confirm_ota"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcConfirmOTA, nil, nil },
	}

	// --- Device lifecycle ---
	h["associate_device"] = Handler{RequiresConnected: true, RequiresToken: false,
		Build: func(Params) (Service, []byte, error) { return SvcAssociateDevice, nil, nil },
		Parse: identityParser,
	}
	h["unbind_device"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcUnbind, nil, nil },
	}
	h["factory_reset"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcFactoryReset, nil, nil },
	}
	h["reboot_device"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcReboot, nil, nil },
	}
	h["ping_mqtt"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcPingMQTT, nil, nil },
	}
	h["ping_http"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcPingHTTP, nil, nil },
	}
	h["echo_test"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(p Params) (Service, []byte, error) {
			msg, _ := p["message"].(string)
			return SvcBLEEcho, []byte(msg), nil
		},
		Parse: func(resp *Frame) (interface{}, error) { return string(resp.Payload), nil },
	}
	h["get_debug_log"] = Handler{RequiresConnected: true, RequiresToken: true,
		Build: func(Params) (Service, []byte, error) { return SvcDebugLog, nil, nil },
		Parse: func(resp *Frame) (interface{}, error) { return string(resp.Payload), nil },
	}

	return h
}

// getFirmwareVersions implements the composite "get_firmware_versions"
// action: it issues the underlying version queries in sequence and
// assembles one struct, since no single wire response carries all of them
// together.
func (d *Dispatcher) getFirmwareVersions(ctx context.Context) Result {
	session := d.sv.Session()
	if session == nil {
		return errResult(ErrNotConnected)
	}
	tokMgr := d.sv.TokenManager()
	tok, err := tokMgr.Ensure(ctx)
	if err != nil {
		return errResult(err)
	}

	fetch := func(svc Service) (string, error) {
		resp, err := d.execute(ctx, session, svc, []byte{tok})
		if err != nil {
			return "", err
		}
		return ParseDeviceIdentity(resp.Payload), nil
	}

	var versions FirmwareVersions
	var fetchErr error
	for _, pair := range []struct {
		svc Service
		dst *string
	}{
		{SvcAPVersion, &versions.AP},
		{SvcBPVersion, &versions.BP},
		{SvcFPGAVersion, &versions.FPGA},
		{SvcZRLIBVersion, &versions.ZRLIB},
		{SvcSW3566Version, &versions.SW3566},
		{SvcMCUVersion, &versions.MCU},
	} {
		v, err := fetch(pair.svc)
		if err != nil {
			fetchErr = err
			break
		}
		*pair.dst = v
	}
	if fetchErr != nil {
		return errResult(fetchErr)
	}
	return Result{Success: true, Data: versions}
}
