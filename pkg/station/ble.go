package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
)

// Errors returned by the BLE link.
var (
	ErrNotConnected = errors.New("station: not connected")
	ErrScanTimeout  = errors.New("station: scan timeout, device not found")
)

// Link is the raw BLE connection to one CP02 station: scan-by-name,
// connect, discover the service and its two characteristics, enable
// notifications on TX, and write to RX without response.
type Link struct {
	adapter *bluetooth.Adapter

	mu      sync.RWMutex
	device  *bluetooth.Device
	rx      *bluetooth.DeviceCharacteristic
	tx      *bluetooth.DeviceCharacteristic
	address string
	notify  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLink returns a Link bound to the default BLE adapter.
func NewLink() *Link {
	return &Link{
		adapter: bluetooth.DefaultAdapter,
		notify:  make(chan []byte, 64),
	}
}

// Connect scans for a device whose advertised name has AdvertisedNamePrefix
// (or matches address, if non-empty), connects, discovers ServiceUUID and
// both characteristics, and enables notifications on TX.
func (l *Link) Connect(ctx context.Context, address string, scanTimeout time.Duration) error {
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("station: enable BLE adapter: %w", err)
	}

	l.ctx, l.cancel = context.WithCancel(ctx)

	var result bluetooth.ScanResult
	found := make(chan struct{})
	var once sync.Once

	err := l.adapter.Scan(func(adapter *bluetooth.Adapter, sr bluetooth.ScanResult) {
		match := false
		if address != "" {
			match = sr.Address.String() == address
		} else {
			name := sr.LocalName()
			match = len(name) >= len(AdvertisedNamePrefix) && name[:len(AdvertisedNamePrefix)] == AdvertisedNamePrefix
		}
		if !match {
			return
		}
		once.Do(func() {
			result = sr
			adapter.StopScan()
			close(found)
		})
	})
	if err != nil {
		return fmt.Errorf("station: start scan: %w", err)
	}

	select {
	case <-found:
	case <-time.After(scanTimeout):
		l.adapter.StopScan()
		return ErrScanTimeout
	case <-ctx.Done():
		l.adapter.StopScan()
		return ctx.Err()
	}

	device, err := l.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("station: connect: %w", err)
	}

	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("station: parse service uuid: %w", err)
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return fmt.Errorf("station: discover service: %w", err)
	}

	rxUUID, _ := bluetooth.ParseUUID(CharacteristicRXUUID)
	txUUID, _ := bluetooth.ParseUUID(CharacteristicTXUUID)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{rxUUID, txUUID})
	if err != nil || len(chars) < 2 {
		device.Disconnect()
		return fmt.Errorf("station: discover characteristics: %w", err)
	}

	l.mu.Lock()
	for i := range chars {
		if chars[i].UUID() == rxUUID {
			l.rx = &chars[i]
		}
		if chars[i].UUID() == txUUID {
			l.tx = &chars[i]
		}
	}
	l.device = &device
	l.address = result.Address.String()
	l.mu.Unlock()

	if l.rx == nil || l.tx == nil {
		device.Disconnect()
		return errors.New("station: TX or RX characteristic not found")
	}

	err = l.tx.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case l.notify <- data:
		default:
			logger.Global().Warn("station: notification buffer full, dropping frame")
		}
	})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("station: enable notifications: %w", err)
	}

	return nil
}

// DeviceInfo is one scan result. The address doubles as the token store
// key once a connection is made.
type DeviceInfo struct {
	Name    string
	Address string
	RSSI    int16
}

// ScanDevices runs a standalone scan, collecting every advertisement
// whose local name has AdvertisedNamePrefix until timeout elapses, without
// connecting to any of them.
func (l *Link) ScanDevices(ctx context.Context, timeout time.Duration) ([]DeviceInfo, error) {
	if err := l.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("station: enable BLE adapter: %w", err)
	}

	var mu sync.Mutex
	var found []DeviceInfo
	seen := make(map[string]bool)

	err := l.adapter.Scan(func(adapter *bluetooth.Adapter, sr bluetooth.ScanResult) {
		name := sr.LocalName()
		if len(name) < len(AdvertisedNamePrefix) || name[:len(AdvertisedNamePrefix)] != AdvertisedNamePrefix {
			return
		}
		addr := sr.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		found = append(found, DeviceInfo{Name: name, Address: addr, RSSI: int16(sr.RSSI)})
	})
	if err != nil {
		return nil, fmt.Errorf("station: start scan: %w", err)
	}

	select {
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	l.adapter.StopScan()

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

// Disconnect tears down the link.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.device != nil {
		err := l.device.Disconnect()
		l.device = nil
		l.rx, l.tx = nil, nil
		l.address = ""
		return err
	}
	return nil
}

// Address returns the connected device's BLE address, or "" if disconnected.
func (l *Link) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.address
}

// Write sends a raw frame via WriteWithoutResponse on the RX
// characteristic; the protocol does its own response pairing, so no
// transport-level acknowledgement is requested.
func (l *Link) Write(data []byte) error {
	l.mu.RLock()
	rx := l.rx
	l.mu.RUnlock()
	if rx == nil {
		return ErrNotConnected
	}
	_, err := rx.WriteWithoutResponse(data)
	return err
}

// Notifications returns the channel of raw notification payloads received
// on TX.
func (l *Link) Notifications() <-chan []byte {
	return l.notify
}
