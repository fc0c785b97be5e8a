package freenect2

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Manager enumerates devices of a driver and opens them.
type Manager struct {
	driver Driver

	mu      sync.Mutex
	devices map[*Device]struct{}
	closed  bool
}

// NewManager creates a device manager on top of driver.
func NewManager(driver Driver) *Manager {
	return &Manager{
		driver:  driver,
		devices: make(map[*Device]struct{}),
	}
}

// Driver returns the underlying driver.
func (m *Manager) Driver() Driver {
	return m.driver
}

// EnumerateDevices returns the number of connected devices.
func (m *Manager) EnumerateDevices() (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	n, err := m.driver.Enumerate()
	if err != nil {
		return 0, fmt.Errorf("enumerate devices: %w", err)
	}
	return n, nil
}

// DeviceSerialNumber returns the serial of the device at index.
func (m *Manager) DeviceSerialNumber(index int) (string, error) {
	n, err := m.EnumerateDevices()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= n {
		return "", fmt.Errorf("%w: device %d of %d", ErrIndex, index, n)
	}
	return m.driver.SerialAt(index)
}

// DefaultDeviceSerialNumber returns the serial of the first device.
func (m *Manager) DefaultDeviceSerialNumber() (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	serial, err := m.driver.DefaultSerial()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	return serial, nil
}

// OpenDevice opens a device selected by integer index or serial string. When
// pipeline is non-nil it is moved into the device and must not be reused.
func (m *Manager) OpenDevice(selector any, pipeline *Pipeline) (*Device, error) {
	switch v := selector.(type) {
	case string:
		return m.open(pipeline, func(native NativePipeline) (NativeDevice, error) {
			return m.driver.OpenSerial(v, native)
		}, v)
	default:
		rv := reflect.ValueOf(selector)
		if !rv.IsValid() {
			return nil, fmt.Errorf("%w: nil device selector", ErrValue)
		}
		var index int
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			index = int(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			index = int(rv.Uint())
		default:
			return nil, fmt.Errorf("%w: device selector of type %T", ErrValue, selector)
		}
		n, err := m.EnumerateDevices()
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= n {
			return nil, fmt.Errorf("%w: no device at index %d (%d connected)", ErrDeviceNotFound, index, n)
		}
		return m.open(pipeline, func(native NativePipeline) (NativeDevice, error) {
			return m.driver.OpenIndex(index, native)
		}, index)
	}
}

// OpenDefaultDevice opens the first device.
func (m *Manager) OpenDefaultDevice(pipeline *Pipeline) (*Device, error) {
	serial, err := m.DefaultDeviceSerialNumber()
	if err != nil {
		return nil, err
	}
	return m.OpenDevice(serial, pipeline)
}

func (m *Manager) open(pipeline *Pipeline, open func(NativePipeline) (NativeDevice, error), selector any) (*Device, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var native NativePipeline
	kind := PipelineCPU
	if pipeline != nil {
		var err error
		if native, err = pipeline.take(); err != nil {
			return nil, err
		}
		kind = pipeline.Kind()
	}

	nd, err := open(native)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %v: %w", ErrDeviceNotFound, selector, err)
	}

	dev := newDevice(m, nd, kind)
	m.mu.Lock()
	m.devices[dev] = struct{}{}
	m.mu.Unlock()

	slog.Info("freenect2: device opened", "serial", dev.serial, "firmware", dev.firmware, "pipeline", kind)
	return dev, nil
}

func (m *Manager) forget(d *Device) {
	m.mu.Lock()
	delete(m.devices, d)
	m.mu.Unlock()
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager closed", ErrUseAfterClose)
	}
	return nil
}

// Close closes every device still open and then the driver.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := make([]*Device, 0, len(m.devices))
	for d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.Close(); err != nil && !errors.Is(err, ErrUseAfterClose) {
			errs = append(errs, err)
		}
	}
	if err := m.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close driver: %w", err))
	}
	return errors.Join(errs...)
}
