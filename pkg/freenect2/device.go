package freenect2

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is a device lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Device is an open capture device. It is created by Manager and moves through
// Opened, Started, Stopped and finally Closed; a closed device rejects every
// call with ErrUseAfterClose.
type Device struct {
	mu       sync.Mutex
	native   NativeDevice
	state    State
	pipeline PipelineKind
	manager  *Manager

	serial   string
	firmware string
	color    ColorCameraParams
	ir       IrCameraParams

	listeners []*Listener
	// attached maps each stream group to the listener receiving it.
	attached map[FrameType]*Listener
}

func newDevice(m *Manager, native NativeDevice, kind PipelineKind) *Device {
	return &Device{
		native:   native,
		state:    StateOpened,
		pipeline: kind,
		manager:  m,
		serial:   native.Serial(),
		firmware: native.FirmwareVersion(),
		color:    native.ColorIntrinsics(),
		ir:       native.IrIntrinsics(),
	}
}

// State returns the lifecycle state. It is valid after Close.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// PipelineKind returns the backend the device was opened with.
func (d *Device) PipelineKind() PipelineKind {
	return d.pipeline
}

// SerialNumber returns the device serial.
func (d *Device) SerialNumber() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return d.serial, nil
}

// FirmwareVersion returns the device firmware version.
func (d *Device) FirmwareVersion() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return "", err
	}
	return d.firmware, nil
}

// ColorCameraParams returns the color intrinsics.
func (d *Device) ColorCameraParams() (ColorCameraParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return ColorCameraParams{}, err
	}
	return d.color, nil
}

// IrCameraParams returns the IR intrinsics.
func (d *Device) IrCameraParams() (IrCameraParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return IrCameraParams{}, err
	}
	return d.ir, nil
}

// SetConfig applies depth processing settings. Not allowed while streaming.
func (d *Device) SetConfig(cfg DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.state == StateStarted {
		return &StateError{Op: "SetConfig", State: d.state}
	}
	if cfg.MinDepth < 0 || cfg.MaxDepth <= cfg.MinDepth {
		return fmt.Errorf("%w: depth range [%g, %g]", ErrArgument, cfg.MinDepth, cfg.MaxDepth)
	}
	return d.native.SetConfig(cfg)
}

// SetColorFrameListener attaches l to the color stream. Only valid before Start.
func (d *Device) SetColorFrameListener(l *Listener) error {
	return d.setListener("SetColorFrameListener", Color, l)
}

// SetIrAndDepthFrameListener attaches l to the IR and depth streams. Only valid
// before Start.
func (d *Device) SetIrAndDepthFrameListener(l *Listener) error {
	return d.setListener("SetIrAndDepthFrameListener", Ir|Depth, l)
}

func (d *Device) setListener(op string, group FrameType, l *Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.state != StateOpened {
		return &StateError{Op: op, State: d.state}
	}
	if l.Types()&group == 0 {
		return fmt.Errorf("%w: listener for %s does not accept %s", ErrValue, l.Types(), group)
	}
	if err := d.native.SetListener(group, l); err != nil {
		return fmt.Errorf("set %s listener: %w", group, err)
	}
	if d.attached == nil {
		d.attached = make(map[FrameType]*Listener)
	}
	d.attached[group] = l
	for _, existing := range d.listeners {
		if existing == l {
			return nil
		}
	}
	d.listeners = append(d.listeners, l)
	return nil
}

// checkCoverageLocked fails when an attached listener subscribes to a channel
// that none of its started groups delivers.
func (d *Device) checkCoverageLocked(color, depth bool) error {
	covered := make(map[*Listener]FrameType)
	if l := d.attached[Color]; l != nil && color {
		covered[l] |= Color
	}
	if l := d.attached[Ir|Depth]; l != nil && depth {
		covered[l] |= Ir | Depth
	}
	for _, l := range d.listeners {
		c, ok := covered[l]
		if !ok {
			continue
		}
		if missing := l.Types() &^ c; missing != 0 {
			return fmt.Errorf("%w: listener for %s would never receive %s", ErrValue, l.Types(), missing)
		}
	}
	return nil
}

// Start starts the color and depth streams.
func (d *Device) Start() error {
	return d.StartStreams(true, true)
}

// StartStreams starts the selected streams. A stopped device may be started again.
func (d *Device) StartStreams(color, depth bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.state != StateOpened && d.state != StateStopped {
		return &StateError{Op: "Start", State: d.state}
	}
	if !color && !depth {
		return fmt.Errorf("%w: no stream selected", ErrArgument)
	}
	if err := d.checkCoverageLocked(color, depth); err != nil {
		return err
	}
	if err := d.native.StartStreams(color, depth); err != nil {
		return fmt.Errorf("start device %s: %w", d.serial, err)
	}
	d.state = StateStarted
	slog.Info("freenect2: device started", "serial", d.serial, "color", color, "depth", depth)
	return nil
}

// Stop stops streaming.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpenLocked(); err != nil {
		return err
	}
	if d.state != StateStarted {
		return &StateError{Op: "Stop", State: d.state}
	}
	if err := d.native.Stop(); err != nil {
		return fmt.Errorf("stop device %s: %w", d.serial, err)
	}
	d.state = StateStopped
	slog.Info("freenect2: device stopped", "serial", d.serial)
	return nil
}

// Close stops the device if needed, cancels every waiter on its listeners and
// releases the native device together with its pipeline. The device cannot be
// used or reopened through this handle afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if err := d.checkOpenLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	var errs []error
	if d.state == StateStarted {
		if err := d.native.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	d.state = StateClosed
	listeners := d.listeners
	d.listeners = nil
	d.attached = nil
	native := d.native
	d.native = nil
	d.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	if err := native.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if d.manager != nil {
		d.manager.forget(d)
	}
	slog.Info("freenect2: device closed", "serial", d.serial)
	return errors.Join(errs...)
}

func (d *Device) checkOpenLocked() error {
	if d.state == StateClosed {
		return ErrUseAfterClose
	}
	return nil
}
