// Package simdriver is an in-process freenect2.Driver that synthesizes color,
// IR and depth frames. It counts every native allocation and free so tests and
// the daemon can check that frame and pipeline memory is released exactly once.
package simdriver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

// DeviceInfo describes one simulated device.
type DeviceInfo struct {
	Serial   string `yaml:"serial"`
	Firmware string `yaml:"firmware"`

	Color freenect2.ColorCameraParams `yaml:"-"`
	Ir    freenect2.IrCameraParams    `yaml:"-"`
}

// Config configures the simulated driver.
type Config struct {
	Devices []DeviceInfo
	// Interval between captures.
	Interval time.Duration
	// PoolSize is the number of capture buffers per device. A capture is
	// dropped when every buffer is still held downstream.
	PoolSize int
	// DeliverSets posts complete frame sets instead of single frames.
	DeliverSets bool
}

// Stats counts native resources handed out by the driver.
type Stats struct {
	Allocs              uint64
	Frees               uint64
	DoubleFrees         uint64
	PipelinesCreated    uint64
	PipelineFrees       uint64
	PipelineDoubleFrees uint64
}

// Live returns the number of frame buffers allocated and not yet freed.
func (s Stats) Live() int64 {
	return int64(s.Allocs) - int64(s.Frees)
}

var errDeviceBusy = errors.New("device already open")

// Driver is the simulated driver.
type Driver struct {
	cfg Config

	allocs              atomic.Uint64
	frees               atomic.Uint64
	doubleFrees         atomic.Uint64
	pipelinesCreated    atomic.Uint64
	pipelineFrees       atomic.Uint64
	pipelineDoubleFrees atomic.Uint64

	mu     sync.Mutex
	open   map[string]*device
	closed bool
}

// New creates a simulated driver.
func New(cfg Config) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 33 * time.Millisecond
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].Serial == "" {
			cfg.Devices[i].Serial = fmt.Sprintf("SIM%04d", i+1)
		}
		if cfg.Devices[i].Firmware == "" {
			cfg.Devices[i].Firmware = "4.0.3911.0"
		}
		if cfg.Devices[i].Color == (freenect2.ColorCameraParams{}) {
			cfg.Devices[i].Color = freenect2.DefaultColorCameraParams()
		}
		if cfg.Devices[i].Ir == (freenect2.IrCameraParams{}) {
			cfg.Devices[i].Ir = freenect2.DefaultIrCameraParams()
		}
	}
	return &Driver{cfg: cfg, open: make(map[string]*device)}
}

// Stats returns a snapshot of the allocation counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Allocs:              d.allocs.Load(),
		Frees:               d.frees.Load(),
		DoubleFrees:         d.doubleFrees.Load(),
		PipelinesCreated:    d.pipelinesCreated.Load(),
		PipelineFrees:       d.pipelineFrees.Load(),
		PipelineDoubleFrees: d.pipelineDoubleFrees.Load(),
	}
}

type buffer struct {
	b     []byte
	freed atomic.Bool
}

func (b *buffer) Bytes() []byte { return b.b }

// AllocFrame implements freenect2.Allocator.
func (d *Driver) AllocFrame(width, height, bytesPerPixel int) (freenect2.NativeBuffer, error) {
	d.allocs.Add(1)
	return &buffer{b: make([]byte, width*height*bytesPerPixel)}, nil
}

// FreeFrame implements freenect2.Allocator. Freeing a buffer twice is counted
// and otherwise ignored.
func (d *Driver) FreeFrame(buf freenect2.NativeBuffer) {
	b, ok := buf.(*buffer)
	if !ok {
		return
	}
	if !b.freed.CompareAndSwap(false, true) {
		d.doubleFrees.Add(1)
		slog.Error("simdriver: frame buffer freed twice")
		return
	}
	d.frees.Add(1)
}

type pipeline struct {
	kind  freenect2.PipelineKind
	freed atomic.Bool
}

func (p *pipeline) Kind() freenect2.PipelineKind { return p.kind }

func (d *Driver) NewPipeline(kind freenect2.PipelineKind) (freenect2.NativePipeline, error) {
	d.pipelinesCreated.Add(1)
	return &pipeline{kind: kind}, nil
}

func (d *Driver) FreePipeline(p freenect2.NativePipeline) {
	sp, ok := p.(*pipeline)
	if !ok || sp == nil {
		return
	}
	if !sp.freed.CompareAndSwap(false, true) {
		d.pipelineDoubleFrees.Add(1)
		slog.Error("simdriver: pipeline freed twice")
		return
	}
	d.pipelineFrees.Add(1)
}

func (d *Driver) Enumerate() (int, error) {
	return len(d.cfg.Devices), nil
}

func (d *Driver) SerialAt(index int) (string, error) {
	if index < 0 || index >= len(d.cfg.Devices) {
		return "", fmt.Errorf("%w: %d", freenect2.ErrIndex, index)
	}
	return d.cfg.Devices[index].Serial, nil
}

func (d *Driver) DefaultSerial() (string, error) {
	if len(d.cfg.Devices) == 0 {
		return "", errors.New("no simulated devices")
	}
	return d.cfg.Devices[0].Serial, nil
}

func (d *Driver) OpenIndex(index int, p freenect2.NativePipeline) (freenect2.NativeDevice, error) {
	if index < 0 || index >= len(d.cfg.Devices) {
		d.dropPipeline(p)
		return nil, fmt.Errorf("%w: index %d", freenect2.ErrDeviceNotFound, index)
	}
	return d.openInfo(d.cfg.Devices[index], p)
}

func (d *Driver) OpenSerial(serial string, p freenect2.NativePipeline) (freenect2.NativeDevice, error) {
	for _, info := range d.cfg.Devices {
		if info.Serial == serial {
			return d.openInfo(info, p)
		}
	}
	d.dropPipeline(p)
	return nil, fmt.Errorf("%w: serial %s", freenect2.ErrDeviceNotFound, serial)
}

func (d *Driver) openInfo(info DeviceInfo, p freenect2.NativePipeline) (freenect2.NativeDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropPipeline(p)
		return nil, errors.New("driver closed")
	}
	if _, busy := d.open[info.Serial]; busy {
		d.dropPipeline(p)
		return nil, fmt.Errorf("%s: %w", info.Serial, errDeviceBusy)
	}
	if p == nil {
		p, _ = d.NewPipeline(freenect2.PipelineCPU)
	}
	dev := newDevice(d, info, p)
	d.open[info.Serial] = dev
	return dev, nil
}

func (d *Driver) dropPipeline(p freenect2.NativePipeline) {
	if p != nil {
		d.FreePipeline(p)
	}
}

func (d *Driver) forget(dev *device) {
	d.mu.Lock()
	if d.open[dev.info.Serial] == dev {
		delete(d.open, dev.info.Serial)
	}
	d.mu.Unlock()
}

// Close closes any device still open.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	devices := make([]*device, 0, len(d.open))
	for _, dev := range d.open {
		devices = append(devices, dev)
	}
	d.mu.Unlock()

	var errs []error
	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
var _ freenect2.Driver = (*Driver)(nil)
