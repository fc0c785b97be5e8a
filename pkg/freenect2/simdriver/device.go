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

// slot is one capture buffer: an owning set of color, IR and depth frames.
// While refs is non-zero borrowed views of it are held downstream and the
// capture loop must not touch it.
type slot struct {
	dev   *device
	set   *freenect2.FrameSet
	color *freenect2.Frame
	ir    *freenect2.Frame
	depth *freenect2.Frame
	refs  atomic.Int32
}

type device struct {
	driver   *Driver
	info     DeviceInfo
	pipeline freenect2.NativePipeline

	mu      sync.Mutex
	cfg     freenect2.DeviceConfig
	sinks   map[freenect2.FrameType]freenect2.FrameSink
	idle    []*slot
	pool    int
	closed  bool
	running bool
	stop    chan struct{}
	done    chan struct{}

	seq      uint32
	started  time.Time
	produced atomic.Uint64
	dropped  atomic.Uint64
}

func newDevice(d *Driver, info DeviceInfo, p freenect2.NativePipeline) *device {
	return &device{
		driver:   d,
		info:     info,
		pipeline: p,
		cfg:      freenect2.DefaultDeviceConfig(),
		sinks:    make(map[freenect2.FrameType]freenect2.FrameSink),
	}
}

func (v *device) Serial() string                                { return v.info.Serial }
func (v *device) FirmwareVersion() string                       { return v.info.Firmware }
func (v *device) ColorIntrinsics() freenect2.ColorCameraParams { return v.info.Color }
func (v *device) IrIntrinsics() freenect2.IrCameraParams       { return v.info.Ir }

func (v *device) SetConfig(cfg freenect2.DeviceConfig) error {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
	return nil
}

func (v *device) SetListener(group freenect2.FrameType, sink freenect2.FrameSink) error {
	if group != freenect2.Color && group != freenect2.Ir|freenect2.Depth {
		return fmt.Errorf("%w: listener group %s", freenect2.ErrValue, group)
	}
	v.mu.Lock()
	v.sinks[group] = sink
	v.mu.Unlock()
	return nil
}

func (v *device) StartStreams(color, depth bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("device closed")
	}
	if v.running {
		return errors.New("device already streaming")
	}
	for v.pool < v.driver.cfg.PoolSize {
		s, err := v.newSlot()
		if err != nil {
			return err
		}
		v.idle = append(v.idle, s)
		v.pool++
	}
	if v.started.IsZero() {
		v.started = time.Now()
	}
	v.running = true
	v.stop = make(chan struct{})
	v.done = make(chan struct{})
	go v.loop(v.stop, v.done, color, depth)
	return nil
}

func (v *device) Stop() error {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return nil
	}
	v.running = false
	stop, done := v.stop, v.done
	v.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Close stops streaming and frees idle buffers. Buffers still held downstream
// are freed when they come back.
func (v *device) Close() error {
	if err := v.Stop(); err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	idle := v.idle
	v.idle = nil
	v.sinks = make(map[freenect2.FrameType]freenect2.FrameSink)
	v.mu.Unlock()

	for _, s := range idle {
		s.set.Close()
	}
	v.driver.FreePipeline(v.pipeline)
	v.driver.forget(v)
	slog.Debug("simdriver: device closed", "serial", v.info.Serial,
		"produced", v.produced.Load(), "dropped", v.dropped.Load())
	return nil
}

func (v *device) newSlot() (*slot, error) {
	s := &slot{dev: v, set: freenect2.NewOwningFrameSet()}
	frames := []struct {
		t    freenect2.FrameType
		w, h int
		dst  **freenect2.Frame
	}{
		{freenect2.Color, freenect2.ColorWidth, freenect2.ColorHeight, &s.color},
		{freenect2.Ir, freenect2.DepthWidth, freenect2.DepthHeight, &s.ir},
		{freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight, &s.depth},
	}
	for _, f := range frames {
		fr, err := freenect2.NewOwnedFrameFrom(v.driver, f.w, f.h, freenect2.BytesPerPixel)
		if err != nil {
			s.set.Close()
			return nil, fmt.Errorf("allocate %s buffer: %w", f.t, err)
		}
		s.set.Set(f.t, fr)
		*f.dst = fr
	}
	return s, nil
}

func (v *device) loop(stop <-chan struct{}, done chan<- struct{}, color, depth bool) {
	defer close(done)

	ticker := time.NewTicker(v.driver.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v.capture(color, depth)
		}
	}
}

// capture renders one frame set into an idle slot and hands borrowed views of
// it to the attached sinks.
func (v *device) capture(color, depth bool) {
	v.mu.Lock()
	colorSink := v.sinks[freenect2.Color]
	depthSink := v.sinks[freenect2.Ir|freenect2.Depth]
	cfg := v.cfg
	if !color {
		colorSink = nil
	}
	if !depth {
		depthSink = nil
	}
	if colorSink == nil && depthSink == nil {
		v.mu.Unlock()
		return
	}
	if len(v.idle) == 0 {
		v.mu.Unlock()
		v.dropped.Add(1)
		slog.Debug("simdriver: no free capture buffer, frame dropped", "serial", v.info.Serial)
		return
	}
	s := v.idle[len(v.idle)-1]
	v.idle = v.idle[:len(v.idle)-1]
	v.seq++
	seq := v.seq
	ts := uint32(time.Since(v.started) / (100 * time.Microsecond))
	v.mu.Unlock()

	base := freenect2.Metadata{Timestamp: ts, Sequence: seq, Status: freenect2.StatusReady}

	var refs int32
	if colorSink != nil {
		refs++
		renderColor(s.color, seq)
	}
	if depthSink != nil {
		refs += 2
		renderDepth(s.ir, s.depth, seq, cfg)
	}
	s.refs.Store(refs)
	v.produced.Add(1)

	colorFrames := map[freenect2.FrameType]*freenect2.Frame{freenect2.Color: s.color}
	depthFrames := map[freenect2.FrameType]*freenect2.Frame{freenect2.Ir: s.ir, freenect2.Depth: s.depth}

	// A listener attached to both groups gets one combined delivery.
	if colorSink != nil && colorSink == depthSink {
		colorFrames[freenect2.Ir], colorFrames[freenect2.Depth] = s.ir, s.depth
		v.deliver(colorSink, s, colorFrames, base)
		return
	}
	if colorSink != nil {
		v.deliver(colorSink, s, colorFrames, base)
	}
	if depthSink != nil {
		v.deliver(depthSink, s, depthFrames, base)
	}
}

func (v *device) deliver(sink freenect2.FrameSink, s *slot, owned map[freenect2.FrameType]*freenect2.Frame, base freenect2.Metadata) {
	borrowed := make(map[freenect2.FrameType]*freenect2.Frame, len(owned))
	for _, t := range freenect2.AllTypes {
		src, ok := owned[t]
		if !ok {
			continue
		}
		data, err := src.Bytes()
		if err != nil {
			s.reclaim()
			continue
		}
		meta := base
		meta.Width, meta.Height, meta.BytesPerPixel = src.Width(), src.Height(), src.BytesPerPixel()
		meta.Type = t
		if t == freenect2.Color {
			meta.Exposure, meta.Gain, meta.Gamma = 9.5, 1.0, 1.0
		}
		f := freenect2.NewBorrowedFrame()
		if err := f.Bind(data, meta, s.reclaim); err != nil {
			s.reclaim()
			continue
		}
		borrowed[t] = f
	}

	if v.driver.cfg.DeliverSets {
		set := freenect2.NewFrameSet()
		for t, f := range borrowed {
			set.Set(t, f)
		}
		if err := sink.Post(set); err != nil && set.Len() > 0 {
			set.Release()
		}
		return
	}

	for _, t := range freenect2.AllTypes {
		f, ok := borrowed[t]
		if !ok {
			continue
		}
		if !sink.OnNewFrame(t, f) {
			s.reclaim()
		}
	}
}

// reclaim returns one borrowed view; the last one puts the slot back in the
// pool, or frees it once the device is closed.
func (s *slot) reclaim() {
	if s.refs.Add(-1) != 0 {
		return
	}
	v := s.dev
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		s.set.Close()
		return
	}
	v.idle = append(v.idle, s)
	v.mu.Unlock()
}
