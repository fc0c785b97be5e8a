//go:build freenect2

package freenect2

/*
#cgo pkg-config: freenect2
#cgo CXXFLAGS: -std=c++11
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"
)

const serialBufSize = 256

// IsAvailable reports whether the binary was built against libfreenect2.
func IsAvailable() bool {
	return true
}

// NativeDriver opens a libfreenect2 context.
func NativeDriver() (Driver, error) {
	ctx := C.fn2_context_new()
	if ctx == nil {
		return nil, errors.New("failed to create libfreenect2 context")
	}
	return &nativeDriver{
		ctx:  ctx,
		regs: make(map[regKey]C.fn2_registration),
	}, nil
}

type regKey struct {
	ir    IrCameraParams
	color ColorCameraParams
}

type nativeDriver struct {
	mu   sync.Mutex
	ctx  C.fn2_context
	regs map[regKey]C.fn2_registration
}

type nativeBuffer struct {
	frame C.fn2_frame
	data  []byte
}

func (b *nativeBuffer) Bytes() []byte { return b.data }

type nativePipeline struct {
	p    C.fn2_pipeline
	kind PipelineKind
}

func (p *nativePipeline) Kind() PipelineKind { return p.kind }

func (d *nativeDriver) Enumerate() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(C.fn2_enumerate(d.ctx)), nil
}

func (d *nativeDriver) SerialAt(index int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readString(func(buf *C.char, n C.size_t) C.int {
		return C.fn2_serial_at(d.ctx, C.int(index), buf, n)
	})
}

func (d *nativeDriver) DefaultSerial() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readString(func(buf *C.char, n C.size_t) C.int {
		return C.fn2_default_serial(d.ctx, buf, n)
	})
}

func (d *nativeDriver) NewPipeline(kind PipelineKind) (NativePipeline, error) {
	p := C.fn2_pipeline_new(C.int(kind))
	if p == nil {
		return nil, fmt.Errorf("%w: %s pipeline not supported by this libfreenect2 build", ErrValue, kind)
	}
	return &nativePipeline{p: p, kind: kind}, nil
}

func (d *nativeDriver) FreePipeline(p NativePipeline) {
	if np, ok := p.(*nativePipeline); ok && np.p != nil {
		C.fn2_pipeline_free(np.p)
		np.p = nil
	}
}

func (d *nativeDriver) OpenIndex(index int, pipeline NativePipeline) (NativeDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := C.fn2_open_index(d.ctx, C.int(index), takePipeline(pipeline))
	if dev == nil {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	return newNativeDevice(dev), nil
}

func (d *nativeDriver) OpenSerial(serial string, pipeline NativePipeline) (NativeDevice, error) {
	cSerial := C.CString(serial)
	defer C.free(unsafe.Pointer(cSerial))

	d.mu.Lock()
	defer d.mu.Unlock()
	dev := C.fn2_open_serial(d.ctx, cSerial, takePipeline(pipeline))
	if dev == nil {
		return nil, fmt.Errorf("%w: serial %s", ErrDeviceNotFound, serial)
	}
	return newNativeDevice(dev), nil
}

// takePipeline hands the native pipeline to libfreenect2, which deletes it
// with the device or on a failed open.
func takePipeline(p NativePipeline) C.fn2_pipeline {
	np, ok := p.(*nativePipeline)
	if !ok || np == nil {
		return nil
	}
	cp := np.p
	np.p = nil
	return cp
}

func (d *nativeDriver) AllocFrame(width, height, bytesPerPixel int) (NativeBuffer, error) {
	f := C.fn2_frame_new(C.size_t(width), C.size_t(height), C.size_t(bytesPerPixel))
	if f == nil {
		return nil, errors.New("libfreenect2 frame allocation failed")
	}
	var info C.fn2_frame_info
	C.fn2_frame_get_info(f, &info)
	return &nativeBuffer{
		frame: f,
		data:  unsafe.Slice((*byte)(unsafe.Pointer(info.data)), width*height*bytesPerPixel),
	}, nil
}

func (d *nativeDriver) FreeFrame(buf NativeBuffer) {
	nb, ok := buf.(*nativeBuffer)
	if !ok || nb.frame == nil {
		return
	}
	C.fn2_frame_free(nb.frame)
	nb.frame = nil
	nb.data = nil
}

func (d *nativeDriver) registration(ir IrCameraParams, color ColorCameraParams) C.fn2_registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := regKey{ir: ir, color: color}
	if r, ok := d.regs[key]; ok {
		return r
	}
	cir := cIrParams(ir)
	ccolor := cColorParams(color)
	r := C.fn2_registration_new(&cir, &ccolor)
	d.regs[key] = r
	return r
}

func (d *nativeDriver) RegistrationApply(ir IrCameraParams, color ColorCameraParams, io RegistrationIO) error {
	r := d.registration(ir, color)
	var big *C.uint8_t
	if io.BigDepth != nil {
		big = bytePtr(io.BigDepth)
	}
	filter := C.int(0)
	if io.EnableFilter {
		filter = 1
	}
	if C.fn2_registration_apply(r, bytePtr(io.Color), bytePtr(io.Depth),
		bytePtr(io.Undistorted), bytePtr(io.Registered), filter, big) != 0 {
		return errors.New("libfreenect2 registration failed")
	}
	return nil
}

func (d *nativeDriver) UndistortDepth(ir IrCameraParams, color ColorCameraParams, depth, undistorted []byte) error {
	r := d.registration(ir, color)
	if C.fn2_registration_undistort(r, bytePtr(depth), bytePtr(undistorted)) != 0 {
		return errors.New("libfreenect2 undistort failed")
	}
	return nil
}

func (d *nativeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, r := range d.regs {
		C.fn2_registration_free(r)
		delete(d.regs, key)
	}
	if d.ctx != nil {
		C.fn2_context_free(d.ctx)
		d.ctx = nil
	}
	return nil
}

// frameBridge routes frames from a native listener to a FrameSink.
type frameBridge struct {
	sink FrameSink
}

type nativeListener struct {
	l      C.fn2_listener
	handle cgo.Handle
}

type nativeDevice struct {
	mu        sync.Mutex
	dev       C.fn2_device
	listeners []nativeListener
}

func newNativeDevice(dev C.fn2_device) *nativeDevice {
	return &nativeDevice{dev: dev}
}

func (n *nativeDevice) Serial() string {
	s, _ := readString(func(buf *C.char, size C.size_t) C.int {
		return C.fn2_device_serial(n.dev, buf, size)
	})
	return s
}

func (n *nativeDevice) FirmwareVersion() string {
	s, _ := readString(func(buf *C.char, size C.size_t) C.int {
		return C.fn2_device_firmware(n.dev, buf, size)
	})
	return s
}

func (n *nativeDevice) ColorIntrinsics() ColorCameraParams {
	var p C.fn2_color_params
	C.fn2_device_color_params(n.dev, &p)
	return goColorParams(p)
}

func (n *nativeDevice) IrIntrinsics() IrCameraParams {
	var p C.fn2_ir_params
	C.fn2_device_ir_params(n.dev, &p)
	return IrCameraParams{
		Fx: float32(p.fx), Fy: float32(p.fy), Cx: float32(p.cx), Cy: float32(p.cy),
		K1: float32(p.k1), K2: float32(p.k2), K3: float32(p.k3),
		P1: float32(p.p1), P2: float32(p.p2),
	}
}

func (n *nativeDevice) SetConfig(cfg DeviceConfig) error {
	C.fn2_device_set_config(n.dev, C.float(cfg.MinDepth), C.float(cfg.MaxDepth),
		cBool(cfg.EnableBilateralFilter), cBool(cfg.EnableEdgeAwareFilter))
	return nil
}

func (n *nativeDevice) SetListener(group FrameType, sink FrameSink) error {
	h := cgo.NewHandle(&frameBridge{sink: sink})
	l := C.fn2_listener_new(C.uintptr_t(h))
	if C.fn2_device_set_listener(n.dev, C.int(group), l) != 0 {
		C.fn2_listener_free(l)
		h.Delete()
		return fmt.Errorf("%w: listener group %s", ErrValue, group)
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, nativeListener{l: l, handle: h})
	n.mu.Unlock()
	return nil
}

func (n *nativeDevice) StartStreams(color, depth bool) error {
	if C.fn2_device_start_streams(n.dev, cBool(color), cBool(depth)) != 0 {
		return errors.New("libfreenect2 failed to start streams")
	}
	return nil
}

func (n *nativeDevice) Stop() error {
	if C.fn2_device_stop(n.dev) != 0 {
		return errors.New("libfreenect2 failed to stop device")
	}
	return nil
}

func (n *nativeDevice) Close() error {
	var err error
	if C.fn2_device_close(n.dev) != 0 {
		err = errors.New("libfreenect2 failed to close device")
	}
	n.dev = nil

	n.mu.Lock()
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()
	for _, l := range listeners {
		C.fn2_listener_free(l.l)
		l.handle.Delete()
	}
	return err
}

//export fn2GoFrameArrived
func fn2GoFrameArrived(handle C.uintptr_t, typ C.int, frame unsafe.Pointer) C.int {
	bridge, ok := cgo.Handle(handle).Value().(*frameBridge)
	if !ok {
		return 0
	}

	var info C.fn2_frame_info
	C.fn2_frame_get_info(C.fn2_frame(frame), &info)
	meta := Metadata{
		Width:         int(info.width),
		Height:        int(info.height),
		BytesPerPixel: int(info.bytes_per_pixel),
		Timestamp:     uint32(info.timestamp),
		Sequence:      uint32(info.sequence),
		Exposure:      float32(info.exposure),
		Gain:          float32(info.gain),
		Gamma:         float32(info.gamma),
		Status:        Status(info.status),
		Type:          FrameType(typ),
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(info.data)), meta.Size())

	f := NewBorrowedFrame()
	if err := f.Bind(data, meta, func() { C.fn2_frame_free(C.fn2_frame(frame)) }); err != nil {
		return 0
	}
	if !bridge.sink.OnNewFrame(FrameType(typ), f) {
		return 0
	}
	return 1
}

func readString(call func(*C.char, C.size_t) C.int) (string, error) {
	buf := (*C.char)(C.malloc(serialBufSize))
	defer C.free(unsafe.Pointer(buf))
	if n := call(buf, serialBufSize); n < 0 {
		return "", ErrDeviceNotFound
	}
	return C.GoString(buf), nil
}

func bytePtr(b []byte) *C.uint8_t {
	return (*C.uint8_t)(unsafe.Pointer(&b[0]))
}

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func cIrParams(p IrCameraParams) C.fn2_ir_params {
	return C.fn2_ir_params{
		fx: C.float(p.Fx), fy: C.float(p.Fy), cx: C.float(p.Cx), cy: C.float(p.Cy),
		k1: C.float(p.K1), k2: C.float(p.K2), k3: C.float(p.K3),
		p1: C.float(p.P1), p2: C.float(p.P2),
	}
}

func cColorParams(p ColorCameraParams) C.fn2_color_params {
	return C.fn2_color_params{
		fx: C.float(p.Fx), fy: C.float(p.Fy), cx: C.float(p.Cx), cy: C.float(p.Cy),
		shift_d: C.float(p.ShiftD), shift_m: C.float(p.ShiftM),
		mx_x3y0: C.float(p.MxX3Y0), mx_x0y3: C.float(p.MxX0Y3), mx_x2y1: C.float(p.MxX2Y1), mx_x1y2: C.float(p.MxX1Y2),
		mx_x2y0: C.float(p.MxX2Y0), mx_x0y2: C.float(p.MxX0Y2), mx_x1y1: C.float(p.MxX1Y1), mx_x1y0: C.float(p.MxX1Y0),
		mx_x0y1: C.float(p.MxX0Y1), mx_x0y0: C.float(p.MxX0Y0),
		my_x3y0: C.float(p.MyX3Y0), my_x0y3: C.float(p.MyX0Y3), my_x2y1: C.float(p.MyX2Y1), my_x1y2: C.float(p.MyX1Y2),
		my_x2y0: C.float(p.MyX2Y0), my_x0y2: C.float(p.MyX0Y2), my_x1y1: C.float(p.MyX1Y1), my_x1y0: C.float(p.MyX1Y0),
		my_x0y1: C.float(p.MyX0Y1), my_x0y0: C.float(p.MyX0Y0),
	}
}

func goColorParams(p C.fn2_color_params) ColorCameraParams {
	return ColorCameraParams{
		Fx: float32(p.fx), Fy: float32(p.fy), Cx: float32(p.cx), Cy: float32(p.cy),
		ShiftD: float32(p.shift_d), ShiftM: float32(p.shift_m),
		MxX3Y0: float32(p.mx_x3y0), MxX0Y3: float32(p.mx_x0y3), MxX2Y1: float32(p.mx_x2y1), MxX1Y2: float32(p.mx_x1y2),
		MxX2Y0: float32(p.mx_x2y0), MxX0Y2: float32(p.mx_x0y2), MxX1Y1: float32(p.mx_x1y1), MxX1Y0: float32(p.mx_x1y0),
		MxX0Y1: float32(p.mx_x0y1), MxX0Y0: float32(p.mx_x0y0),
		MyX3Y0: float32(p.my_x3y0), MyX0Y3: float32(p.my_x0y3), MyX2Y1: float32(p.my_x2y1), MyX1Y2: float32(p.my_x1y2),
		MyX2Y0: float32(p.my_x2y0), MyX0Y2: float32(p.my_x0y2), MyX1Y1: float32(p.my_x1y1), MyX1Y0: float32(p.my_x1y0),
		MyX0Y1: float32(p.my_x0y1), MyX0Y0: float32(p.my_x0y0),
	}
}
