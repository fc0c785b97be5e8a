package freenect2

// NativeBuffer is frame memory handed out by an Allocator.
type NativeBuffer interface {
	Bytes() []byte
}

// Allocator is the native frame allocation primitive.
type Allocator interface {
	AllocFrame(width, height, bytesPerPixel int) (NativeBuffer, error)
	FreeFrame(buf NativeBuffer)
}

// NativePipeline is an opaque packet pipeline created by a Driver.
type NativePipeline interface {
	Kind() PipelineKind
}

// FrameSink is what a capture thread delivers frames into. Listener implements it.
type FrameSink interface {
	// Post hands over a complete frame set.
	Post(set *FrameSet) error
	// OnNewFrame hands over a single frame; it returns false if the sink refused
	// the frame, in which case the producer keeps ownership of it.
	OnNewFrame(t FrameType, f *Frame) bool
}

// Driver is the native capture driver contract the binding is built on.
// Every method may be called from any goroutine.
type Driver interface {
	Allocator

	Enumerate() (int, error)
	SerialAt(index int) (string, error)
	DefaultSerial() (string, error)

	NewPipeline(kind PipelineKind) (NativePipeline, error)
	FreePipeline(p NativePipeline)

	// OpenIndex and OpenSerial take ownership of pipeline when it is non-nil,
	// also on failure.
	OpenIndex(index int, pipeline NativePipeline) (NativeDevice, error)
	OpenSerial(serial string, pipeline NativePipeline) (NativeDevice, error)

	RegistrationApply(ir IrCameraParams, color ColorCameraParams, io RegistrationIO) error
	UndistortDepth(ir IrCameraParams, color ColorCameraParams, depth, undistorted []byte) error

	Close() error
}

// NativeDevice is one opened device as the driver sees it.
type NativeDevice interface {
	Serial() string
	FirmwareVersion() string
	ColorIntrinsics() ColorCameraParams
	IrIntrinsics() IrCameraParams

	SetConfig(cfg DeviceConfig) error
	SetListener(group FrameType, sink FrameSink) error

	StartStreams(color, depth bool) error
	Stop() error
	// Close releases the device and the pipeline it was opened with.
	Close() error
}

// RegistrationIO carries the raw buffers of one registration call.
type RegistrationIO struct {
	Color       []byte
	Depth       []byte
	Undistorted []byte
	Registered  []byte
	// BigDepth is nil when no big depth output was requested.
	BigDepth     []byte
	EnableFilter bool
}

// ColorCameraParams are the factory intrinsics of the color camera.
type ColorCameraParams struct {
	Fx, Fy, Cx, Cy float32

	ShiftD, ShiftM float32

	MxX3Y0, MxX0Y3, MxX2Y1, MxX1Y2, MxX2Y0, MxX0Y2, MxX1Y1, MxX1Y0, MxX0Y1, MxX0Y0 float32
	MyX3Y0, MyX0Y3, MyX2Y1, MyX1Y2, MyX2Y0, MyX0Y2, MyX1Y1, MyX1Y0, MyX0Y1, MyX0Y0 float32
}

// IrCameraParams are the factory intrinsics and distortion of the IR/depth camera.
type IrCameraParams struct {
	Fx, Fy, Cx, Cy float32
	K1, K2, K3     float32
	P1, P2         float32
}

// DefaultColorCameraParams returns nominal color intrinsics for a sensor without
// factory calibration.
func DefaultColorCameraParams() ColorCameraParams {
	return ColorCameraParams{
		Fx: 1081.37, Fy: 1081.37, Cx: 959.5, Cy: 539.5,
		ShiftD: 863, ShiftM: 52,
	}
}

// DefaultIrCameraParams returns nominal IR intrinsics.
func DefaultIrCameraParams() IrCameraParams {
	return IrCameraParams{Fx: 365.456, Fy: 365.456, Cx: 254.878, Cy: 205.395}
}

// DeviceConfig holds the depth processing settings applied before streaming.
type DeviceConfig struct {
	// MinDepth and MaxDepth clip depth in meters.
	MinDepth float32
	MaxDepth float32

	EnableBilateralFilter bool
	EnableEdgeAwareFilter bool
}

// DefaultDeviceConfig returns the driver's defaults.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		MinDepth:              0.5,
		MaxDepth:              4.5,
		EnableBilateralFilter: true,
		EnableEdgeAwareFilter: true,
	}
}

type heapBuffer struct {
	b []byte
}

func (h *heapBuffer) Bytes() []byte { return h.b }

type heapAllocator struct{}

func (heapAllocator) AllocFrame(width, height, bytesPerPixel int) (NativeBuffer, error) {
	return &heapBuffer{b: make([]byte, width*height*bytesPerPixel)}, nil
}

func (heapAllocator) FreeFrame(buf NativeBuffer) {
	if hb, ok := buf.(*heapBuffer); ok {
		hb.b = nil
	}
}

// HeapAllocator allocates frames on the Go heap.
var HeapAllocator Allocator = heapAllocator{}
