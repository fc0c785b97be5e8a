package freenect2

import (
	"fmt"
	"sync"
	"unsafe"
)

// Metadata describes a frame's geometry and capture information.
type Metadata struct {
	Width         int
	Height        int
	BytesPerPixel int

	Timestamp uint32
	Sequence  uint32

	// Exposure, Gain and Gamma are only reported for color frames.
	Exposure float32
	Gain     float32
	Gamma    float32

	Status Status
	Type   FrameType
}

// Size returns the byte length of a buffer with this geometry.
func (m Metadata) Size() int {
	return m.Width * m.Height * m.BytesPerPixel
}

// Frame is a single image buffer tagged with who owns its memory.
//
// A Borrowed frame is created empty, bound once to producer memory and then
// released; every accessor fails with ErrReleased afterwards. An Owned frame
// allocates at construction and frees exactly once on Close.
type Frame struct {
	mu sync.Mutex

	ownership Ownership
	meta      Metadata
	data      []byte

	// owned frames
	alloc  Allocator
	native NativeBuffer
	freed  bool

	// borrowed frames
	bound    bool
	released bool
	reclaim  func()
}

// NewOwnedFrame allocates a zeroed frame on the Go heap.
func NewOwnedFrame(width, height, bytesPerPixel int) (*Frame, error) {
	return NewOwnedFrameFrom(HeapAllocator, width, height, bytesPerPixel)
}

// NewOwnedFrameFrom allocates a zeroed frame from alloc.
func NewOwnedFrameFrom(alloc Allocator, width, height, bytesPerPixel int) (*Frame, error) {
	if width <= 0 || height <= 0 || bytesPerPixel <= 0 {
		return nil, fmt.Errorf("%w: frame geometry %dx%dx%d", ErrArgument, width, height, bytesPerPixel)
	}
	buf, err := alloc.AllocFrame(width, height, bytesPerPixel)
	if err != nil {
		return nil, fmt.Errorf("alloc frame: %w", err)
	}
	n := width * height * bytesPerPixel
	data := buf.Bytes()
	if len(data) < n {
		alloc.FreeFrame(buf)
		return nil, fmt.Errorf("%w: allocator returned %d bytes, want %d", ErrArgument, len(data), n)
	}
	data = data[:n]
	clear(data)

	return &Frame{
		ownership: Owned,
		meta: Metadata{
			Width:         width,
			Height:        height,
			BytesPerPixel: bytesPerPixel,
		},
		data:   data,
		alloc:  alloc,
		native: buf,
	}, nil
}

// NewBorrowedFrame returns an unbound frame for a producer to bind.
func NewBorrowedFrame() *Frame {
	return &Frame{ownership: Borrowed}
}

// Bind attaches producer memory to a borrowed frame. reclaim, if non-nil, is
// called exactly once when the frame is released.
func (f *Frame) Bind(data []byte, meta Metadata, reclaim func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.ownership != Borrowed:
		return fmt.Errorf("%w: bind on %s frame", ErrOwnership, f.ownership)
	case f.released:
		return ErrReleased
	case f.bound:
		return ErrAlreadyBound
	}
	if meta.Width <= 0 || meta.Height <= 0 || meta.BytesPerPixel <= 0 {
		return fmt.Errorf("%w: frame geometry %dx%dx%d", ErrArgument, meta.Width, meta.Height, meta.BytesPerPixel)
	}
	if len(data) < meta.Size() {
		return fmt.Errorf("%w: buffer has %d bytes, want %d", ErrArgument, len(data), meta.Size())
	}

	f.data = data[:meta.Size()]
	f.meta = meta
	f.reclaim = reclaim
	f.bound = true
	return nil
}

// Ownership returns the frame's ownership tag.
func (f *Frame) Ownership() Ownership {
	return f.ownership
}

// Metadata returns a copy of the frame metadata.
func (f *Frame) Metadata() Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

// SetMetadata updates capture information on an owned frame. The geometry must
// match the allocation.
func (f *Frame) SetMetadata(meta Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ownership != Owned {
		return fmt.Errorf("%w: set metadata on %s frame", ErrOwnership, f.ownership)
	}
	if f.freed {
		return ErrFreed
	}
	if meta.Width != f.meta.Width || meta.Height != f.meta.Height || meta.BytesPerPixel != f.meta.BytesPerPixel {
		return fmt.Errorf("%w: metadata geometry does not match allocation", ErrArgument)
	}
	f.meta = meta
	return nil
}

func (f *Frame) Width() int         { return f.Metadata().Width }
func (f *Frame) Height() int        { return f.Metadata().Height }
func (f *Frame) BytesPerPixel() int { return f.Metadata().BytesPerPixel }
func (f *Frame) Timestamp() uint32  { return f.Metadata().Timestamp }
func (f *Frame) Sequence() uint32   { return f.Metadata().Sequence }
func (f *Frame) Exposure() float32  { return f.Metadata().Exposure }
func (f *Frame) Gain() float32      { return f.Metadata().Gain }
func (f *Frame) Gamma() float32     { return f.Metadata().Gamma }
func (f *Frame) Type() FrameType    { return f.Metadata().Type }

// Released reports whether a borrowed frame has been handed back to its producer.
func (f *Frame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Freed reports whether an owned frame's buffer has been freed.
func (f *Frame) Freed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freed
}

// Bytes returns the live buffer. For borrowed frames the slice must not be used
// after the frame is released.
func (f *Frame) Bytes() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLive(); err != nil {
		return nil, err
	}
	return f.data, nil
}

// Clone copies the frame into a new owned heap frame.
func (f *Frame) Clone() (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLive(); err != nil {
		return nil, err
	}

	c, err := NewOwnedFrame(f.meta.Width, f.meta.Height, f.meta.BytesPerPixel)
	if err != nil {
		return nil, err
	}
	copy(c.data, f.data)
	c.meta = f.meta
	return c, nil
}

// View interprets the buffer according to format. The view aliases the frame
// buffer: for borrowed frames it must not be used after the frame is released,
// for owned frames not after Close. Float views need a 4-byte aligned buffer.
func (f *Frame) View(format FrameType) (ArrayView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLive(); err != nil {
		return nil, err
	}

	switch format {
	case Color:
		if f.meta.BytesPerPixel != 4 {
			return nil, fmt.Errorf("%w: color view needs 4 bytes per pixel, frame has %d", ErrFormat, f.meta.BytesPerPixel)
		}
		return &ColorView{Width: f.meta.Width, Height: f.meta.Height, Pix: f.data}, nil
	case Ir, Depth:
		if f.meta.BytesPerPixel != 4 {
			return nil, fmt.Errorf("%w: %s view needs 4 bytes per pixel, frame has %d", ErrFormat, format, f.meta.BytesPerPixel)
		}
		if uintptr(unsafe.Pointer(&f.data[0]))%unsafe.Alignof(float32(0)) != 0 {
			return nil, fmt.Errorf("%w: %s buffer is not aligned for float32", ErrFormat, format)
		}
		n := f.meta.Width * f.meta.Height
		data := unsafe.Slice((*float32)(unsafe.Pointer(&f.data[0])), n)
		return &FloatView{Kind: format, Width: f.meta.Width, Height: f.meta.Height, Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, format)
	}
}

// ColorView is shorthand for View(Color).
func (f *Frame) ColorView() (*ColorView, error) {
	v, err := f.View(Color)
	if err != nil {
		return nil, err
	}
	return v.(*ColorView), nil
}

// FloatView is shorthand for View(Ir) on IR frames and View(Depth) otherwise.
func (f *Frame) FloatView() (*FloatView, error) {
	kind := Depth
	if f.Type() == Ir {
		kind = Ir
	}
	v, err := f.View(kind)
	if err != nil {
		return nil, err
	}
	return v.(*FloatView), nil
}

// Close frees an owned frame's buffer. It is a no-op for borrowed frames and
// for frames already freed.
func (f *Frame) Close() error {
	f.mu.Lock()
	if f.ownership != Owned || f.freed {
		f.mu.Unlock()
		return nil
	}
	f.freed = true
	alloc, native := f.alloc, f.native
	f.data = nil
	f.native = nil
	f.mu.Unlock()

	alloc.FreeFrame(native)
	return nil
}

// release invalidates a borrowed frame and hands its memory back to the
// producer. It reports false if the frame was already released.
func (f *Frame) release() bool {
	f.mu.Lock()
	if f.ownership != Borrowed || f.released {
		f.mu.Unlock()
		return false
	}
	f.released = true
	f.bound = false
	f.data = nil
	reclaim := f.reclaim
	f.reclaim = nil
	f.mu.Unlock()

	if reclaim != nil {
		reclaim()
	}
	return true
}

func (f *Frame) checkLive() error {
	switch {
	case f.ownership == Owned && f.freed:
		return ErrFreed
	case f.ownership == Borrowed && f.released:
		return ErrReleased
	case f.ownership == Borrowed && !f.bound:
		return ErrNotBound
	}
	return nil
}

// checkInput verifies f can be read as a registration input.
func (f *Frame) checkInput(name string) error {
	if f == nil {
		return fmt.Errorf("%w: %s is nil", ErrArgument, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ownership != Borrowed {
		return fmt.Errorf("%w: %s must be a borrowed frame", ErrOwnership, name)
	}
	if err := f.checkLive(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOwnership, name, err)
	}
	return nil
}

// checkOutput verifies f is a live owned frame of the given geometry.
func (f *Frame) checkOutput(name string, width, height int) error {
	if f == nil {
		return fmt.Errorf("%w: %s is nil", ErrArgument, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ownership != Owned {
		return fmt.Errorf("%w: %s must be an owned frame", ErrOwnership, name)
	}
	if f.freed {
		return fmt.Errorf("%w: %s: %w", ErrOwnership, name, ErrFreed)
	}
	if f.meta.Width != width || f.meta.Height != height || f.meta.BytesPerPixel != BytesPerPixel {
		return fmt.Errorf("%w: %s is %dx%dx%d, want %dx%dx%d", ErrArgument, name,
			f.meta.Width, f.meta.Height, f.meta.BytesPerPixel, width, height, BytesPerPixel)
	}
	return nil
}

// ArrayView is a typed, shaped view over a frame buffer.
type ArrayView interface {
	// Shape returns the dimensions, outermost first.
	Shape() []int
}

// ColorView reads a 4-channel 8-bit image.
type ColorView struct {
	Width, Height int
	Pix           []byte
}

func (v *ColorView) Shape() []int { return []int{v.Height, v.Width, 4} }

// At returns the pixel quad at column x, row y in buffer channel order.
func (v *ColorView) At(x, y int) [4]uint8 {
	i := (y*v.Width + x) * 4
	return [4]uint8{v.Pix[i], v.Pix[i+1], v.Pix[i+2], v.Pix[i+3]}
}

// FloatView reads an IR or depth image of float32 samples.
type FloatView struct {
	Kind          FrameType
	Width, Height int
	Data          []float32
}

func (v *FloatView) Shape() []int { return []int{v.Height, v.Width} }

func (v *FloatView) At(x, y int) float32 {
	return v.Data[y*v.Width+x]
}
