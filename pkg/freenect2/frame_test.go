package freenect2

import (
	"errors"
	"testing"
)

type countingAllocator struct {
	allocs, frees int
}

func (a *countingAllocator) AllocFrame(width, height, bytesPerPixel int) (NativeBuffer, error) {
	a.allocs++
	return &heapBuffer{b: make([]byte, width*height*bytesPerPixel)}, nil
}

func (a *countingAllocator) FreeFrame(buf NativeBuffer) {
	a.frees++
}

func bindFrame(t *testing.T, typ FrameType, w, h int, reclaim func()) *Frame {
	t.Helper()
	f := NewBorrowedFrame()
	meta := Metadata{Width: w, Height: h, BytesPerPixel: 4, Type: typ, Sequence: 7}
	if err := f.Bind(make([]byte, meta.Size()), meta, reclaim); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return f
}

func TestOwnedFrameFreedOnce(t *testing.T) {
	alloc := &countingAllocator{}
	f, err := NewOwnedFrameFrom(alloc, 4, 3, 4)
	if err != nil {
		t.Fatalf("NewOwnedFrameFrom: %v", err)
	}
	if f.Ownership() != Owned {
		t.Fatalf("ownership = %s, want owned", f.Ownership())
	}
	b, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(b) != 4*3*4 {
		t.Errorf("len(data) = %d, want %d", len(b), 4*3*4)
	}

	f.Close()
	f.Close()
	if alloc.frees != 1 {
		t.Errorf("frees = %d, want 1", alloc.frees)
	}
	if _, err := f.Bytes(); !errors.Is(err, ErrFreed) {
		t.Errorf("Bytes after Close: got %v, want ErrFreed", err)
	}
	if _, err := f.View(Depth); !errors.Is(err, ErrFreed) {
		t.Errorf("View after Close: got %v, want ErrFreed", err)
	}
}

func TestNewOwnedFrameRejectsBadGeometry(t *testing.T) {
	for _, dims := range [][3]int{{0, 1, 4}, {1, 0, 4}, {1, 1, 0}, {-2, 2, 4}} {
		if _, err := NewOwnedFrame(dims[0], dims[1], dims[2]); !errors.Is(err, ErrArgument) {
			t.Errorf("NewOwnedFrame(%v): got %v, want ErrArgument", dims, err)
		}
	}
}

func TestBorrowedFrameBind(t *testing.T) {
	f := NewBorrowedFrame()
	if _, err := f.Bytes(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Bytes before Bind: got %v, want ErrNotBound", err)
	}

	meta := Metadata{Width: 2, Height: 2, BytesPerPixel: 4}
	if err := f.Bind(make([]byte, 15), meta, nil); !errors.Is(err, ErrArgument) {
		t.Errorf("Bind short buffer: got %v, want ErrArgument", err)
	}
	if err := f.Bind(make([]byte, 16), meta, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := f.Bind(make([]byte, 16), meta, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind: got %v, want ErrAlreadyBound", err)
	}

	owned, _ := NewOwnedFrame(2, 2, 4)
	if err := owned.Bind(make([]byte, 16), meta, nil); !errors.Is(err, ErrOwnership) {
		t.Errorf("Bind owned frame: got %v, want ErrOwnership", err)
	}
}

func TestBorrowedFrameRelease(t *testing.T) {
	reclaimed := 0
	f := bindFrame(t, Depth, 2, 2, func() { reclaimed++ })

	if !f.release() {
		t.Fatal("first release reported false")
	}
	if f.release() {
		t.Error("second release reported true")
	}
	if reclaimed != 1 {
		t.Errorf("reclaim called %d times, want 1", reclaimed)
	}
	if _, err := f.View(Depth); !errors.Is(err, ErrReleased) {
		t.Errorf("View after release: got %v, want ErrReleased", err)
	}
	if _, err := f.Clone(); !errors.Is(err, ErrReleased) {
		t.Errorf("Clone after release: got %v, want ErrReleased", err)
	}
	if err := f.Bind(make([]byte, 16), f.Metadata(), nil); !errors.Is(err, ErrReleased) {
		t.Errorf("Bind after release: got %v, want ErrReleased", err)
	}
	// Close never frees borrowed memory.
	if err := f.Close(); err != nil {
		t.Errorf("Close borrowed: %v", err)
	}
}

func TestFrameView(t *testing.T) {
	f := bindFrame(t, Depth, 3, 2, nil)

	v, err := f.View(Depth)
	if err != nil {
		t.Fatalf("View(Depth): %v", err)
	}
	depth := v.(*FloatView)
	depth.Data[1*3+2] = 1234.5
	if got := depth.Shape(); got[0] != 2 || got[1] != 3 {
		t.Errorf("shape = %v, want [2 3]", got)
	}
	if got := depth.At(2, 1); got != 1234.5 {
		t.Errorf("At(2,1) = %v, want 1234.5", got)
	}

	cv, err := f.ColorView()
	if err != nil {
		t.Fatalf("ColorView: %v", err)
	}
	if got := cv.Shape(); len(got) != 3 || got[2] != 4 {
		t.Errorf("color shape = %v", got)
	}

	if _, err := f.View(Color | Depth); !errors.Is(err, ErrFormat) {
		t.Errorf("View(mask): got %v, want ErrFormat", err)
	}
	if _, err := f.View(FrameType(8)); !errors.Is(err, ErrFormat) {
		t.Errorf("View(8): got %v, want ErrFormat", err)
	}
}

func TestFrameViewNeedsFourBytesPerPixel(t *testing.T) {
	f := NewBorrowedFrame()
	meta := Metadata{Width: 2, Height: 2, BytesPerPixel: 3}
	if err := f.Bind(make([]byte, 12), meta, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := f.View(Color); !errors.Is(err, ErrFormat) {
		t.Errorf("View(Color) 3bpp: got %v, want ErrFormat", err)
	}
	if _, err := f.View(Ir); !errors.Is(err, ErrFormat) {
		t.Errorf("View(Ir) 3bpp: got %v, want ErrFormat", err)
	}
}

func TestFrameFloatViewNeedsAlignedBuffer(t *testing.T) {
	meta := Metadata{Width: 2, Height: 2, BytesPerPixel: 4, Type: Depth}
	buf := make([]byte, meta.Size()+1)
	f := NewBorrowedFrame()
	if err := f.Bind(buf[1:], meta, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := f.View(Depth); !errors.Is(err, ErrFormat) {
		t.Errorf("View(Depth) misaligned: got %v, want ErrFormat", err)
	}
	if _, err := f.View(Color); err != nil {
		t.Errorf("View(Color) misaligned: %v", err)
	}
}

func TestFrameClone(t *testing.T) {
	f := bindFrame(t, Color, 2, 1, nil)
	data, _ := f.Bytes()
	copy(data, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	c, err := f.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer c.Close()

	f.release()
	if c.Ownership() != Owned {
		t.Errorf("clone ownership = %s", c.Ownership())
	}
	if c.Sequence() != 7 || c.Type() != Color {
		t.Errorf("clone metadata = %+v", c.Metadata())
	}
	cv, err := c.ColorView()
	if err != nil {
		t.Fatalf("ColorView on clone: %v", err)
	}
	if got := cv.At(1, 0); got != [4]uint8{5, 6, 7, 8} {
		t.Errorf("At(1,0) = %v", got)
	}
}

func TestSetMetadata(t *testing.T) {
	f, _ := NewOwnedFrame(2, 2, 4)
	m := f.Metadata()
	m.Timestamp = 99
	if err := f.SetMetadata(m); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if f.Timestamp() != 99 {
		t.Errorf("timestamp = %d, want 99", f.Timestamp())
	}
	m.Width = 3
	if err := f.SetMetadata(m); !errors.Is(err, ErrArgument) {
		t.Errorf("SetMetadata wrong geometry: got %v, want ErrArgument", err)
	}

	b := bindFrame(t, Ir, 2, 2, nil)
	if err := b.SetMetadata(b.Metadata()); !errors.Is(err, ErrOwnership) {
		t.Errorf("SetMetadata borrowed: got %v, want ErrOwnership", err)
	}
}
