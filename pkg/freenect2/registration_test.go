package freenect2_test

import (
	"errors"
	"math"
	"testing"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
	"github.com/video-system/go-depth-capture/pkg/freenect2/simdriver"
)

type countingDriver struct {
	*simdriver.Driver
	applies int
}

func (d *countingDriver) RegistrationApply(ir freenect2.IrCameraParams, color freenect2.ColorCameraParams, io freenect2.RegistrationIO) error {
	d.applies++
	return d.Driver.RegistrationApply(ir, color, io)
}

func borrowed(t *testing.T, typ freenect2.FrameType, w, h int) *freenect2.Frame {
	t.Helper()
	f := freenect2.NewBorrowedFrame()
	meta := freenect2.Metadata{Width: w, Height: h, BytesPerPixel: 4, Type: typ, Sequence: 42, Timestamp: 1000}
	if err := f.Bind(make([]byte, meta.Size()), meta, nil); err != nil {
		t.Fatalf("Bind %s: %v", typ, err)
	}
	return f
}

func owned(t *testing.T, w, h int) *freenect2.Frame {
	t.Helper()
	f, err := freenect2.NewOwnedFrame(w, h, 4)
	if err != nil {
		t.Fatalf("NewOwnedFrame: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newRegistration(t *testing.T) (*freenect2.Registration, *countingDriver) {
	t.Helper()
	drv := &countingDriver{Driver: simdriver.New(simdriver.Config{})}
	reg := freenect2.NewRegistration(drv, freenect2.DefaultIrCameraParams(), freenect2.DefaultColorCameraParams())
	return reg, drv
}

func TestRegistrationApply(t *testing.T) {
	reg, drv := newRegistration(t)
	color := borrowed(t, freenect2.Color, freenect2.ColorWidth, freenect2.ColorHeight)
	depth := borrowed(t, freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight)

	dv, _ := depth.FloatView()
	for i := range dv.Data {
		dv.Data[i] = 1500
	}
	dv.Data[0] = 0
	cv, _ := color.ColorView()
	for i := range cv.Pix {
		cv.Pix[i] = 200
	}

	undistorted := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)
	registered := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)
	if err := reg.Apply(color, depth, undistorted, registered); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if drv.applies != 1 {
		t.Errorf("driver called %d times, want 1", drv.applies)
	}
	if registered.Width() != 512 || registered.Height() != 424 {
		t.Errorf("registered is %dx%d", registered.Width(), registered.Height())
	}
	if registered.Sequence() != 42 || registered.Type() != freenect2.Color {
		t.Errorf("registered metadata = %+v", registered.Metadata())
	}
	rv, _ := registered.ColorView()
	if got := rv.At(0, 0); got != [4]uint8{} {
		t.Errorf("filtered pixel = %v, want zero", got)
	}
	if got := rv.At(10, 10); got[0] != 200 {
		t.Errorf("mapped pixel = %v", got)
	}
	uv, _ := undistorted.FloatView()
	if got := uv.At(5, 5); got != 1500 {
		t.Errorf("undistorted depth = %v, want 1500", got)
	}
}

func TestRegistrationBigDepth(t *testing.T) {
	reg, _ := newRegistration(t)
	color := borrowed(t, freenect2.Color, freenect2.ColorWidth, freenect2.ColorHeight)
	depth := borrowed(t, freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight)
	dv, _ := depth.FloatView()
	for i := range dv.Data {
		dv.Data[i] = 2000
	}

	big := owned(t, freenect2.BigDepthWidth, freenect2.BigDepthHeight)
	err := reg.Apply(color, depth,
		owned(t, freenect2.DepthWidth, freenect2.DepthHeight),
		owned(t, freenect2.DepthWidth, freenect2.DepthHeight),
		freenect2.WithFilter(false), freenect2.WithBigDepth(big))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	bv, _ := big.FloatView()
	if got := bv.At(100, 0); !math.IsInf(float64(got), 1) {
		t.Errorf("padding row = %v, want +Inf", got)
	}
	if got := bv.At(100, 500); got != 2000 {
		t.Errorf("big depth = %v, want 2000", got)
	}

	small := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)
	err = reg.Apply(color, depth, small, owned(t, freenect2.DepthWidth, freenect2.DepthHeight),
		freenect2.WithBigDepth(owned(t, freenect2.ColorWidth, freenect2.ColorHeight)))
	if !errors.Is(err, freenect2.ErrArgument) {
		t.Errorf("1920x1080 big depth: got %v, want ErrArgument", err)
	}
}

func TestRegistrationPreconditions(t *testing.T) {
	reg, drv := newRegistration(t)
	color := borrowed(t, freenect2.Color, freenect2.ColorWidth, freenect2.ColorHeight)
	depth := borrowed(t, freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight)
	undistorted := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)
	registered := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)

	freed, _ := freenect2.NewOwnedFrame(freenect2.DepthWidth, freenect2.DepthHeight, 4)
	freed.Close()

	releasedSet := freenect2.NewFrameSet()
	staleDepth := borrowed(t, freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight)
	releasedSet.Set(freenect2.Depth, staleDepth)
	releasedSet.Release()

	tests := []struct {
		name                       string
		color, depth, undist, regd *freenect2.Frame
		want                       error
	}{
		{"borrowed registered", color, depth, undistorted, freenect2.NewBorrowedFrame(), freenect2.ErrOwnership},
		{"borrowed undistorted", color, depth, borrowed(t, freenect2.Depth, 512, 424), registered, freenect2.ErrOwnership},
		{"freed registered", color, depth, undistorted, freed, freenect2.ErrOwnership},
		{"owned color", owned(t, freenect2.ColorWidth, freenect2.ColorHeight), depth, undistorted, registered, freenect2.ErrOwnership},
		{"unbound depth", color, freenect2.NewBorrowedFrame(), undistorted, registered, freenect2.ErrOwnership},
		{"released depth", color, staleDepth, undistorted, registered, freenect2.ErrOwnership},
		{"small registered", color, depth, undistorted, owned(t, 256, 212), freenect2.ErrArgument},
		{"small color", borrowed(t, freenect2.Color, 640, 480), depth, undistorted, registered, freenect2.ErrArgument},
		{"nil depth", color, nil, undistorted, registered, freenect2.ErrArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Apply(tt.color, tt.depth, tt.undist, tt.regd)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if drv.applies != 0 {
		t.Errorf("driver called %d times on rejected input", drv.applies)
	}
}

func TestRegistrationUndistortDepth(t *testing.T) {
	reg, _ := newRegistration(t)
	depth := borrowed(t, freenect2.Depth, freenect2.DepthWidth, freenect2.DepthHeight)
	dv, _ := depth.FloatView()
	dv.Data[7] = 812

	out := owned(t, freenect2.DepthWidth, freenect2.DepthHeight)
	if err := reg.UndistortDepth(depth, out); err != nil {
		t.Fatalf("UndistortDepth: %v", err)
	}
	ov, _ := out.FloatView()
	if ov.Data[7] != 812 {
		t.Errorf("undistorted[7] = %v", ov.Data[7])
	}
	if err := reg.UndistortDepth(depth, freenect2.NewBorrowedFrame()); !errors.Is(err, freenect2.ErrOwnership) {
		t.Errorf("borrowed output: got %v, want ErrOwnership", err)
	}
}

func TestRegistrationSnapshotsParams(t *testing.T) {
	ir := freenect2.DefaultIrCameraParams()
	reg := freenect2.NewRegistration(simdriver.New(simdriver.Config{}), ir, freenect2.DefaultColorCameraParams())
	ir.Fx = 1
	if reg.IrParams().Fx == 1 {
		t.Error("registration shares caller's intrinsics")
	}
}
