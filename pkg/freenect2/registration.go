package freenect2

import "fmt"

// Registration maps depth into the color camera frame using fixed intrinsics.
// The parameters are copied at construction; the mapping itself runs in the driver.
type Registration struct {
	driver Driver
	ir     IrCameraParams
	color  ColorCameraParams
}

// NewRegistration snapshots ir and color.
func NewRegistration(d Driver, ir IrCameraParams, color ColorCameraParams) *Registration {
	return &Registration{driver: d, ir: ir, color: color}
}

// IrParams returns the IR intrinsics the registration was built with.
func (r *Registration) IrParams() IrCameraParams { return r.ir }

// ColorParams returns the color intrinsics the registration was built with.
func (r *Registration) ColorParams() ColorCameraParams { return r.color }

type applyOptions struct {
	filter   bool
	bigDepth *Frame
}

// ApplyOption configures Registration.Apply.
type ApplyOption func(*applyOptions)

// WithFilter toggles filtering of color pixels that are occluded or out of the
// depth range. Enabled by default.
func WithFilter(enable bool) ApplyOption {
	return func(o *applyOptions) { o.filter = enable }
}

// WithBigDepth also writes depth mapped onto the full color resolution into f,
// which must be an owned 1920x1082x4 frame.
func WithBigDepth(f *Frame) ApplyOption {
	return func(o *applyOptions) { o.bigDepth = f }
}

// Apply maps color and depth, both borrowed frames that have not been released,
// into the owned outputs undistorted (512x424 depth) and registered (512x424
// color). Every precondition is checked before the driver is called.
func (r *Registration) Apply(color, depth, undistorted, registered *Frame, opts ...ApplyOption) error {
	o := applyOptions{filter: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := color.checkInput("color"); err != nil {
		return err
	}
	if err := depth.checkInput("depth"); err != nil {
		return err
	}
	if err := undistorted.checkOutput("undistorted", DepthWidth, DepthHeight); err != nil {
		return err
	}
	if err := registered.checkOutput("registered", DepthWidth, DepthHeight); err != nil {
		return err
	}
	if o.bigDepth != nil {
		if err := o.bigDepth.checkOutput("big depth", BigDepthWidth, BigDepthHeight); err != nil {
			return err
		}
	}

	cm, dm := color.Metadata(), depth.Metadata()
	if cm.Width != ColorWidth || cm.Height != ColorHeight || cm.BytesPerPixel != BytesPerPixel {
		return fmt.Errorf("%w: color is %dx%dx%d", ErrArgument, cm.Width, cm.Height, cm.BytesPerPixel)
	}
	if dm.Width != DepthWidth || dm.Height != DepthHeight || dm.BytesPerPixel != BytesPerPixel {
		return fmt.Errorf("%w: depth is %dx%dx%d", ErrArgument, dm.Width, dm.Height, dm.BytesPerPixel)
	}

	io := RegistrationIO{EnableFilter: o.filter}
	var err error
	if io.Color, err = color.Bytes(); err != nil {
		return err
	}
	if io.Depth, err = depth.Bytes(); err != nil {
		return err
	}
	if io.Undistorted, err = undistorted.Bytes(); err != nil {
		return err
	}
	if io.Registered, err = registered.Bytes(); err != nil {
		return err
	}
	if o.bigDepth != nil {
		if io.BigDepth, err = o.bigDepth.Bytes(); err != nil {
			return err
		}
	}

	if err := r.driver.RegistrationApply(r.ir, r.color, io); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	stampOutput(undistorted, dm, Depth)
	stampOutput(registered, cm, Color)
	if o.bigDepth != nil {
		stampOutput(o.bigDepth, dm, Depth)
	}
	return nil
}

// UndistortDepth writes the undistorted depth of a borrowed depth frame into an
// owned 512x424x4 frame.
func (r *Registration) UndistortDepth(depth, undistorted *Frame) error {
	if err := depth.checkInput("depth"); err != nil {
		return err
	}
	if err := undistorted.checkOutput("undistorted", DepthWidth, DepthHeight); err != nil {
		return err
	}
	dm := depth.Metadata()
	if dm.Width != DepthWidth || dm.Height != DepthHeight || dm.BytesPerPixel != BytesPerPixel {
		return fmt.Errorf("%w: depth is %dx%dx%d", ErrArgument, dm.Width, dm.Height, dm.BytesPerPixel)
	}

	in, err := depth.Bytes()
	if err != nil {
		return err
	}
	out, err := undistorted.Bytes()
	if err != nil {
		return err
	}
	if err := r.driver.UndistortDepth(r.ir, r.color, in, out); err != nil {
		return fmt.Errorf("undistort depth: %w", err)
	}
	stampOutput(undistorted, dm, Depth)
	return nil
}

// stampOutput carries the capture timestamp and sequence over to an output frame.
func stampOutput(out *Frame, src Metadata, t FrameType) {
	m := out.Metadata()
	m.Timestamp = src.Timestamp
	m.Sequence = src.Sequence
	m.Type = t
	m.Status = src.Status
	out.SetMetadata(m)
}
