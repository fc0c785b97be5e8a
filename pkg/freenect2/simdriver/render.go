package simdriver

import (
	"math"
	"unsafe"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

const (
	backgroundMM = 3000
	targetMM     = 900
	targetRadius = 60
)

func floats(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// TargetX returns the column of the moving target in depth frame seq.
func TargetX(seq uint32) int {
	span := freenect2.DepthWidth - 2*targetRadius
	return targetRadius + int(seq*4)%span
}

// renderColor draws a scrolling BGRX gradient.
func renderColor(f *freenect2.Frame, seq uint32) {
	b, err := f.Bytes()
	if err != nil {
		return
	}
	stride := freenect2.ColorWidth * 4
	row := b[:stride]
	for x := 0; x < freenect2.ColorWidth; x++ {
		v := uint8((x + int(seq)*8) >> 3)
		row[x*4+0] = v
		row[x*4+1] = 255 - v
		row[x*4+2] = uint8(seq)
		row[x*4+3] = 0xff
	}
	for y := 1; y < freenect2.ColorHeight; y++ {
		copy(b[y*stride:(y+1)*stride], row)
	}
}

// renderDepth draws a flat background with a near disc moving across it, in
// millimeters, clipped to the configured depth range.
func renderDepth(ir, depth *freenect2.Frame, seq uint32, cfg freenect2.DeviceConfig) {
	ib, err := ir.Bytes()
	if err != nil {
		return
	}
	db, err := depth.Bytes()
	if err != nil {
		return
	}
	irs, ds := floats(ib), floats(db)
	minMM, maxMM := cfg.MinDepth*1000, cfg.MaxDepth*1000

	cx, cy := TargetX(seq), freenect2.DepthHeight/2
	for y := 0; y < freenect2.DepthHeight; y++ {
		for x := 0; x < freenect2.DepthWidth; x++ {
			dx, dy := x-cx, y-cy
			d := float32(backgroundMM)
			if dx*dx+dy*dy <= targetRadius*targetRadius {
				d = targetMM
			}
			if d < minMM || d > maxMM {
				d = 0
			}
			i := y*freenect2.DepthWidth + x
			ds[i] = d
			if d == 0 {
				irs[i] = 0
			} else {
				irs[i] = 65535 * targetMM / d
			}
		}
	}
}

// RegistrationApply maps depth pixels to color with a nearest neighbour lookup.
// It has no lens model and exists so the registration path can run without
// hardware.
func (d *Driver) RegistrationApply(ir freenect2.IrCameraParams, color freenect2.ColorCameraParams, io freenect2.RegistrationIO) error {
	copy(io.Undistorted, io.Depth)

	depth := floats(io.Depth)
	for y := 0; y < freenect2.DepthHeight; y++ {
		cy := y * freenect2.ColorHeight / freenect2.DepthHeight
		for x := 0; x < freenect2.DepthWidth; x++ {
			i := y*freenect2.DepthWidth + x
			out := io.Registered[i*4 : i*4+4]
			if io.EnableFilter && depth[i] <= 0 {
				clear(out)
				continue
			}
			cx := x * freenect2.ColorWidth / freenect2.DepthWidth
			j := (cy*freenect2.ColorWidth + cx) * 4
			copy(out, io.Color[j:j+4])
		}
	}

	if io.BigDepth != nil {
		big := floats(io.BigDepth)
		inf := float32(math.Inf(1))
		for x := 0; x < freenect2.BigDepthWidth; x++ {
			big[x] = inf
			big[(freenect2.BigDepthHeight-1)*freenect2.BigDepthWidth+x] = inf
		}
		for r := 1; r < freenect2.BigDepthHeight-1; r++ {
			dy := (r - 1) * freenect2.DepthHeight / freenect2.ColorHeight
			for x := 0; x < freenect2.BigDepthWidth; x++ {
				v := depth[dy*freenect2.DepthWidth+x*freenect2.DepthWidth/freenect2.BigDepthWidth]
				if v <= 0 {
					v = inf
				}
				big[r*freenect2.BigDepthWidth+x] = v
			}
		}
	}
	return nil
}

// UndistortDepth copies depth unchanged.
func (d *Driver) UndistortDepth(ir freenect2.IrCameraParams, color freenect2.ColorCameraParams, depth, undistorted []byte) error {
	copy(undistorted, depth)
	return nil
}
