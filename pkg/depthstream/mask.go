// Package depthstream publishes thresholded depth masks over UDP, one zstd
// compressed datagram per frame, and receives them on the other end.
package depthstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

const (
	magic      = "DMSK"
	version    = 1
	headerSize = 4 + 1 + 2 + 2 + 4

	maxDatagram = 65507
)

var errBadPacket = errors.New("depthstream: malformed packet")

// Mask is a 1-bit image of the pixels nearer than the threshold, packed
// row-major with the most significant bit first.
type Mask struct {
	Width    int
	Height   int
	Sequence uint32
	Bits     []byte
}

// Threshold builds a mask from a depth view in millimeters. Pixels without a
// depth reading are off.
func Threshold(depth *freenect2.FloatView, threshold float32, seq uint32) Mask {
	m := Mask{
		Width:    depth.Width,
		Height:   depth.Height,
		Sequence: seq,
		Bits:     make([]byte, (depth.Width*depth.Height+7)/8),
	}
	for i, v := range depth.Data {
		if v <= 0 || v > threshold {
			continue
		}
		m.Bits[i/8] |= 0x80 >> (i % 8)
	}
	return m
}

// At reports whether pixel x, y is set.
func (m Mask) At(x, y int) bool {
	i := y*m.Width + x
	return m.Bits[i/8]&(0x80>>(i%8)) != 0
}

// Count returns the number of set pixels.
func (m Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

// Image renders the mask with col for set pixels on black, mirrored so it
// reads like a mirror image of the scene.
func (m Mask) Image(col color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	c := color.NRGBAModel.Convert(col).(color.NRGBA)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y) {
				img.SetNRGBA(x, y, c)
			} else {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			}
		}
	}
	return imaging.FlipH(img)
}

func encodeMask(enc *zstd.Encoder, m Mask) ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+len(m.Bits)/4)
	copy(buf, magic)
	buf[4] = version
	binary.BigEndian.PutUint16(buf[5:], uint16(m.Width))
	binary.BigEndian.PutUint16(buf[7:], uint16(m.Height))
	binary.BigEndian.PutUint32(buf[9:], m.Sequence)
	buf = enc.EncodeAll(m.Bits, buf)
	if len(buf) > maxDatagram {
		return nil, fmt.Errorf("depthstream: encoded mask is %d bytes", len(buf))
	}
	return buf, nil
}

func decodeMask(dec *zstd.Decoder, b []byte) (Mask, error) {
	if len(b) < headerSize || string(b[:4]) != magic || b[4] != version {
		return Mask{}, errBadPacket
	}
	m := Mask{
		Width:    int(binary.BigEndian.Uint16(b[5:])),
		Height:   int(binary.BigEndian.Uint16(b[7:])),
		Sequence: binary.BigEndian.Uint32(b[9:]),
	}
	want := (m.Width*m.Height + 7) / 8
	bits, err := dec.DecodeAll(b[headerSize:], make([]byte, 0, want))
	if err != nil {
		return Mask{}, fmt.Errorf("%w: %w", errBadPacket, err)
	}
	if len(bits) != want {
		return Mask{}, fmt.Errorf("%w: %d mask bytes for %dx%d", errBadPacket, len(bits), m.Width, m.Height)
	}
	m.Bits = bits
	return m, nil
}
