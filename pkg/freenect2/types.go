package freenect2

import (
	"fmt"
	"math"
	"strings"
)

// FrameType tags both the channel a frame arrived on and how its buffer is interpreted.
// The values match the native driver's flag values so they can be OR'ed into masks.
type FrameType uint32

const (
	Color FrameType = 1
	Ir    FrameType = 2
	Depth FrameType = 4
)

// AllTypes lists the channels in posting order.
var AllTypes = []FrameType{Color, Ir, Depth}

var frameTypeNames = map[FrameType]string{
	Color: "color",
	Ir:    "ir",
	Depth: "depth",
}

var frameTypesByName = map[string]FrameType{
	"color": Color,
	"ir":    Ir,
	"depth": Depth,
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	var parts []string
	for _, single := range AllTypes {
		if t&single != 0 {
			parts = append(parts, frameTypeNames[single])
		}
	}
	if len(parts) == 0 || t&^(Color|Ir|Depth) != 0 {
		return fmt.Sprintf("FrameType(%d)", uint32(t))
	}
	return strings.Join(parts, "|")
}

// Has reports whether the mask t includes every bit of other.
func (t FrameType) Has(other FrameType) bool {
	return other != 0 && t&other == other
}

// Split returns the single channels contained in the mask t.
func (t FrameType) Split() []FrameType {
	var out []FrameType
	for _, single := range AllTypes {
		if t&single != 0 {
			out = append(out, single)
		}
	}
	return out
}

func (t FrameType) valid() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// ParseFrameType normalizes a channel given as a FrameType, a lowercase name
// ("color", "ir", "depth") or a raw integer flag value.
func ParseFrameType(v any) (FrameType, error) {
	var raw int64
	switch x := v.(type) {
	case FrameType:
		raw = int64(x)
	case string:
		t, ok := frameTypesByName[x]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrChannelNotFound, x)
		}
		return t, nil
	case int:
		raw = int64(x)
	case int8:
		raw = int64(x)
	case int16:
		raw = int64(x)
	case int32:
		raw = int64(x)
	case int64:
		raw = x
	case uint:
		if uint64(x) > math.MaxUint32 {
			return 0, fmt.Errorf("%w: %d", ErrChannelNotFound, x)
		}
		raw = int64(x)
	case uint8:
		raw = int64(x)
	case uint16:
		raw = int64(x)
	case uint32:
		raw = int64(x)
	case uint64:
		if x > math.MaxUint32 {
			return 0, fmt.Errorf("%w: %d", ErrChannelNotFound, x)
		}
		raw = int64(x)
	default:
		return 0, fmt.Errorf("%w: channel of type %T", ErrValue, v)
	}
	if raw < 0 || raw > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", ErrChannelNotFound, raw)
	}
	t := FrameType(raw)
	if !t.valid() {
		return 0, fmt.Errorf("%w: %d", ErrChannelNotFound, raw)
	}
	return t, nil
}

// ParseFrameTypes builds a channel mask from a list of channel names.
func ParseFrameTypes(names []string) (FrameType, error) {
	var mask FrameType
	for _, name := range names {
		t, err := ParseFrameType(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return 0, err
		}
		mask |= t
	}
	return mask, nil
}

// Ownership says who is responsible for a frame's memory.
type Ownership int

const (
	// Borrowed frames reference producer memory valid until release.
	Borrowed Ownership = iota
	// Owned frames allocate their buffer and free it exactly once on Close.
	Owned
)

func (o Ownership) String() string {
	switch o {
	case Borrowed:
		return "borrowed"
	case Owned:
		return "owned"
	default:
		return fmt.Sprintf("Ownership(%d)", int(o))
	}
}

// Status mirrors the native frame status word.
type Status uint32

const (
	StatusReady Status = 0
	StatusError Status = 1
)

// Standard frame geometry of the sensor.
const (
	ColorWidth    = 1920
	ColorHeight   = 1080
	DepthWidth    = 512
	DepthHeight   = 424
	BigDepthWidth = 1920
	// BigDepthHeight has one extra row above and below the color image.
	BigDepthHeight = 1082
	BytesPerPixel  = 4
)
