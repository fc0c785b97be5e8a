package output

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

// Output is the interface for capture destinations.
//
// WriteCapture is called from the session's capture loop. The borrowed frames
// in Capture.Frames are released as soon as it returns, so an output that needs
// the pixels later must copy them.
type Output interface {
	// Metadata
	Name() string
	Type() string

	// Lifecycle
	Open(config Config) error
	Close() error

	// Output
	WriteCapture(ctx context.Context, c *Capture) error
}

// Config holds output configuration. Each output reads the fields it needs.
type Config struct {
	SessionID string
	Serial    string

	// framestore
	Path     string
	MaxAge   time.Duration
	MaxCount int
	Every    int
	Level    string

	// depthstream
	Addr           string
	DepthThreshold float32
}

// Capture is one frame set as seen by the outputs.
type Capture struct {
	ID        string
	SessionID string
	Serial    string
	Sequence  uint32
	Timestamp uint32
	Time      time.Time

	// Frames holds the borrowed frames of the set.
	Frames *freenect2.FrameSet

	// Registration outputs, owned by the session and overwritten by the next
	// capture. Nil when registration is disabled.
	Undistorted *freenect2.Frame
	Registered  *freenect2.Frame
	BigDepth    *freenect2.Frame
}

// Frame returns the frame for a channel, looking at registration outputs for
// "undistorted", "registered" and "bigdepth".
func (c *Capture) Frame(name string) (*freenect2.Frame, error) {
	switch name {
	case "undistorted":
		return orMissing(c.Undistorted, name)
	case "registered":
		return orMissing(c.Registered, name)
	case "bigdepth":
		return orMissing(c.BigDepth, name)
	}
	if c.Frames == nil {
		return nil, fmt.Errorf("%w: %s", freenect2.ErrChannelNotFound, name)
	}
	return c.Frames.Get(name)
}

func orMissing(f *freenect2.Frame, name string) (*freenect2.Frame, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: %s", freenect2.ErrChannelNotFound, name)
	}
	return f, nil
}

// Record describes a capture kept by an output.
type Record struct {
	ID        string    `json:"id"`
	Sequence  uint32    `json:"sequence"`
	Timestamp uint32    `json:"timestamp"`
	Time      time.Time `json:"time"`
	Channels  []string  `json:"channels"`
	SizeBytes int64     `json:"size_bytes"`
}

// Indexer is implemented by outputs that keep the captures they write.
type Indexer interface {
	Index() []Record
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Output)
)

// Register registers an output plugin
func Register(name string, factory func() Output) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get returns an output plugin by name
func Get(name string) (Output, bool) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Names returns the registered plugin names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
