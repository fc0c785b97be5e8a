package freenect2

import (
	"fmt"
	"strings"
	"sync"
)

// PipelineKind selects the packet processing backend.
type PipelineKind int

const (
	PipelineCPU PipelineKind = iota
	PipelineOpenCL
	PipelineOpenGL
)

func (k PipelineKind) String() string {
	switch k {
	case PipelineCPU:
		return "cpu"
	case PipelineOpenCL:
		return "opencl"
	case PipelineOpenGL:
		return "opengl"
	default:
		return fmt.Sprintf("PipelineKind(%d)", int(k))
	}
}

// ParsePipelineKind parses "cpu", "opencl" or "opengl". An empty string selects cpu.
func ParsePipelineKind(s string) (PipelineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return PipelineCPU, nil
	case "opencl", "cl":
		return PipelineOpenCL, nil
	case "opengl", "gl":
		return PipelineOpenGL, nil
	default:
		return 0, fmt.Errorf("%w: pipeline %q", ErrValue, s)
	}
}

// Pipeline is a packet pipeline handle. Opening a device with it moves the
// native pipeline into the device; the handle is then empty and Close does
// nothing.
type Pipeline struct {
	mu     sync.Mutex
	driver Driver
	kind   PipelineKind
	native NativePipeline
	moved  bool
}

// NewPipeline creates a pipeline of the given kind.
func NewPipeline(d Driver, kind PipelineKind) (*Pipeline, error) {
	native, err := d.NewPipeline(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline: %w", kind, err)
	}
	return &Pipeline{driver: d, kind: kind, native: native}, nil
}

// Kind returns the backend kind.
func (p *Pipeline) Kind() PipelineKind {
	return p.kind
}

// Moved reports whether ownership was transferred to a device.
func (p *Pipeline) Moved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moved
}

// take moves the native pipeline out of the handle.
func (p *Pipeline) take() (NativePipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.native == nil {
		if p.moved {
			return nil, fmt.Errorf("%w: pipeline already given to a device", ErrOwnership)
		}
		return nil, fmt.Errorf("%w: pipeline closed", ErrOwnership)
	}
	native := p.native
	p.native = nil
	p.moved = true
	return native, nil
}

// Close frees the pipeline unless it was moved into a device.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	native := p.native
	p.native = nil
	p.mu.Unlock()

	if native != nil {
		p.driver.FreePipeline(native)
	}
	return nil
}
