package depthstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/video-system/go-depth-capture/pkg/output"
)

func init() {
	output.Register("depthstream", func() output.Output { return &Publisher{} })
}

// DefaultThreshold is the mask cut-off in millimeters.
const DefaultThreshold = 1500

// Publisher sends a depth mask for every capture it is given.
type Publisher struct {
	conn    *net.UDPConn
	encoder *zstd.Encoder

	depthThresholdMu sync.RWMutex
	depthThreshold   float32

	mu   sync.Mutex
	sent uint64
}

// NewPublisher dials addr, usually a multicast group.
func NewPublisher(addr netip.AddrPort, threshold float32) (*Publisher, error) {
	p := &Publisher{}
	if err := p.dial(addr, threshold); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) dial(addr netip.AddrPort, threshold float32) error {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return fmt.Errorf("could not dial udp address: %w", err)
	}
	conn.SetWriteBuffer(maxDatagram)

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		conn.Close()
		return fmt.Errorf("could not create encoder: %w", err)
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	p.conn = conn
	p.encoder = encoder
	p.depthThreshold = threshold
	return nil
}

// Name implements output.Output.
func (p *Publisher) Name() string { return "depthstream" }

// Type implements output.Output.
func (p *Publisher) Type() string { return "stream" }

// Open implements output.Output.
func (p *Publisher) Open(config output.Config) error {
	addr, err := netip.ParseAddrPort(config.Addr)
	if err != nil {
		return fmt.Errorf("depthstream address %q: %w", config.Addr, err)
	}
	return p.dial(addr, config.DepthThreshold)
}

// Close implements output.Output.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	p.encoder.Close()
	return p.conn.Close()
}

// SetDepthThreshold changes the cut-off for subsequent masks.
func (p *Publisher) SetDepthThreshold(threshold float32) {
	p.depthThresholdMu.Lock()
	defer p.depthThresholdMu.Unlock()

	p.depthThreshold = threshold
}

// DepthThreshold returns the current cut-off.
func (p *Publisher) DepthThreshold() float32 {
	p.depthThresholdMu.RLock()
	defer p.depthThresholdMu.RUnlock()
	return p.depthThreshold
}

// Sent returns the number of masks sent.
func (p *Publisher) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// WriteCapture implements output.Output. It prefers the undistorted depth when
// registration ran.
func (p *Publisher) WriteCapture(ctx context.Context, c *output.Capture) error {
	f, err := c.Frame("undistorted")
	if err != nil {
		if f, err = c.Frame("depth"); err != nil {
			return nil
		}
	}
	view, err := f.FloatView()
	if err != nil {
		return fmt.Errorf("depth view: %w", err)
	}
	m := Threshold(view, p.DepthThreshold(), c.Sequence)
	return p.Publish(m)
}

// Publish sends one mask.
func (p *Publisher) Publish(m Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	packet, err := encodeMask(p.encoder, m)
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(packet); err != nil {
		slog.Debug("depthstream: send failed", "error", err)
		return fmt.Errorf("send mask: %w", err)
	}
	p.sent++
	return nil
}
