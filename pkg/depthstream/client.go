package depthstream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Client receives masks and keeps the most recent one.
type Client struct {
	conn *net.UDPConn

	decoder *zstd.Decoder

	maskMu   sync.RWMutex
	mask     Mask
	hasMask  bool
	received uint64
}

// NewClient listens on addr. A multicast group is joined on the default
// interface; any other address is bound directly.
func NewClient(addr netip.AddrPort) (*Client, error) {
	var (
		conn *net.UDPConn
		err  error
	)
	if addr.Addr().IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp4", nil, net.UDPAddrFromAddrPort(addr))
	} else {
		conn, err = net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	}
	if err != nil {
		return nil, fmt.Errorf("could not listen on address: %w", err)
	}
	conn.SetReadBuffer(maxDatagram)

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not create decoder: %w", err)
	}

	return &Client{
		conn:    conn,
		decoder: decoder,
	}, nil
}

// Addr returns the local address the client listens on.
func (c *Client) Addr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (c *Client) Close() error {
	c.decoder.Close()
	return c.conn.Close()
}

// Run receives masks until ctx is done or the connection is closed.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	b := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(b)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("context canceled: %w", ctx.Err())
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("connection closed: %w", err)
			}
			continue
		}
		m, err := decodeMask(c.decoder, b[:n])
		if err != nil {
			slog.Debug("depthstream: dropped packet", "error", err)
			continue
		}
		c.maskMu.Lock()
		c.mask = m
		c.hasMask = true
		c.received++
		c.maskMu.Unlock()
	}
}

// Latest returns the most recent mask.
func (c *Client) Latest() (Mask, bool) {
	c.maskMu.RLock()
	defer c.maskMu.RUnlock()
	return c.mask, c.hasMask
}

// Received returns the number of masks decoded.
func (c *Client) Received() uint64 {
	c.maskMu.RLock()
	defer c.maskMu.RUnlock()
	return c.received
}

// RenderImage renders the latest mask, or a black image before the first one.
func (c *Client) RenderImage(col color.Color) image.Image {
	m, ok := c.Latest()
	if !ok {
		return image.NewNRGBA(image.Rect(0, 0, 512, 424))
	}
	return m.Image(col)
}
