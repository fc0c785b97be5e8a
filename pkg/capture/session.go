package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
	"github.com/video-system/go-depth-capture/pkg/output"
)

const previewInterval = 500 * time.Millisecond

// ErrNoPreview is returned before the first color frame arrives.
var ErrNoPreview = errors.New("no color frame captured yet")

// Session drives one device: it opens it, waits for frame sets, runs
// registration and hands every set to the outputs before releasing it.
type Session struct {
	id        string
	sessionID string
	cfg       DeviceConfig
	shared    *Config
	fn2       *freenect2.Manager

	// set in Start, read-only while running
	device       *freenect2.Device
	listener     *freenect2.Listener
	registration *freenect2.Registration
	undistorted  *freenect2.Frame
	registered   *freenect2.Frame
	bigDepth     *freenect2.Frame
	outputs      []output.Output

	regFilter atomic.Bool

	previewMu   sync.RWMutex
	preview     *freenect2.Frame
	previewTime time.Time

	mu          sync.RWMutex
	isRunning   bool
	serial      string
	firmware    string
	frames      uint64
	errs        uint64
	lastCapture time.Time
	lastErr     error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session for one configured device.
func NewSession(cfg DeviceConfig, shared *Config, fn2 *freenect2.Manager, sessionID string) *Session {
	s := &Session{
		id:        cfg.ID,
		sessionID: sessionID,
		cfg:       cfg,
		shared:    shared,
		fn2:       fn2,
	}
	s.regFilter.Store(shared.Registration.Filter)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Start opens the device and starts the capture loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("session %s already running", s.id)
	}
	s.mu.Unlock()

	if err := s.open(); err != nil {
		s.setError(err)
		s.release()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.isRunning = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx, s.done)
	slog.Info("capture: session started", "id", s.id, "serial", s.serial, "outputs", len(s.activeOutputs()))
	return nil
}

func (s *Session) open() error {
	kind, err := freenect2.ParsePipelineKind(s.cfg.Pipeline)
	if err != nil {
		return err
	}
	types, err := s.cfg.FrameTypes()
	if err != nil {
		return err
	}

	pipeline, err := freenect2.NewPipeline(s.fn2.Driver(), kind)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	dev, err := s.fn2.OpenDevice(s.cfg.Selector(), pipeline)
	if err != nil {
		return fmt.Errorf("open device %v: %w", s.cfg.Selector(), err)
	}
	s.device = dev

	serial, _ := dev.SerialNumber()
	firmware, _ := dev.FirmwareVersion()
	s.mu.Lock()
	s.serial, s.firmware = serial, firmware
	s.mu.Unlock()

	if err := dev.SetConfig(s.cfg.DeviceSettings()); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}

	l, err := freenect2.NewListener(types)
	if err != nil {
		return err
	}
	s.listener = l
	if types&freenect2.Color != 0 {
		if err := dev.SetColorFrameListener(l); err != nil {
			return err
		}
	}
	if types&(freenect2.Ir|freenect2.Depth) != 0 {
		if err := dev.SetIrAndDepthFrameListener(l); err != nil {
			return err
		}
	}

	if s.shared.Registration.Enabled && types.Has(freenect2.Color|freenect2.Depth) {
		if err := s.setupRegistration(); err != nil {
			return fmt.Errorf("registration: %w", err)
		}
	}

	s.openOutputs()

	if err := dev.StartStreams(types&freenect2.Color != 0, types&(freenect2.Ir|freenect2.Depth) != 0); err != nil {
		return err
	}
	return nil
}

func (s *Session) setupRegistration() error {
	ir, err := s.device.IrCameraParams()
	if err != nil {
		return err
	}
	color, err := s.device.ColorCameraParams()
	if err != nil {
		return err
	}
	drv := s.fn2.Driver()
	s.registration = freenect2.NewRegistration(drv, ir, color)

	if s.undistorted, err = freenect2.NewOwnedFrameFrom(drv, freenect2.DepthWidth, freenect2.DepthHeight, freenect2.BytesPerPixel); err != nil {
		return err
	}
	if s.registered, err = freenect2.NewOwnedFrameFrom(drv, freenect2.DepthWidth, freenect2.DepthHeight, freenect2.BytesPerPixel); err != nil {
		return err
	}
	if s.shared.Registration.BigDepth {
		if s.bigDepth, err = freenect2.NewOwnedFrameFrom(drv, freenect2.BigDepthWidth, freenect2.BigDepthHeight, freenect2.BytesPerPixel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) openOutputs() {
	cfg := output.Config{
		SessionID:      s.sessionID,
		Serial:         s.serial,
		Path:           s.storePath(),
		MaxAge:         s.shared.Store.MaxAge,
		MaxCount:       s.shared.Store.MaxCount,
		Every:          s.shared.Store.Every,
		Level:          s.shared.Store.Level,
		Addr:           s.shared.Stream.Addr,
		DepthThreshold: s.shared.Stream.DepthThreshold,
	}
	for _, name := range s.shared.Outputs {
		o, ok := output.Get(name)
		if !ok {
			slog.Warn("capture: unknown output", "id", s.id, "output", name, "available", output.Names())
			continue
		}
		if err := o.Open(cfg); err != nil {
			slog.Warn("capture: failed to open output", "id", s.id, "output", name, "error", err)
			continue
		}
		s.mu.Lock()
		s.outputs = append(s.outputs, o)
		s.mu.Unlock()
	}
}

// activeOutputs returns a snapshot of the open outputs.
func (s *Session) activeOutputs() []output.Output {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.outputs)
}

func (s *Session) storePath() string {
	if s.shared.IsMultiDevice() {
		return s.shared.Store.Path + "/" + s.id
	}
	return s.shared.Store.Path
}

// loop waits for frame sets until the device is closed or ctx is done.
func (s *Session) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	out := freenect2.NewFrameSet()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.shared.Listener.WaitTimeout)
		set, err := s.listener.WaitForNewFrame(waitCtx, out)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, freenect2.ErrListenerClosed):
			return
		case errors.Is(err, context.DeadlineExceeded):
			slog.Debug("capture: no frame within timeout", "id", s.id, "timeout", s.shared.Listener.WaitTimeout)
			continue
		default:
			s.setError(err)
			return
		}

		s.handle(ctx, set)
		if err := set.Release(); err != nil {
			slog.Error("capture: release frame set", "id", s.id, "error", err)
		}
	}
}

func (s *Session) handle(ctx context.Context, set *freenect2.FrameSet) {
	c := &output.Capture{
		ID:        uuid.NewString(),
		SessionID: s.sessionID,
		Serial:    s.serial,
		Time:      time.Now(),
		Frames:    set,
	}
	for _, t := range freenect2.AllTypes {
		if f, err := set.Get(t); err == nil {
			c.Sequence, c.Timestamp = f.Sequence(), f.Timestamp()
			break
		}
	}

	failed := false
	if s.registration != nil {
		if err := s.register(set); err != nil {
			slog.Warn("capture: registration failed", "id", s.id, "sequence", c.Sequence, "error", err)
			failed = true
		} else {
			c.Undistorted, c.Registered, c.BigDepth = s.undistorted, s.registered, s.bigDepth
		}
	}

	if color, err := set.Get(freenect2.Color); err == nil {
		s.updatePreview(color, c.Time)
	}

	for _, o := range s.activeOutputs() {
		if err := o.WriteCapture(ctx, c); err != nil {
			slog.Warn("capture: output failed", "id", s.id, "output", o.Name(), "error", err)
			failed = true
		}
	}

	s.mu.Lock()
	s.frames++
	s.lastCapture = c.Time
	if failed {
		s.errs++
	}
	s.mu.Unlock()
}

func (s *Session) register(set *freenect2.FrameSet) error {
	color, err := set.Get(freenect2.Color)
	if err != nil {
		return err
	}
	depth, err := set.Get(freenect2.Depth)
	if err != nil {
		return err
	}
	opts := []freenect2.ApplyOption{freenect2.WithFilter(s.regFilter.Load())}
	if s.bigDepth != nil {
		opts = append(opts, freenect2.WithBigDepth(s.bigDepth))
	}
	return s.registration.Apply(color, depth, s.undistorted, s.registered, opts...)
}

// updatePreview copies the color frame into the session's own buffer, at most
// every previewInterval.
func (s *Session) updatePreview(color *freenect2.Frame, now time.Time) {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()

	if now.Sub(s.previewTime) < previewInterval {
		return
	}
	meta := color.Metadata()
	if s.preview == nil || s.preview.Width() != meta.Width || s.preview.Height() != meta.Height {
		if s.preview != nil {
			s.preview.Close()
		}
		f, err := freenect2.NewOwnedFrame(meta.Width, meta.Height, meta.BytesPerPixel)
		if err != nil {
			return
		}
		s.preview = f
	}
	src, err := color.Bytes()
	if err != nil {
		return
	}
	dst, _ := s.preview.Bytes()
	copy(dst, src)
	s.preview.SetMetadata(meta)
	s.previewTime = now
}

// Preview returns the latest color frame as an image. Color frames are BGRX.
func (s *Session) Preview() (*image.NRGBA, time.Time, error) {
	s.previewMu.RLock()
	defer s.previewMu.RUnlock()

	if s.preview == nil {
		return nil, time.Time{}, ErrNoPreview
	}
	view, err := s.preview.ColorView()
	if err != nil {
		return nil, time.Time{}, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, view.Width, view.Height))
	for i := 0; i+3 < len(view.Pix); i += 4 {
		img.Pix[i+0] = view.Pix[i+2]
		img.Pix[i+1] = view.Pix[i+1]
		img.Pix[i+2] = view.Pix[i+0]
		img.Pix[i+3] = 0xff
	}
	return img, s.previewTime, nil
}

// Captures returns the records kept by indexing outputs.
func (s *Session) Captures() []output.Record {
	var records []output.Record
	for _, o := range s.activeOutputs() {
		if idx, ok := o.(output.Indexer); ok {
			records = append(records, idx.Index()...)
		}
	}
	return records
}

// SetRegistrationFilter toggles filtering for subsequent registrations.
func (s *Session) SetRegistrationFilter(enable bool) {
	s.regFilter.Store(enable)
}

// SetDepthThreshold updates outputs that threshold depth.
func (s *Session) SetDepthThreshold(threshold float32) {
	for _, o := range s.activeOutputs() {
		if t, ok := o.(interface{ SetDepthThreshold(float32) }); ok {
			t.SetDepthThreshold(threshold)
		}
	}
}

// Stop closes the device, which cancels a pending wait, and waits for the
// capture loop before closing outputs and freeing buffers.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	if err := s.device.Close(); err != nil {
		slog.Warn("capture: device close", "id", s.id, "error", err)
	}
	<-done
	s.device = nil
	s.release()
	slog.Info("capture: session stopped", "id", s.id)
}

// release frees what open allocated. It is safe on a partially opened session.
func (s *Session) release() {
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	s.mu.Lock()
	outputs := s.outputs
	s.outputs = nil
	s.mu.Unlock()
	for _, o := range outputs {
		if err := o.Close(); err != nil {
			slog.Warn("capture: output close", "id", s.id, "output", o.Name(), "error", err)
		}
	}
	for _, f := range []*freenect2.Frame{s.undistorted, s.registered, s.bigDepth} {
		if f != nil {
			f.Close()
		}
	}
	s.undistorted, s.registered, s.bigDepth = nil, nil, nil
	s.registration = nil

	s.previewMu.Lock()
	if s.preview != nil {
		s.preview.Close()
		s.preview = nil
	}
	s.previewMu.Unlock()
}

func (s *Session) setError(err error) {
	slog.Error("capture: session error", "id", s.id, "error", err)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Err returns the last session error, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IsRunning returns true while the capture loop runs
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Status returns the session status
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionStatus{
		ID:           s.id,
		SessionID:    s.sessionID,
		Serial:       s.serial,
		Firmware:     s.firmware,
		Pipeline:     s.cfg.Pipeline,
		State:        freenect2.StateClosed.String(),
		IsRunning:    s.isRunning,
		Frames:       s.frames,
		Errors:       s.errs,
	}
	if types, err := s.cfg.FrameTypes(); err == nil {
		st.Channels = types.String()
	}
	if s.isRunning {
		st.State = s.device.State().String()
		st.Dropped = s.listener.Stats().Dropped
		st.Registration = s.registration != nil
		for _, o := range s.outputs {
			st.Outputs = append(st.Outputs, o.Name())
		}
	}
	if !s.lastCapture.IsZero() {
		st.LastCapture = s.lastCapture.UnixMilli()
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}
