package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/video-system/go-depth-capture/pkg/depthstream"
	_ "github.com/video-system/go-depth-capture/pkg/framestore"
	"github.com/video-system/go-depth-capture/pkg/freenect2"
	"github.com/video-system/go-depth-capture/pkg/freenect2/simdriver"
	"github.com/video-system/go-depth-capture/pkg/output"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Manager orchestrates one session per configured device
type Manager struct {
	cfg      *Config
	fn2      *freenect2.Manager
	sessions map[string]*Session

	mu        sync.RWMutex
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDriver builds the driver named by cfg.Driver.
func NewDriver(cfg *Config) (freenect2.Driver, error) {
	switch cfg.Driver {
	case "native":
		return freenect2.NativeDriver()
	case "sim":
		return simdriver.New(simdriver.Config{
			Devices:  cfg.Sim.Devices,
			Interval: cfg.Sim.Interval,
			PoolSize: cfg.Sim.PoolSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// NewManager creates a session manager on the configured driver
func NewManager(cfg *Config) (*Manager, error) {
	drv, err := NewDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("init driver: %w", err)
	}
	return NewManagerWithDriver(cfg, drv), nil
}

// NewManagerWithDriver creates a session manager on drv. The manager closes
// drv on Stop.
func NewManagerWithDriver(cfg *Config, drv freenect2.Driver) *Manager {
	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m := &Manager{
		cfg:       cfg,
		fn2:       freenect2.NewManager(drv),
		sessions:  make(map[string]*Session),
		sessionID: sessionID,
	}

	if cfg.IsMultiDevice() {
		for _, dev := range cfg.Devices {
			m.sessions[dev.ID] = NewSession(dev, cfg, m.fn2, sessionID)
			slog.Info("capture: device configured", "id", dev.ID, "selector", dev.Selector())
		}
	} else {
		m.sessions[cfg.Device.ID] = NewSession(cfg.Device, cfg, m.fn2, sessionID)
		slog.Info("capture: single device mode", "id", cfg.Device.ID, "selector", cfg.Device.Selector())
	}
	return m
}

// Start starts all sessions. A session that fails to start is logged and
// skipped; Start fails only when no session could start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	n, err := m.fn2.EnumerateDevices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	slog.Info("capture: starting sessions", "sessions", len(m.sessions), "devices", n, "session_id", m.sessionID)

	started := 0
	for _, id := range m.ListSessions() {
		if err := m.sessions[id].Start(m.ctx); err != nil {
			slog.Warn("capture: failed to start session", "id", id, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no session started")
	}
	return nil
}

// Stop stops all sessions and releases the driver
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, s := range m.sessions {
		s.Stop()
	}
	if err := m.fn2.Close(); err != nil {
		slog.Warn("capture: driver close", "error", err)
	}
	slog.Info("capture: all sessions stopped")
}

// Wait blocks until the context passed to Start is cancelled
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// SessionID returns the identifier stamped on every capture
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Driver returns the underlying driver
func (m *Manager) Driver() freenect2.Driver {
	return m.fn2.Driver()
}

// GetSession returns a session by ID
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListSessions returns all session IDs, sorted
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAllStatuses returns status for all sessions
func (m *Manager) GetAllStatuses() map[string]SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]SessionStatus, len(m.sessions))
	for id, s := range m.sessions {
		statuses[id] = s.Status()
	}
	return statuses
}

// Devices lists the devices the driver can see.
func (m *Manager) Devices() ([]DeviceInfo, error) {
	n, err := m.fn2.EnumerateDevices()
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool)
	for _, st := range m.GetAllStatuses() {
		if st.IsRunning {
			open[st.Serial] = true
		}
	}
	devices := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		serial, err := m.fn2.DeviceSerialNumber(i)
		if err != nil {
			return nil, err
		}
		devices = append(devices, DeviceInfo{Index: i, Serial: serial, Open: open[serial]})
	}
	return devices, nil
}

// ApplyTunables pushes settings that can change while sessions run.
func (m *Manager) ApplyTunables(cfg *Config) {
	filter, threshold := cfg.Registration.Filter, cfg.Stream.DepthThreshold
	m.UpdateTunables(&filter, &threshold)
}

// UpdateTunables sets the registration filter and the depth threshold on every
// session. Nil values are left unchanged.
func (m *Manager) UpdateTunables(filter *bool, threshold *float32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if filter != nil {
			s.SetRegistrationFilter(*filter)
		}
		if threshold != nil {
			s.SetDepthThreshold(*threshold)
		}
	}
	if filter != nil {
		slog.Info("capture: registration filter updated", "enabled", *filter)
	}
	if threshold != nil {
		slog.Info("capture: depth threshold updated", "threshold", *threshold)
	}
}

// Preview returns the latest color image of a session.
func (m *Manager) Preview(id string) (*image.NRGBA, time.Time, error) {
	s, ok := m.GetSession(id)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Preview()
}

// Captures returns the stored captures of a session.
func (m *Manager) Captures(id string) ([]output.Record, error) {
	s, ok := m.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Captures(), nil
}

// GetError returns the first session error, or nil if no errors
func (m *Manager) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if err := s.Err(); err != nil {
			return err
		}
	}
	return nil
}
