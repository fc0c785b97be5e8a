// Package framestore keeps a rolling on-disk window of recent captures. Every
// frame is written as its own zstd file next to a JSON index, and captures are
// evicted by age and count.
package framestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
	"github.com/video-system/go-depth-capture/pkg/output"
)

func init() {
	output.Register("framestore", func() output.Output { return &Store{} })
}

// ErrNotFound reports an unknown capture or channel.
var ErrNotFound = errors.New("framestore: not found")

// Config holds store configuration
type Config struct {
	Path      string        // Storage directory
	MaxAge    time.Duration // Drop captures older than this (0 keeps forever)
	MaxCount  int           // Keep at most this many captures (0 is unlimited)
	Every     int           // Store every Nth capture
	Level     string        // zstd level: fastest, default, better, best
	SessionID string
}

// FrameFile is one stored frame.
type FrameFile struct {
	Channel       string  `json:"channel"`
	File          string  `json:"file"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	BytesPerPixel int     `json:"bytes_per_pixel"`
	Type          uint32  `json:"type"`
	Timestamp     uint32  `json:"timestamp"`
	Sequence      uint32  `json:"sequence"`
	Exposure      float32 `json:"exposure,omitempty"`
	Gain          float32 `json:"gain,omitempty"`
	Gamma         float32 `json:"gamma,omitempty"`
	Status        uint32  `json:"status"`
	RawBytes      int64   `json:"raw_bytes"`
	SizeBytes     int64   `json:"size_bytes"`
}

// Entry is one stored capture.
type Entry struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Serial    string      `json:"serial"`
	Sequence  uint32      `json:"sequence"`
	Timestamp uint32      `json:"timestamp"`
	Time      time.Time   `json:"time"`
	Frames    []FrameFile `json:"frames"`
	SizeBytes int64       `json:"size_bytes"`
}

// Store manages the capture window on disk.
type Store struct {
	cfg     Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.RWMutex
	entries map[string]*Entry
	seen    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New opens a store, loading any index left in cfg.Path.
func New(cfg Config) (*Store, error) {
	s := &Store{}
	if err := s.open(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open(cfg Config) error {
	if cfg.Path == "" {
		return errors.New("framestore: path is required")
	}
	if cfg.Every <= 0 {
		cfg.Every = 1
	}
	if cfg.Level == "" {
		cfg.Level = "fastest"
	}
	ok, level := zstd.EncoderLevelFromString(cfg.Level)
	if !ok {
		return fmt.Errorf("framestore: unknown compression level %q", cfg.Level)
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return fmt.Errorf("create store path: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return fmt.Errorf("create decoder: %w", err)
	}

	s.cfg = cfg
	s.encoder = encoder
	s.decoder = decoder
	s.entries = make(map[string]*Entry)

	if err := s.loadIndex(); err != nil {
		slog.Warn("framestore: failed to load index", "path", cfg.Path, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.cleanupLoop(ctx)

	slog.Info("framestore: opened", "path", cfg.Path, "captures", len(s.entries),
		"max_age", cfg.MaxAge, "max_count", cfg.MaxCount, "every", cfg.Every)
	return nil
}

// Name implements output.Output.
func (s *Store) Name() string { return "framestore" }

// Type implements output.Output.
func (s *Store) Type() string { return "storage" }

// Open implements output.Output.
func (s *Store) Open(config output.Config) error {
	return s.open(Config{
		Path:      config.Path,
		MaxAge:    config.MaxAge,
		MaxCount:  config.MaxCount,
		Every:     config.Every,
		Level:     config.Level,
		SessionID: config.SessionID,
	})
}

// Close stops the cleanup loop and writes the index.
func (s *Store) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil

	err := s.saveIndex()
	s.encoder.Close()
	s.decoder.Close()
	return err
}

// WriteCapture implements output.Output.
func (s *Store) WriteCapture(ctx context.Context, c *output.Capture) error {
	_, err := s.Add(c)
	return err
}

// Add stores a capture, honoring the Every setting. It returns nil, nil when
// the capture was skipped.
func (s *Store) Add(c *output.Capture) (*Entry, error) {
	s.mu.Lock()
	s.seen++
	skip := (s.seen-1)%uint64(s.cfg.Every) != 0
	s.mu.Unlock()
	if skip {
		return nil, nil
	}

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(s.cfg.Path, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}

	entry := &Entry{
		ID:        id,
		SessionID: c.SessionID,
		Serial:    c.Serial,
		Sequence:  c.Sequence,
		Timestamp: c.Timestamp,
		Time:      c.Time,
	}
	for _, name := range channels {
		f, err := c.Frame(name)
		if err != nil {
			continue
		}
		ff, err := s.writeFrame(dir, name, f)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		entry.Frames = append(entry.Frames, ff)
		entry.SizeBytes += ff.SizeBytes
	}

	s.mu.Lock()
	s.entries[id] = entry
	removed := s.evictLocked(time.Now())
	count := len(s.entries)
	s.mu.Unlock()

	s.removeFiles(removed)
	if count%10 == 0 {
		if err := s.saveIndex(); err != nil {
			slog.Warn("framestore: failed to save index", "error", err)
		}
	}
	return entry, nil
}

var channels = []string{"color", "ir", "depth", "undistorted", "registered", "bigdepth"}

func (s *Store) writeFrame(dir, name string, f *freenect2.Frame) (FrameFile, error) {
	data, err := f.Bytes()
	if err != nil {
		return FrameFile{}, err
	}
	meta := f.Metadata()
	encoded := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))

	file := name + ".zst"
	if err := os.WriteFile(filepath.Join(dir, file), encoded, 0644); err != nil {
		return FrameFile{}, err
	}
	return FrameFile{
		Channel:       name,
		File:          file,
		Width:         meta.Width,
		Height:        meta.Height,
		BytesPerPixel: meta.BytesPerPixel,
		Type:          uint32(meta.Type),
		Timestamp:     meta.Timestamp,
		Sequence:      meta.Sequence,
		Exposure:      meta.Exposure,
		Gain:          meta.Gain,
		Gamma:         meta.Gamma,
		Status:        uint32(meta.Status),
		RawBytes:      int64(len(data)),
		SizeBytes:     int64(len(encoded)),
	}, nil
}

// List returns stored captures, oldest first.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Get returns a stored capture by ID.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of stored captures.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Index implements output.Indexer.
func (s *Store) Index() []output.Record {
	entries := s.List()
	records := make([]output.Record, 0, len(entries))
	for _, e := range entries {
		r := output.Record{
			ID:        e.ID,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			Time:      e.Time,
			SizeBytes: e.SizeBytes,
		}
		for _, f := range e.Frames {
			r.Channels = append(r.Channels, f.Channel)
		}
		records = append(records, r)
	}
	return records
}

// ReadFrame decompresses a stored frame into a new owned frame. The caller
// closes it.
func (s *Store) ReadFrame(id, channel string) (*freenect2.Frame, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture %s", ErrNotFound, id)
	}

	for _, ff := range e.Frames {
		if ff.Channel != channel {
			continue
		}
		encoded, err := os.ReadFile(filepath.Join(s.cfg.Path, id, ff.File))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ff.File, err)
		}
		f, err := freenect2.NewOwnedFrame(ff.Width, ff.Height, ff.BytesPerPixel)
		if err != nil {
			return nil, err
		}
		dst, _ := f.Bytes()
		decoded, err := s.decoder.DecodeAll(encoded, dst[:0])
		if err != nil || len(decoded) != len(dst) {
			f.Close()
			if err == nil {
				err = fmt.Errorf("decoded %d bytes, want %d", len(decoded), len(dst))
			}
			return nil, fmt.Errorf("decode %s: %w", ff.File, err)
		}
		f.SetMetadata(freenect2.Metadata{
			Width:         ff.Width,
			Height:        ff.Height,
			BytesPerPixel: ff.BytesPerPixel,
			Timestamp:     ff.Timestamp,
			Sequence:      ff.Sequence,
			Exposure:      ff.Exposure,
			Gain:          ff.Gain,
			Gamma:         ff.Gamma,
			Status:        freenect2.Status(ff.Status),
			Type:          freenect2.FrameType(ff.Type),
		})
		return f, nil
	}
	return nil, fmt.Errorf("%w: channel %s in capture %s", ErrNotFound, channel, id)
}

func (s *Store) sortedLocked() []*Entry {
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries
}

// evictLocked drops entries past the age and count limits and returns them.
func (s *Store) evictLocked(now time.Time) []*Entry {
	var removed []*Entry
	sorted := s.sortedLocked()
	if s.cfg.MaxAge > 0 {
		cutoff := now.Add(-s.cfg.MaxAge)
		for len(sorted) > 0 && sorted[0].Time.Before(cutoff) {
			removed = append(removed, sorted[0])
			sorted = sorted[1:]
		}
	}
	if s.cfg.MaxCount > 0 && len(sorted) > s.cfg.MaxCount {
		n := len(sorted) - s.cfg.MaxCount
		removed = append(removed, sorted[:n]...)
	}
	for _, e := range removed {
		delete(s.entries, e.ID)
	}
	return removed
}

func (s *Store) removeFiles(entries []*Entry) {
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.cfg.Path, e.ID)); err != nil {
			slog.Warn("framestore: failed to remove capture", "id", e.ID, "error", err)
		}
	}
}

// cleanupLoop ages out captures while nothing new arrives.
func (s *Store) cleanupLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			removed := s.evictLocked(now)
			s.mu.Unlock()
			if len(removed) > 0 {
				s.removeFiles(removed)
				slog.Debug("framestore: cleanup", "removed", len(removed), "kept", s.Len())
			}
		}
	}
}

// storeIndex is the on-disk index format
type storeIndex struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Captures  []*Entry  `json:"captures"`
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.cfg.Path, "index.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var index storeIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	for _, e := range index.Captures {
		if _, err := os.Stat(filepath.Join(s.cfg.Path, e.ID)); err != nil {
			continue
		}
		s.entries[e.ID] = e
	}
	return nil
}

func (s *Store) saveIndex() error {
	s.mu.RLock()
	index := storeIndex{
		SessionID: s.cfg.SessionID,
		UpdatedAt: time.Now(),
		Captures:  s.sortedLocked(),
	}
	data, err := json.MarshalIndent(index, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	path := filepath.Join(s.cfg.Path, "index.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp, path)
}
