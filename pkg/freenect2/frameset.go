package freenect2

import (
	"fmt"
	"log/slog"
	"sync"
)

// FrameSet holds the frames of one capture event keyed by channel.
//
// A consumer set is a view: it never frees its frames, Release hands them back
// to the producer. An owning set, created with NewOwningFrameSet by the code
// that allocated its frames, frees every entry exactly once on Close.
type FrameSet struct {
	mu       sync.Mutex
	frames   map[FrameType]*Frame
	released bool
	owning   bool
	closed   bool
}

// NewFrameSet returns an empty consumer frame set.
func NewFrameSet() *FrameSet {
	return &FrameSet{frames: make(map[FrameType]*Frame)}
}

// NewOwningFrameSet returns a frame set that frees its entries on Close.
func NewOwningFrameSet() *FrameSet {
	return &FrameSet{frames: make(map[FrameType]*Frame), owning: true}
}

// Set stores f under channel t. A consumer set only takes Borrowed frames and
// an owning set only Owned ones. In an owning set a replaced entry is freed.
func (s *FrameSet) Set(t FrameType, f *Frame) error {
	if !t.valid() {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrArgument)
	}

	s.mu.Lock()
	if want := s.entryOwnership(); f.Ownership() != want {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s frame in a set of %s frames", ErrOwnership, f.Ownership(), want)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrFreed
	}
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	old := s.frames[t]
	s.frames[t] = f
	owning := s.owning
	s.mu.Unlock()

	if owning && old != nil && old != f {
		old.Close()
	}
	return nil
}

func (s *FrameSet) entryOwnership() Ownership {
	if s.owning {
		return Owned
	}
	return Borrowed
}

// Get returns the frame for a channel given as a FrameType, name or raw flag value.
func (s *FrameSet) Get(channel any) (*Frame, error) {
	t, err := ParseFrameType(channel)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("%w: %s", ErrReleased, t)
	}
	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrFreed, t)
	}
	f, ok := s.frames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	return f, nil
}

// Types returns the mask of populated channels.
func (s *FrameSet) Types() FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mask FrameType
	for t := range s.frames {
		mask |= t
	}
	return mask
}

// Len returns the number of populated channels.
func (s *FrameSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Released reports whether the set was released and not refilled since.
func (s *FrameSet) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release hands every frame back to its producer and empties the set. Frames
// obtained from the set fail with ErrReleased afterwards. Releasing a set twice
// is a caller bug and fails with ErrDoubleRelease without touching any frame.
func (s *FrameSet) Release() error {
	s.mu.Lock()
	if s.owning {
		s.mu.Unlock()
		return fmt.Errorf("%w: owning frame sets are closed, not released", ErrOwnership)
	}
	if s.released {
		s.mu.Unlock()
		slog.Error("freenect2: frame set released twice")
		return ErrDoubleRelease
	}
	frames := s.frames
	s.frames = make(map[FrameType]*Frame)
	s.released = true
	s.mu.Unlock()

	for _, t := range AllTypes {
		if f, ok := frames[t]; ok {
			f.release()
		}
	}
	return nil
}

// Close frees every entry of an owning set exactly once. It is a no-op for
// consumer sets.
func (s *FrameSet) Close() error {
	s.mu.Lock()
	if !s.owning || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	frames := s.frames
	s.frames = make(map[FrameType]*Frame)
	s.mu.Unlock()

	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
	return nil
}

// fill moves frames into an empty or released consumer set.
func (s *FrameSet) fill(frames map[FrameType]*Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.receivableLocked(); err != nil {
		return err
	}
	s.frames = frames
	s.released = false
	return nil
}

func (s *FrameSet) receivable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivableLocked()
}

func (s *FrameSet) receivableLocked() error {
	if s.owning {
		return fmt.Errorf("%w: cannot receive frames into an owning set", ErrOwnership)
	}
	if !s.released && len(s.frames) > 0 {
		return fmt.Errorf("%w: frame set still holds unreleased frames", ErrArgument)
	}
	return nil
}

// releaseFrames releases a detached map of frames, used for sets that never
// reached a consumer.
func releaseFrames(frames map[FrameType]*Frame) {
	for _, f := range frames {
		f.release()
	}
}
