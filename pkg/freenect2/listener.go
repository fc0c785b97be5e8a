package freenect2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ListenerStats counts frame sets passing through a listener.
type ListenerStats struct {
	Posted    uint64 // complete sets handed over by the producer
	Delivered uint64 // sets received by a consumer
	Dropped   uint64 // sets overwritten before a consumer took them
}

// Listener is the single-slot mailbox between a device's capture thread and a
// consumer. The producer posts complete frame sets; a consumer blocks in
// WaitForNewFrame until one is available.
//
// Only one set is held at a time. Posting while a set is still pending
// overwrites it and hands the old frames back to the producer: delivery is
// lossy, never queued, and never applies backpressure to the capture thread.
type Listener struct {
	types FrameType

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[FrameType]*Frame
	staging map[FrameType]*Frame
	closed  bool
	stats   ListenerStats
}

// NewListener creates a listener for the channels in the mask types.
func NewListener(types FrameType) (*Listener, error) {
	if types == 0 || types&^(Color|Ir|Depth) != 0 {
		return nil, fmt.Errorf("%w: listener channels %s", ErrValue, types)
	}
	l := &Listener{types: types}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Types returns the subscribed channel mask.
func (l *Listener) Types() FrameType {
	return l.types
}

// HasNewFrame reports whether a set is waiting to be consumed.
func (l *Listener) HasNewFrame() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// WaitForNewFrame blocks until a frame set is posted, the listener is closed or
// ctx is done. The frames are moved into out, or into a new set when out is
// nil, and stay valid until the set is released. A non-empty out that was not
// released is rejected before anything is taken from the listener.
func (l *Listener) WaitForNewFrame(ctx context.Context, out *FrameSet) (*FrameSet, error) {
	if out == nil {
		out = NewFrameSet()
	} else if err := out.receivable(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	for l.pending == nil && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.pending == nil {
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, ErrListenerClosed
		}
		return nil, ctx.Err()
	}
	frames := l.pending
	l.pending = nil
	l.stats.Delivered++
	l.mu.Unlock()

	if err := out.fill(frames); err != nil {
		releaseFrames(frames)
		return nil, err
	}
	return out, nil
}

// WaitForNewFrameTimeout waits at most d for a frame set.
func (l *Listener) WaitForNewFrameTimeout(out *FrameSet, d time.Duration) (*FrameSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.WaitForNewFrame(ctx, out)
}

// Release hands the frames of set back to the producer.
func (l *Listener) Release(set *FrameSet) error {
	return set.Release()
}

// Post hands a complete frame set to the listener. It is called by the capture
// thread only. The set must contain every subscribed channel; its frames move
// into the listener and set is left empty. Every frame must be Borrowed.
func (l *Listener) Post(set *FrameSet) error {
	set.mu.Lock()
	if set.owning || set.released {
		set.mu.Unlock()
		return fmt.Errorf("%w: only live consumer sets can be posted", ErrOwnership)
	}
	for _, t := range l.types.Split() {
		if _, ok := set.frames[t]; !ok {
			set.mu.Unlock()
			return fmt.Errorf("%w: have %s, want %s", ErrIncompleteFrameSet, set.typesLocked(), l.types)
		}
	}
	for t, f := range set.frames {
		if f.Ownership() != Borrowed {
			set.mu.Unlock()
			return fmt.Errorf("%w: %s frame is %s", ErrOwnership, t, f.Ownership())
		}
	}
	frames := set.frames
	set.frames = make(map[FrameType]*Frame)
	set.mu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		releaseFrames(frames)
		return ErrListenerClosed
	}
	dropped := l.deliverLocked(frames)
	l.mu.Unlock()

	if dropped != nil {
		releaseFrames(dropped)
	}
	return nil
}

// OnNewFrame accepts one frame from the capture thread and posts the staged set
// once every subscribed channel is present. It returns false when the frame is
// refused and still belongs to the producer.
func (l *Listener) OnNewFrame(t FrameType, f *Frame) bool {
	if f == nil || !t.valid() || !l.types.Has(t) || f.Ownership() != Borrowed {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.staging == nil {
		l.staging = make(map[FrameType]*Frame)
	}
	replaced := l.staging[t]
	l.staging[t] = f

	var dropped map[FrameType]*Frame
	if len(l.staging) == len(l.types.Split()) {
		frames := l.staging
		l.staging = nil
		dropped = l.deliverLocked(frames)
	}
	l.mu.Unlock()

	if replaced != nil && replaced != f {
		replaced.release()
	}
	if dropped != nil {
		releaseFrames(dropped)
	}
	return true
}

// Close wakes every waiter with ErrListenerClosed and hands pending frames back
// to the producer. Frames already received by a consumer stay valid until
// released.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending, staging := l.pending, l.staging
	l.pending, l.staging = nil, nil
	l.cond.Broadcast()
	l.mu.Unlock()

	releaseFrames(pending)
	releaseFrames(staging)
	return nil
}

// Closed reports whether Close was called.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// deliverLocked makes frames the pending set and returns the set it replaced.
func (l *Listener) deliverLocked(frames map[FrameType]*Frame) map[FrameType]*Frame {
	old := l.pending
	l.pending = frames
	l.stats.Posted++
	if old != nil {
		l.stats.Dropped++
		slog.Debug("freenect2: listener dropped unconsumed frame set", "channels", l.types)
	}
	l.cond.Signal()
	return old
}

func (s *FrameSet) typesLocked() FrameType {
	var mask FrameType
	for t := range s.frames {
		mask |= t
	}
	return mask
}
