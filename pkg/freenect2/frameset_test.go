package freenect2

import (
	"errors"
	"testing"
)

func TestFrameSetGet(t *testing.T) {
	s := NewFrameSet()
	d := bindFrame(t, Depth, 2, 2, nil)
	if err := s.Set(Depth, d); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, key := range []any{Depth, "depth", 4} {
		got, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get(%v): %v", key, err)
		}
		if got != d {
			t.Errorf("Get(%v) returned a different frame", key)
		}
	}
	if _, err := s.Get("color"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Get unset channel: got %v, want ErrChannelNotFound", err)
	}
	if _, err := s.Get("bogus"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Get unknown name: got %v, want ErrChannelNotFound", err)
	}
	if _, err := s.Get(int64(1<<32 | 4)); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Get out-of-range flag: got %v, want ErrChannelNotFound", err)
	}
	if _, err := s.Get(2.5); !errors.Is(err, ErrValue) {
		t.Errorf("Get float: got %v, want ErrValue", err)
	}
	if s.Types() != Depth || s.Len() != 1 {
		t.Errorf("Types() = %s, Len() = %d", s.Types(), s.Len())
	}
}

func TestFrameSetChecksOwnership(t *testing.T) {
	alloc := &countingAllocator{}
	owned, err := NewOwnedFrameFrom(alloc, 2, 2, 4)
	if err != nil {
		t.Fatalf("NewOwnedFrameFrom: %v", err)
	}
	defer owned.Close()

	consumer := NewFrameSet()
	if err := consumer.Set(Depth, owned); !errors.Is(err, ErrOwnership) {
		t.Errorf("owned frame in consumer set: got %v, want ErrOwnership", err)
	}
	if consumer.Len() != 0 {
		t.Error("consumer set kept the owned frame")
	}

	owning := NewOwningFrameSet()
	if err := owning.Set(Depth, bindFrame(t, Depth, 2, 2, nil)); !errors.Is(err, ErrOwnership) {
		t.Errorf("borrowed frame in owning set: got %v, want ErrOwnership", err)
	}
	owning.Close()
	if alloc.frees != 0 {
		t.Errorf("frees = %d, want 0", alloc.frees)
	}
}

func TestFrameSetReleaseOnce(t *testing.T) {
	reclaimed := map[FrameType]int{}
	s := NewFrameSet()
	for _, typ := range AllTypes {
		typ := typ
		s.Set(typ, bindFrame(t, typ, 2, 2, func() { reclaimed[typ]++ }))
	}
	depth, _ := s.Get(Depth)

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("second Release: got %v, want ErrDoubleRelease", err)
	}
	for _, typ := range AllTypes {
		if reclaimed[typ] != 1 {
			t.Errorf("%s reclaimed %d times, want 1", typ, reclaimed[typ])
		}
	}
	if _, err := s.Get(Depth); !errors.Is(err, ErrReleased) {
		t.Errorf("Get after Release: got %v, want ErrReleased", err)
	}
	if _, err := depth.View(Depth); !errors.Is(err, ErrReleased) {
		t.Errorf("View on frame from released set: got %v, want ErrReleased", err)
	}
	if !s.Released() || s.Len() != 0 {
		t.Errorf("Released() = %v, Len() = %d", s.Released(), s.Len())
	}
}

func TestOwningFrameSetFreesOnce(t *testing.T) {
	alloc := &countingAllocator{}
	s := NewOwningFrameSet()
	for _, typ := range AllTypes {
		f, err := NewOwnedFrameFrom(alloc, 2, 2, 4)
		if err != nil {
			t.Fatalf("NewOwnedFrameFrom: %v", err)
		}
		s.Set(typ, f)
	}
	// Replacing an entry frees the old one.
	f, _ := NewOwnedFrameFrom(alloc, 2, 2, 4)
	s.Set(Color, f)
	if alloc.frees != 1 {
		t.Fatalf("frees after replace = %d, want 1", alloc.frees)
	}

	if err := s.Release(); !errors.Is(err, ErrOwnership) {
		t.Errorf("Release owning set: got %v, want ErrOwnership", err)
	}
	s.Close()
	s.Close()
	if alloc.allocs != 4 || alloc.frees != 4 {
		t.Errorf("allocs = %d, frees = %d, want 4 and 4", alloc.allocs, alloc.frees)
	}
	if _, err := s.Get(Color); !errors.Is(err, ErrFreed) {
		t.Errorf("Get after Close: got %v, want ErrFreed", err)
	}
}

func TestFrameSetFill(t *testing.T) {
	s := NewFrameSet()
	s.Set(Ir, bindFrame(t, Ir, 2, 2, nil))
	if err := s.fill(map[FrameType]*Frame{}); !errors.Is(err, ErrArgument) {
		t.Errorf("fill live set: got %v, want ErrArgument", err)
	}
	s.Release()
	if err := s.fill(map[FrameType]*Frame{Depth: bindFrame(t, Depth, 2, 2, nil)}); err != nil {
		t.Fatalf("fill released set: %v", err)
	}
	if s.Released() || s.Types() != Depth {
		t.Errorf("after refill Released() = %v, Types() = %s", s.Released(), s.Types())
	}
	if err := NewOwningFrameSet().fill(nil); !errors.Is(err, ErrOwnership) {
		t.Errorf("fill owning set: got %v, want ErrOwnership", err)
	}
}
