// Package framering provides the host-side circular image buffer that an
// acquisition loop fills and a consumer (the frame publisher) drains.
package framering

import (
	"fmt"
	"sync"

	"github.com/openmicro/scopehub"
)

// Frame is one queued image plane together with its per-frame tags.
type Frame struct {
	Pix           []byte
	Width         int
	Height        int
	BytesPerPixel int
	Tags          scopehub.Metadata
}

// Ring is a fixed-capacity FIFO of pending frames. Enqueue signals overflow
// with scopehub.ErrBufferFull; it never evicts on its own. All methods are
// safe for one producer and one consumer goroutine.
type Ring struct {
	mu         sync.Mutex
	frames     []Frame
	head       int // index of the oldest frame
	size       int
	framesLost uint64 // frames discarded by Clear
}

// NewRing creates a ring holding up to capacity frames.
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ring capacity %d is invalid (expect >= 1)", capacity)
	}
	return &Ring{frames: make([]Frame, capacity)}, nil
}

// Enqueue appends one frame, copying the pixel data because the producer
// reuses its plane buffers. Returns scopehub.ErrBufferFull when no slot is
// free.
func (r *Ring) Enqueue(pix []byte, width, height, bytesPerPixel int, md scopehub.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.frames) {
		return fmt.Errorf("%w: ring holds %d frames", scopehub.ErrBufferFull, r.size)
	}
	slot := (r.head + r.size) % len(r.frames)
	f := &r.frames[slot]
	if cap(f.Pix) < len(pix) {
		f.Pix = make([]byte, len(pix))
	}
	f.Pix = f.Pix[:len(pix)]
	copy(f.Pix, pix)
	f.Width = width
	f.Height = height
	f.BytesPerPixel = bytesPerPixel
	f.Tags = md
	r.size++
	return nil
}

// Dequeue removes and returns the oldest frame, or ok=false when empty. The
// returned pixel slice is owned by the caller until the slot cycles back
// around, so consumers should finish with it before draining further.
func (r *Ring) Dequeue() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return Frame{}, false
	}
	f := r.frames[r.head]
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return f, true
}

// Clear discards every pending frame.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framesLost += uint64(r.size)
	r.head = 0
	r.size = 0
}

// Size returns the number of pending frames.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed ring capacity.
func (r *Ring) Capacity() int {
	return len(r.frames)
}

// FramesLost returns the cumulative count of frames discarded by Clear.
func (r *Ring) FramesLost() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesLost
}
