package recording

import (
	"sync"

	"github.com/nvrstore/nvr/internal/recording/index"
)

// RecentFrame is one entry in a stream's recent_frames tailer ring
// enough for a live viewer to resume mid-GOP without
// touching the database.
type RecentFrame struct {
	FrameNum    uint64
	PTS         index.Time
	RecordingID uint32
	IsKey       bool
	Bytes       int32
}

// FrameRing is a bounded, index-based ring buffer of RecentFrame,
// mirroring the head/tail/count slice-backed shape already used by
// MemoryRingBuffer (avoiding a reference-counted linked list, per
// DESIGN.md's ownership notes), plus a subscriber fan-out for live
// tailers modeled on the logging package's RingBuffer.Subscribe pattern:
// non-blocking sends so a slow subscriber never stalls frame ingestion.
type FrameRing struct {
	mu       sync.RWMutex
	frames   []RecentFrame
	head     int
	count    int
	capacity int
	nextNum  uint64

	subMu       sync.Mutex
	subscribers map[chan RecentFrame]bool
}

// NewFrameRing returns a ring holding at most capacity recent frames.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameRing{
		frames:      make([]RecentFrame, capacity),
		capacity:    capacity,
		subscribers: make(map[chan RecentFrame]bool),
	}
}

// Push records a new frame, assigning it the next monotonic frame
// number, and broadcasts it to any live subscribers.
func (r *FrameRing) Push(pts index.Time, recordingID uint32, isKey bool, bytes int32) RecentFrame {
	r.mu.Lock()
	f := RecentFrame{FrameNum: r.nextNum, PTS: pts, RecordingID: recordingID, IsKey: isKey, Bytes: bytes}
	r.nextNum++
	r.frames[r.head] = f
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
	r.mu.Unlock()

	r.subMu.Lock()
	for ch := range r.subscribers {
		select {
		case ch <- f:
		default:
		}
	}
	r.subMu.Unlock()
	return f
}

// Since returns every retained frame with FrameNum >= frameNum, oldest
// first. A tailer that asks for a frame number older than the oldest
// retained frame gets everything currently retained; the caller is
// responsible for detecting the gap via the first returned FrameNum.
func (r *FrameRing) Since(frameNum uint64) []RecentFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	start := (r.head - r.count + r.capacity) % r.capacity
	out := make([]RecentFrame, 0, r.count)
	for i := 0; i < r.count; i++ {
		f := r.frames[(start+i)%r.capacity]
		if f.FrameNum >= frameNum {
			out = append(out, f)
		}
	}
	return out
}

// Latest returns the most recently pushed frame and whether the ring is
// non-empty.
func (r *FrameRing) Latest() (RecentFrame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return RecentFrame{}, false
	}
	idx := (r.head - 1 + r.capacity) % r.capacity
	return r.frames[idx], true
}

// Subscribe returns a channel that receives every frame pushed from now
// on. The caller must call Unsubscribe when done.
func (r *FrameRing) Subscribe() chan RecentFrame {
	ch := make(chan RecentFrame, 64)
	r.subMu.Lock()
	r.subscribers[ch] = true
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (r *FrameRing) Unsubscribe(ch chan RecentFrame) {
	r.subMu.Lock()
	if r.subscribers[ch] {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.subMu.Unlock()
}
