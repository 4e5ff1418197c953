package recording

import (
	"testing"

	"github.com/nvrstore/nvr/internal/recording/index"
)

func TestNewFrameRing(t *testing.T) {
	r := NewFrameRing(4)
	if r == nil {
		t.Fatal("NewFrameRing returned nil")
	}
	if r.capacity != 4 {
		t.Errorf("expected capacity 4, got %d", r.capacity)
	}
	if _, ok := r.Latest(); ok {
		t.Error("expected no latest frame on an empty ring")
	}
}

func TestNewFrameRingClampsNonPositiveCapacity(t *testing.T) {
	r := NewFrameRing(0)
	if r.capacity != 1 {
		t.Errorf("expected capacity clamped to 1, got %d", r.capacity)
	}
}

func TestFrameRingPushAssignsMonotonicFrameNums(t *testing.T) {
	r := NewFrameRing(8)
	f0 := r.Push(index.Time(0), 1, true, 100)
	f1 := r.Push(index.Time(1), 1, false, 50)
	if f0.FrameNum != 0 || f1.FrameNum != 1 {
		t.Fatalf("expected frame nums 0,1, got %d,%d", f0.FrameNum, f1.FrameNum)
	}

	latest, ok := r.Latest()
	if !ok || latest.FrameNum != 1 || latest.Bytes != 50 {
		t.Fatalf("unexpected latest frame: %+v, ok=%v", latest, ok)
	}
}

func TestFrameRingSinceReturnsOldestFirst(t *testing.T) {
	r := NewFrameRing(8)
	for i := 0; i < 5; i++ {
		r.Push(index.Time(i), 1, i == 0, int32(i+1))
	}

	got := r.Since(2)
	if len(got) != 3 {
		t.Fatalf("expected 3 frames since frame 2, got %d", len(got))
	}
	for i, f := range got {
		want := uint64(2 + i)
		if f.FrameNum != want {
			t.Fatalf("expected frame num %d at index %d, got %d", want, i, f.FrameNum)
		}
	}
}

func TestFrameRingSinceOnEmptyRing(t *testing.T) {
	r := NewFrameRing(4)
	if got := r.Since(0); got != nil {
		t.Errorf("expected nil for empty ring, got %v", got)
	}
}

func TestFrameRingEvictsOldestOnOverflow(t *testing.T) {
	r := NewFrameRing(3)
	for i := 0; i < 5; i++ {
		r.Push(index.Time(i), 1, false, int32(i))
	}

	got := r.Since(0)
	if len(got) != 3 {
		t.Fatalf("expected ring to retain only its capacity (3), got %d", len(got))
	}
	// Only the last 3 pushes (frame nums 2,3,4) should have survived.
	for i, f := range got {
		want := uint64(2 + i)
		if f.FrameNum != want {
			t.Fatalf("expected frame num %d at index %d, got %d", want, i, f.FrameNum)
		}
	}
}

func TestFrameRingSubscribeReceivesPushedFrames(t *testing.T) {
	r := NewFrameRing(8)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Push(index.Time(42), 7, true, 9)

	select {
	case f := <-ch:
		if f.PTS != 42 || f.RecordingID != 7 || !f.IsKey || f.Bytes != 9 {
			t.Fatalf("unexpected frame delivered to subscriber: %+v", f)
		}
	default:
		t.Fatal("expected a frame to be delivered to the subscriber channel")
	}
}

func TestFrameRingUnsubscribeStopsDelivery(t *testing.T) {
	r := NewFrameRing(8)
	ch := r.Subscribe()
	r.Unsubscribe(ch)

	r.Push(index.Time(1), 1, true, 1)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestFrameRingSubscriberNeverBlocksIngestion(t *testing.T) {
	r := NewFrameRing(8)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	// Push far more frames than the subscriber channel's buffer can hold
	// without ever draining it; Push must not block on a slow consumer.
	for i := 0; i < 1000; i++ {
		r.Push(index.Time(i), 1, false, 1)
	}

	if _, ok := r.Latest(); !ok {
		t.Fatal("expected the ring itself to keep accepting frames")
	}
}
