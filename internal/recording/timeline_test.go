package recording

import (
	"testing"
	"time"

	"github.com/nvrstore/nvr/internal/recording/index"
)

func newTestStreamState() *StreamState {
	return NewStreamState(1, time.UTC, &Stream{CumRecordings: 0, CumRuns: 0}, 16)
}

func TestStreamStateStartWriteCloseAbsorb(t *testing.T) {
	s := newTestStreamState()

	start := index.FromTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.StartRecording(0, start)

	recent := s.Recent()
	if len(recent) != 1 || !recent[0].Flags.Has(FlagGrowing) {
		t.Fatalf("expected one growing recording, got %+v", recent)
	}

	s.UpdateWriterProgress(1024)
	s.CloseRecording(0, 90_000*60, 4096, false)

	recent = s.Recent()
	if len(recent) != 1 || !recent[0].Flags.Has(FlagUncommitted) || recent[0].Flags.Has(FlagGrowing) {
		t.Fatalf("expected one uncommitted recording after close, got %+v", recent)
	}

	if _, ok := s.OldestUncommitted(); !ok {
		t.Fatal("expected an oldest-uncommitted recording before commit")
	}

	s.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 4096}})

	if _, ok := s.OldestUncommitted(); ok {
		t.Fatal("expected no oldest-uncommitted recording after commit")
	}
	if got := s.CommittedFSBytes(); got != 4096 {
		t.Fatalf("expected committed fs bytes 4096, got %d", got)
	}
	if got := s.CommittedOnDiskBytes(); got != 4096+blockOverhead {
		t.Fatalf("expected on-disk bytes %d, got %d", 4096+blockOverhead, got)
	}

	// Committed and no longer the writer's current recording: eviction
	// should have dropped it from the recent deque.
	if recent := s.Recent(); len(recent) != 0 {
		t.Fatalf("expected eviction of the committed recording, got %+v", recent)
	}
}

func TestStreamStatePinPreventsEviction(t *testing.T) {
	s := newTestStreamState()
	start := index.FromTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.StartRecording(0, start)
	s.CloseRecording(0, 90_000*60, 4096, false)

	s.Pin()
	s.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 4096}})
	if recent := s.Recent(); len(recent) != 1 {
		t.Fatalf("expected the committed recording to survive while pinned, got %+v", recent)
	}
	s.Unpin()
	if recent := s.Recent(); len(recent) != 0 {
		t.Fatalf("expected eviction once unpinned, got %+v", recent)
	}
}

func TestStreamStateRemoveDeleted(t *testing.T) {
	s := newTestStreamState()
	start := index.FromTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.StartRecording(0, start)
	s.CloseRecording(0, 90_000*60, 4096, false)
	s.Pin() // keep it in recent past commit so RemoveDeleted has something to find
	rr := RecentRecording{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 4096}
	s.AbsorbCommit([]RecentRecording{rr})

	if got := s.CommittedFSBytes(); got != 4096 {
		t.Fatalf("expected 4096 committed bytes, got %d", got)
	}

	s.RemoveDeleted([]RecentRecording{rr})
	if got := s.CommittedFSBytes(); got != 0 {
		t.Fatalf("expected 0 committed bytes after removal, got %d", got)
	}
	s.Unpin()
	if recent := s.Recent(); len(recent) != 0 {
		t.Fatalf("expected empty recent deque, got %+v", recent)
	}
}

func TestStreamStateMarkDeletionCandidatesOnlyCommitted(t *testing.T) {
	s := newTestStreamState()
	start := index.FromTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	s.Pin() // keep the committed recording visible in recent for this test
	s.StartRecording(0, start)
	s.CloseRecording(0, 90_000*60, 1000, false)
	s.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 1000}})

	next := start.Add(90_000 * 60)
	s.StartRecording(1, next)
	s.CloseRecording(1, 90_000*60, 2000, false)

	selected := s.MarkDeletionCandidates(500)
	if len(selected) != 1 || selected[0].ID != 0 {
		t.Fatalf("expected only the committed recording 0 to be selected, got %+v", selected)
	}
	s.Unpin()
}

func TestStreamStateAdjustDaysStraddlesMidnight(t *testing.T) {
	s := newTestStreamState()
	start := index.FromTime(time.Date(2026, 1, 1, 23, 58, 0, 0, time.UTC))
	s.StartRecording(0, start)
	s.CloseRecording(0, 90_000*4*60, 1000, false) // 4 minutes, crosses midnight
	s.Pin()
	s.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 4 * 60, SampleFileBytes: 1000}})
	s.Unpin()

	days := s.Days()
	if len(days) != 2 {
		t.Fatalf("expected the interval to be split across 2 calendar days, got %+v", days)
	}
	var total index.Duration
	for _, d := range days {
		total += d.Duration90k
	}
	if total != 90_000*4*60 {
		t.Fatalf("expected total duration to be preserved across the split, got %d", total)
	}
}

func TestStreamStateCompleteRoundTrip(t *testing.T) {
	s := newTestStreamState()
	recordings, runs, duration := s.Complete()
	if recordings != 0 || runs != 0 || duration != 0 {
		t.Fatalf("expected zeroed initial complete state, got (%d, %d, %d)", recordings, runs, duration)
	}
	s.SetComplete(5, 2, 90_000*300)
	recordings, runs, duration = s.Complete()
	if recordings != 5 || runs != 2 || duration != 90_000*300 {
		t.Fatalf("unexpected complete state after SetComplete: (%d, %d, %d)", recordings, runs, duration)
	}
}
