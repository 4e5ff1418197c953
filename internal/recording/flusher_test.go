package recording

import (
	"context"
	"testing"
	"time"

	"github.com/nvrstore/nvr/internal/recording/index"
)

func TestFlusherEnforceQuotaStagesDeletion(t *testing.T) {
	state := NewStreamState(1, time.UTC, &Stream{}, 16)
	start := index.FromTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	state.Pin() // keep the committed recording in the recent deque so it's eligible for quota eviction
	state.StartRecording(0, start)
	state.CloseRecording(0, 90_000*60, 6000, false)
	state.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 6000}})

	deletes := make(chan DeleteRequest, 1)
	fl := NewFlusher()
	fl.Register(1, 1, 5000, 120, state, deletes)

	fl.enforceAllQuotas()

	select {
	case req := <-deletes:
		if req.StreamID != 1 || len(req.Entries) != 1 || req.Entries[0].ID != 0 {
			t.Fatalf("unexpected delete request: %+v", req)
		}
	default:
		t.Fatal("expected a delete request to be staged for a stream over quota")
	}
}

func TestFlusherEnforceQuotaNoOpUnderBudget(t *testing.T) {
	state := NewStreamState(1, time.UTC, &Stream{}, 16)
	start := index.FromTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	state.Pin()
	state.StartRecording(0, start)
	state.CloseRecording(0, 90_000*60, 1000, false)
	state.AbsorbCommit([]RecentRecording{{ID: 0, Start: start, WallDuration90k: 90_000 * 60, SampleFileBytes: 1000}})

	deletes := make(chan DeleteRequest, 1)
	fl := NewFlusher()
	fl.Register(1, 1, 5000, 120, state, deletes)

	fl.enforceAllQuotas()

	select {
	case req := <-deletes:
		t.Fatalf("expected no delete request under quota, got %+v", req)
	default:
	}
}

func TestFlusherNextPlannedFlush(t *testing.T) {
	state := NewStreamState(1, time.UTC, &Stream{}, 16)
	start := index.FromTime(time.Now().Add(-30 * time.Second))
	state.StartRecording(0, start)
	state.CloseRecording(0, 90_000*30, 1000, false)

	fl := NewFlusher()
	fl.Register(1, 1, 0, 120, state, make(chan DeleteRequest, 1))

	d := fl.nextPlannedFlush()
	if d <= 0 || d > 120*time.Second {
		t.Fatalf("expected a positive remaining duration under 120s, got %v", d)
	}
}

func TestFlusherRunRespondsToWakeAndContextCancel(t *testing.T) {
	fl := NewFlusher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fl.Run(ctx)
		close(done)
	}()

	fl.Wake()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
