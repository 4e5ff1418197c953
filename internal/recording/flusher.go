package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvrstore/nvr/internal/recording/index"
)

// flusherStream is everything the flusher needs to know about one
// stream to schedule its flush and enforce its quota.
type flusherStream struct {
	streamID    int32
	dirID       int32
	retainBytes int64
	flushIfSec  int64
	state       *StreamState
	deletes     chan<- DeleteRequest
}

// Flusher is the single asynchronous task per process that decides when
// to group commits (flush-if-sec) and enforces byte quotas by staging
// deletions. It is woken by its own timer, by Wake, or by a syncer's
// post-commit notification (via its own per-directory notify channel,
// wired in by Engine). No writer calls Wake.
type Flusher struct {
	streams []*flusherStream
	wake    chan struct{}
	commits chan struct{}

	logger *slog.Logger
}

// NewFlusher constructs a Flusher with no streams registered yet;
// Register must be called once per stream before Run.
func NewFlusher() *Flusher {
	return &Flusher{
		wake:    make(chan struct{}, 1),
		commits: make(chan struct{}, 1),
		logger:  slog.Default().With("component", "recording.flusher"),
	}
}

// Register adds a stream the flusher schedules flushes and enforces
// quota for. deletes is the channel the owning directory's Syncer reads
// DeleteRequests from.
func (fl *Flusher) Register(streamID, dirID int32, retainBytes, flushIfSec int64, state *StreamState, deletes chan<- DeleteRequest) {
	fl.streams = append(fl.streams, &flusherStream{
		streamID:    streamID,
		dirID:       dirID,
		retainBytes: retainBytes,
		flushIfSec:  flushIfSec,
		state:       state,
		deletes:     deletes,
	})
}

// Wake schedules an immediate re-check of flush deadlines. Writers do
// not call it; Engine.Wake forwards to it.
func (fl *Flusher) Wake() {
	select {
	case fl.wake <- struct{}{}:
	default:
	}
}

// NotifyCommit schedules an immediate quota re-check, called by a
// syncer after every commit (spec §4.H: "on each commit-counter tick,
// re-check every stream's quota").
func (fl *Flusher) NotifyCommit() {
	select {
	case fl.commits <- struct{}{}:
	default:
	}
}

// Run drives the flush-scheduling and quota-enforcement loop until ctx
// is canceled. It wakes on its own timer (set to the nearest planned
// flush across all streams), on Wake, and on NotifyCommit.
func (fl *Flusher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		fl.enforceAllQuotas()
		next := fl.nextPlannedFlush()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next <= 0 {
			next = time.Hour
		}
		timer.Reset(next)

		select {
		case <-ctx.Done():
			return
		case <-fl.wake:
		case <-fl.commits:
			fl.enforceAllQuotas()
		case <-timer.C:
		}
	}
}

// nextPlannedFlush computes, for every stream, how long until its oldest
// not-yet-committed recording with a known wall duration should be
// forced to commit (spec §4.H: "when = now + max(0, flush_if_sec -
// elapsed_since_start)"), returning the soonest across all streams.
func (fl *Flusher) nextPlannedFlush() time.Duration {
	var soonest time.Duration = -1
	nowTicks := index.FromTime(time.Now())
	for _, st := range fl.streams {
		oldest, ok := st.state.OldestUncommitted()
		if !ok {
			continue
		}
		elapsedSec := int64(nowTicks.Sub(oldest.Start)) / index.UnitsPerSecond
		remaining := st.flushIfSec - elapsedSec
		if remaining < 0 {
			remaining = 0
		}
		d := time.Duration(remaining) * time.Second
		if soonest < 0 || d < soonest {
			soonest = d
		}
	}
	return soonest
}

// enforceAllQuotas re-checks every registered stream's byte quota and
// stages deletions for any that are over.
func (fl *Flusher) enforceAllQuotas() {
	for _, st := range fl.streams {
		fl.enforceQuota(st)
	}
}

// enforceQuota implements spec §4.H's quota check:
// committed.fs_bytes > retain_bytes selects the oldest committed
// recordings by composite id until the deficit is covered. Recordings
// already staged for deletion count toward the deficit; bytes of
// recordings not yet committed are not counted.
func (fl *Flusher) enforceQuota(st *flusherStream) {
	if st.retainBytes <= 0 {
		return
	}
	fsBytes := st.state.CommittedFSBytes()
	deficit := fsBytes - st.retainBytes
	if deficit <= 0 {
		return
	}

	selected := st.state.MarkDeletionCandidates(deficit)
	if len(selected) == 0 {
		return
	}
	idLo := selected[0].ID
	idHi := selected[len(selected)-1].ID + 1
	req := DeleteRequest{StreamID: st.streamID, IDLo: idLo, IDHi: idHi, Entries: selected}
	select {
	case st.deletes <- req:
		fl.logger.Info("staged recordings for deletion", "stream", st.streamID,
			"count", len(selected), "deficit_bytes", deficit)
	default:
		fl.logger.Warn("delete queue full, will retry on next tick", "stream", st.streamID)
	}
}
