package recording

import (
	"sync"
	"time"

	"github.com/nvrstore/nvr/internal/recording/index"
)

// RecentRecording is a StreamState.recent deque entry: it exists for
// every recording not yet committed, and for every committed-but-not-
// yet-retired recording still needed to keep run-offset adjacency
// correct in listings.
type RecentRecording struct {
	ID              uint32
	Start           index.Time
	WallDuration90k index.Duration
	SampleFileBytes int64
	Flags           RecordingFlags
}

// End returns the wall-clock end time of this recording.
func (r RecentRecording) End() index.Time { return r.Start.Add(r.WallDuration90k) }

// dayKey identifies a calendar day in a stream's local time zone.
// Formatted so lexical and chronological order agree.
type dayKey string

func dayKeyOf(loc *time.Location, t index.Time) dayKey {
	return dayKey(t.ToTime().In(loc).Format("2006-01-02"))
}

// dayValue is one calendar day's aggregate in the committed-state index.
type dayValue struct {
	Recordings  int64
	Duration90k index.Duration
}

// committedState is derived purely from recordings the database has
// acknowledged.
type committedState struct {
	hasRange      bool
	rangeStart    index.Time
	rangeEnd      index.Time
	fsBytes       int64 // sum of sample_file_bytes
	onDiskBytes   int64 // fsBytes plus per-file filesystem block overhead
	totalDuration index.Duration
	cumRecordings int64
	days          map[dayKey]dayValue
}

// completeState mirrors the stream's persisted cum_* counters as of the
// last successful commit; it only ever backtracks on process restart,
// never mid-run.
type completeState struct {
	cumRecordings int64
	cumRuns       int64
	cumDuration   index.Duration
}

// writerState reports the recording currently being written, if any.
type writerState struct {
	recordingID  uint32
	bytesWritten int64
	startedAt    index.Time
}

// blockOverhead approximates the extra bytes a file occupies on disk
// beyond its logical length, for onDiskBytes accounting. A single
// typical filesystem block is used as a conservative per-file estimate.
const blockOverhead = 4096

// StreamState is the per-stream in-memory state: committed
// and complete summaries, the recent-recordings deque, the calendar-day
// index, and the recent-frames tailer ring. Protected by its own mutex,
// which must be acquired strictly before the database's global mutex
// (lock ordering: this mutex ranks before the database mutex).
type StreamState struct {
	mu sync.Mutex

	streamID int32
	loc      *time.Location

	committed committedState
	complete  completeState
	writer    *writerState

	// recent is ordered oldest-first by recording id.
	recent []RecentRecording
	pinned bool

	Frames *FrameRing
}

// NewStreamState seeds per-stream state from the stream's
// database-persisted cumulative counters.
func NewStreamState(streamID int32, loc *time.Location, s *Stream, frameRingSize int) *StreamState {
	if loc == nil {
		loc = time.Local
	}
	return &StreamState{
		streamID: streamID,
		loc:      loc,
		committed: committedState{
			cumRecordings: s.CumRecordings,
			days:          make(map[dayKey]dayValue),
		},
		complete: completeState{
			cumRecordings: s.CumRecordings,
			cumRuns:       s.CumRuns,
			cumDuration:   s.CumMediaDuration90k,
		},
		Frames: NewFrameRing(frameRingSize),
	}
}

// Pin prevents recent-recordings entries from being evicted mid-scan
// Unpin must be called when the scan completes.
func (s *StreamState) Pin() {
	s.mu.Lock()
	s.pinned = true
	s.mu.Unlock()
}

// Unpin releases a previous Pin and immediately evicts anything that
// became eligible while pinned.
func (s *StreamState) Unpin() {
	s.mu.Lock()
	s.pinned = false
	s.evictLocked()
	s.mu.Unlock()
}

// StartRecording records that a new recording has been reserved and is
// now GROWING, exclusively owned by the writer.
func (s *StreamState) StartRecording(id uint32, start index.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, RecentRecording{ID: id, Start: start, Flags: FlagGrowing})
	s.writer = &writerState{recordingID: id, startedAt: start}
}

// UpdateWriterProgress is called after each frame append for O(1)
// bookkeeping (writer threads hold the stream mutex only for
// this, never across file I/O).
func (s *StreamState) UpdateWriterProgress(bytesWritten int64) {
	s.mu.Lock()
	if s.writer != nil {
		s.writer.bytesWritten = bytesWritten
	}
	s.mu.Unlock()
}

// CloseRecording transitions a GROWING recording to UNCOMMITTED once the
// writer has closed it, recording its final wall duration and size.
func (s *StreamState) CloseRecording(id uint32, wallDuration90k index.Duration, sampleFileBytes int64, trailingZero bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		if s.recent[i].ID == id {
			s.recent[i].WallDuration90k = wallDuration90k
			s.recent[i].SampleFileBytes = sampleFileBytes
			flags := (s.recent[i].Flags &^ FlagGrowing) | FlagUncommitted
			if trailingZero {
				flags |= FlagTrailingZero
			}
			s.recent[i].Flags = flags
			break
		}
	}
	if s.writer != nil && s.writer.recordingID == id {
		s.writer = nil
	}
}

// AbsorbCommit marks the given recording ids as committed, folding them
// into the committed summary and calendar-day index, then evicts
// whatever is now safe to drop.
func (s *StreamState) AbsorbCommit(committed []RecentRecording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range committed {
		for i := range s.recent {
			if s.recent[i].ID == rr.ID {
				s.recent[i].Flags &^= FlagUncommitted
				break
			}
		}
		s.addToCommittedLocked(rr)
	}
	s.evictLocked()
}

func (s *StreamState) addToCommittedLocked(rr RecentRecording) {
	c := &s.committed
	if !c.hasRange || rr.Start < c.rangeStart {
		c.rangeStart = rr.Start
	}
	end := rr.End()
	if !c.hasRange || end > c.rangeEnd {
		c.rangeEnd = end
	}
	c.hasRange = true
	c.fsBytes += rr.SampleFileBytes
	c.onDiskBytes += rr.SampleFileBytes + blockOverhead
	c.totalDuration += rr.WallDuration90k
	c.cumRecordings++
	s.adjustDaysLocked(rr.Start, end, 1)
}

// RemoveDeleted drops deleted recordings from the committed summary and
// calendar-day index (mirror of addToCommittedLocked), called once the
// flusher has moved them to garbage.
func (s *StreamState) RemoveDeleted(deleted []RecentRecording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &s.committed
	for _, rr := range deleted {
		c.fsBytes -= rr.SampleFileBytes
		c.onDiskBytes -= rr.SampleFileBytes + blockOverhead
		c.totalDuration -= rr.WallDuration90k
		c.cumRecordings--
		s.adjustDaysLocked(rr.Start, rr.End(), -1)
		for i := range s.recent {
			if s.recent[i].ID == rr.ID {
				s.recent = append(s.recent[:i], s.recent[i+1:]...)
				break
			}
		}
	}
}

// adjustDaysLocked adds (sign=1) or removes (sign=-1) an interval's
// contribution to the calendar-day index. An interval straddles at most
// two calendar days, since no recording exceeds index.MaxWallDuration
// (5 minutes) and the longest possible day is under 25 hours.
func (s *StreamState) adjustDaysLocked(start, end index.Time, sign int64) {
	if end <= start {
		return
	}
	remaining := start
	first := true
	for remaining < end {
		dayStartTime := remaining.ToTime().In(s.loc)
		y, m, d := dayStartTime.Date()
		midnight := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
		dayBoundary := index.FromTime(midnight)

		segEnd := end
		if dayBoundary < segEnd {
			segEnd = dayBoundary
		}

		k := dayKeyOf(s.loc, remaining)
		v := s.committed.days[k]
		if first {
			v.Recordings += sign
		}
		v.Duration90k += index.Duration(sign) * (segEnd - remaining)
		if v.Recordings == 0 && v.Duration90k == 0 {
			delete(s.committed.days, k)
		} else {
			s.committed.days[k] = v
		}

		remaining = segEnd
		first = false
	}
}

// evictLocked discards recent entries that are committed, not the
// writer's current recording, and not pinned.
func (s *StreamState) evictLocked() {
	if s.pinned {
		return
	}
	i := 0
	for i < len(s.recent) {
		rr := s.recent[i]
		if rr.Flags.Has(FlagGrowing) || rr.Flags.Has(FlagUncommitted) || rr.Flags.Has(FlagDeleted) {
			break
		}
		if s.writer != nil && rr.ID >= s.writer.recordingID {
			break
		}
		i++
	}
	s.recent = s.recent[i:]
}

// Recent returns a copy of the current recent-recordings deque.
func (s *StreamState) Recent() []RecentRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecentRecording, len(s.recent))
	copy(out, s.recent)
	return out
}

// MarkDeletionCandidates scans the recent deque (oldest first) and
// flags recordings as DELETED until at least deficitBytes worth of
// sample_file_bytes has been selected, counting recordings already
// flagged by an earlier call, and returns the newly selected entries.
// Used by the flusher's quota enforcement.
func (s *StreamState) MarkDeletionCandidates(deficitBytes int64) []RecentRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	var selected []RecentRecording
	for i := range s.recent {
		if deficitBytes <= 0 {
			break
		}
		rr := &s.recent[i]
		if rr.Flags.Has(FlagDeleted) {
			// Staged by an earlier call; its bytes stay in fs_bytes until
			// the syncer removes it.
			deficitBytes -= rr.SampleFileBytes
			continue
		}
		if rr.Flags.Has(FlagGrowing) || rr.Flags.Has(FlagUncommitted) || rr.Flags.Has(FlagDeleted) {
			// Only fully-committed recordings may be retired by quota.
			continue
		}
		rr.Flags |= FlagDeleted
		deficitBytes -= rr.SampleFileBytes
		selected = append(selected, *rr)
	}
	return selected
}

// CommittedFSBytes returns the sum of sample_file_bytes across committed
// recordings (the quantity the retention bound is checked
// against).
func (s *StreamState) CommittedFSBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.fsBytes
}

// CommittedOnDiskBytes includes the per-file block-overhead estimate.
func (s *StreamState) CommittedOnDiskBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.onDiskBytes
}

// Complete returns the stream's cum_* counters as of the last commit.
func (s *StreamState) Complete() (recordings, runs int64, duration index.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete.cumRecordings, s.complete.cumRuns, s.complete.cumDuration
}

// SetComplete updates the complete-state snapshot after a commit folds
// in new cum_* values.
func (s *StreamState) SetComplete(recordings, runs int64, duration index.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete.cumRecordings = recordings
	s.complete.cumRuns = runs
	s.complete.cumDuration = duration
}

// DayValue is the exported form of a calendar day's aggregate, returned
// by Days.
type DayValue struct {
	Day         string
	Recordings  int64
	Duration90k index.Duration
}

// Days returns a snapshot of the calendar-day index.
func (s *StreamState) Days() []DayValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DayValue, 0, len(s.committed.days))
	for k, v := range s.committed.days {
		out = append(out, DayValue{Day: string(k), Recordings: v.Recordings, Duration90k: v.Duration90k})
	}
	return out
}

// OldestUncommitted returns the oldest recording in the recent deque
// that has a fully-known wall duration (closed, i.e. not GROWING) but
// is not yet committed, used by the flusher's flush-if-sec scheduling.
func (s *StreamState) OldestUncommitted() (RecentRecording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range s.recent {
		if rr.Flags.Has(FlagUncommitted) && !rr.Flags.Has(FlagGrowing) {
			return rr, true
		}
	}
	return RecentRecording{}, false
}
