package index

import "fmt"

// RecordingSummary is the subset of a recording row the segment
// extractor needs: total frame/key counts and file size, used for the
// fast path, plus the decoded index for the slow path.
type RecordingSummary struct {
	SampleFileBytes  int64
	VideoSamples     int64
	VideoSyncSamples int64
	MediaDuration    Duration
}

// Segment describes a byte range within a sample file and the frame
// range it corresponds to, clipped to a desired media-time range without
// re-encoding.
type Segment struct {
	// FileStart, FileEnd bound the byte range within the sample file.
	FileStart, FileEnd int64
	// ActualStart is the start time the segment actually begins at: that
	// of the latest key frame (or, if startAtKey is false, the latest
	// frame of any kind) starting at or before the requested start.
	ActualStart Duration
	// Frames, KeyFrames are the exact counts Foreach must reproduce.
	Frames, KeyFrames int64
	// TrailingZero is true if a slow-path segment's last included frame
	// has zero duration. The fast path does not decode the index and
	// always leaves it false.
	TrailingZero bool
	// StartsWithNonKey is always false on the fast path; true if a
	// slow-path segment had to start mid-run on a non-key frame.
	StartsWithNonKey bool
	// FastPath is true when the segment covers the entire recording.
	FastPath bool

	beginSnapshot Iterator
	data          []byte
}

// NewSegment computes the byte range and frame bounds for the sub-range
// [start,end) of media time within a recording whose encoded index is
// data. If the range covers the whole recording, the fast path returns
// immediately using the row's own counters; otherwise the index is
// scanned.
func NewSegment(data []byte, row RecordingSummary, start, end Duration, startAtKey bool) (*Segment, error) {
	toEndOfRecording := end >= row.MediaDuration
	if toEndOfRecording {
		end = row.MediaDuration
	}
	// scanEnd is the value actually used to decide where the slow-path
	// scan stops. A request reaching to the end of the recording must not
	// stop at the frame whose start exactly equals media_duration: that
	// is the trailing-zero-duration frame, if one exists, and it must be
	// included. Capping the *requested* end above to MediaDuration (so a
	// caller can't ask past it) while leaving the *scan* end effectively
	// unbounded in that case is what preserves trailing-zero inclusion.
	scanEnd := end
	if toEndOfRecording {
		scanEnd = Duration(1<<62 - 1)
	}

	if start <= 0 && toEndOfRecording {
		return &Segment{
			FileStart:    0,
			FileEnd:      row.SampleFileBytes,
			ActualStart:  0,
			Frames:       row.VideoSamples,
			KeyFrames:    row.VideoSyncSamples,
			TrailingZero: false,
			FastPath:     true,
			data:         data,
		}, nil
	}

	it := NewIterator(data)
	var begin Iterator
	var beginFrame Frame
	haveBegin := false

	// prev holds the iterator's state just before decoding the frame
	// that is about to be examined, so that a confirmed "begin" candidate
	// can be re-walked starting at (and including) that frame.
	prev := *it
	for it.Next() {
		f := it.Cur()
		if f.Start >= scanEnd {
			break
		}
		if f.Start <= start && (!startAtKey || f.IsKey) {
			begin = prev
			beginFrame = f
			haveBegin = true
		}
		prev = *it
	}
	if it.Err() != nil {
		return nil, fmt.Errorf("index: scanning for segment bounds: %w", it.Err())
	}
	if !haveBegin {
		return nil, fmt.Errorf("index: no frame at or before start=%d satisfying start_at_key=%v", start, startAtKey)
	}

	seg := &Segment{
		FileStart:        int64(beginFrame.Pos),
		ActualStart:      beginFrame.Start,
		StartsWithNonKey: !beginFrame.IsKey,
		data:             data,
	}
	seg.beginSnapshot = begin

	// Re-walk from the snapshot to accumulate exact counts and the file
	// end offset, mirroring what Foreach will later re-validate.
	walker := begin
	frames, keyFrames := int64(0), int64(0)
	var lastFrame Frame
	for walker.Next() {
		f := walker.Cur()
		if f.Start >= scanEnd {
			break
		}
		frames++
		if f.IsKey {
			keyFrames++
		}
		lastFrame = f
	}
	if walker.Err() != nil {
		return nil, fmt.Errorf("index: walking segment: %w", walker.Err())
	}
	seg.Frames = frames
	seg.KeyFrames = keyFrames
	seg.FileEnd = int64(lastFrame.Pos) + int64(lastFrame.Bytes)
	seg.TrailingZero = lastFrame.Duration == 0

	return seg, nil
}

// Foreach re-walks the segment's frame range, calling fn for each frame
// in order, and validates that the exact frame and key-frame counts seen
// match what NewSegment recorded.
func (s *Segment) Foreach(fn func(Frame) error) error {
	it := s.beginSnapshot
	if s.FastPath {
		it = *NewIterator(s.data)
	}

	var frames, keyFrames int64
	for it.Next() {
		f := it.Cur()
		if int64(f.Pos) >= s.FileEnd {
			break
		}
		if err := fn(f); err != nil {
			return err
		}
		frames++
		if f.IsKey {
			keyFrames++
		}
	}
	if it.Err() != nil {
		return fmt.Errorf("index: foreach: %w", it.Err())
	}
	if frames != s.Frames || keyFrames != s.KeyFrames {
		return fmt.Errorf("index: segment foreach mismatch: got %d frames (%d key), want %d (%d key)",
			frames, keyFrames, s.Frames, s.KeyFrames)
	}
	return nil
}
