package recording

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"github.com/nvrstore/nvr/internal/recording/index"
	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

// Sample is one already-demuxed frame handed to the writer: raw coded
// data, its presentation time, and whether it is a sync (key) sample.
// Demuxing the camera's native stream into Samples happens elsewhere.
type Sample struct {
	PTS                index.Time
	IsKey              bool
	VideoSampleEntryID int32
	Data               []byte
}

type pendingSample struct {
	s Sample
}

// Writer is the single owner of one stream's currently-growing
// recording. It consumes Samples in order, decides recording
// boundaries, and on each boundary hands a finished recording off to
// the syncer over its completed channel. A Writer must only ever be
// driven by one goroutine at a time; StreamState and Store remain safe
// to read from others concurrently.
type Writer struct {
	mu sync.Mutex

	streamID int32
	dir      *sfdir.Dir
	pool     *sfdir.Pool
	state    *StreamState
	openID   uint32

	completed chan<- UploadedRecording
	logger    *slog.Logger

	runOffset int32
	newRun    bool

	recordingID          uint32
	prevMediaDuration    index.Duration
	prevRuns             int64
	videoSampleEntryID   int32
	startTime            index.Time
	file                 *os.File
	hasher               *blake3.Hasher
	encoder              *index.Encoder
	clock                index.ClockAdjuster
	pending              *pendingSample
	bytesWritten         int64
	rawDuration          index.Duration
}

// NewWriter constructs a Writer for one stream. openID is the current
// process's open-session id, stamped onto every recording this writer
// produces. completed receives a fully-formed UploadedRecording every
// time a recording closes; the syncer reads from it.
func NewWriter(streamID int32, dir *sfdir.Dir, pool *sfdir.Pool, state *StreamState, openID uint32, completed chan<- UploadedRecording) *Writer {
	return &Writer{
		streamID:  streamID,
		dir:       dir,
		pool:      pool,
		state:     state,
		openID:    openID,
		completed: completed,
		logger:    slog.Default().With("component", "recording.writer", "stream_id", streamID),
		newRun:    true,
	}
}

// StartRun marks the next recording written as the first of a new run
// (runOffset resets to 0). Call this after reconnecting post-gap; a
// Writer otherwise assumes every recording continues the previous run.
func (w *Writer) StartRun() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.newRun = true
}

// WriteSample ingests one demuxed frame, in PTS order. A frame's
// duration isn't known until the following frame arrives, so WriteSample
// always lags one sample behind what it flushes to disk.
func (w *Writer) WriteSample(ctx context.Context, s Sample, localTimeDelta index.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil {
		if !s.IsKey {
			return nil // drop frames until we can open a recording at a key frame
		}
		return w.openRecordingLocked(s, localTimeDelta)
	}

	rotate := s.IsKey && w.shouldRotateLocked(s)

	raw := s.PTS.Sub(w.pending.s.PTS)
	w.rawDuration += raw
	if err := w.flushPendingLocked(w.clock.Adjust(raw)); err != nil {
		return err
	}

	if rotate {
		if err := w.closeRecordingLocked(ctx); err != nil {
			return err
		}
		w.pending = nil
		return w.openRecordingLocked(s, localTimeDelta)
	}

	w.pending = &pendingSample{s: s}
	return nil
}

// shouldRotateLocked decides whether a new key frame should start a new
// recording: once the desired wall duration has elapsed, once the hard
// cap is reached, or when the decoder configuration changes (a new
// recording always starts at a video_sample_entry boundary).
func (w *Writer) shouldRotateLocked(s Sample) bool {
	if s.VideoSampleEntryID != w.videoSampleEntryID {
		return true
	}
	elapsed := s.PTS.Sub(w.startTime)
	if elapsed >= index.MaxWallDuration {
		return true
	}
	return elapsed >= index.DesiredWallDuration
}

// openRecordingLocked reserves a new recording id from StreamState and
// opens its sample file. s becomes the first pending sample; its
// duration is fixed once the next WriteSample call arrives.
func (w *Writer) openRecordingLocked(s Sample, localTimeDelta index.Duration) error {
	recordings, runs, duration := w.state.Complete()
	id := uint32(recordings)

	runOffset := w.runOffset
	if w.newRun {
		runOffset = 0
		runs++
	} else {
		runOffset++
	}

	compositeID := NewCompositeID(w.streamID, id)
	f, err := w.dir.CreateFile(int64(compositeID))
	if err != nil {
		return NewError(KindUnavailable, "opening sample file", err)
	}

	w.recordingID = id
	w.runOffset = runOffset
	w.newRun = false
	w.prevMediaDuration = duration
	w.prevRuns = runs - 1
	w.videoSampleEntryID = s.VideoSampleEntryID
	w.startTime = s.PTS
	w.file = f
	w.hasher = blake3.New(32, nil)
	w.encoder = index.NewEncoder()
	w.clock = index.NewClockAdjuster(localTimeDelta)
	w.bytesWritten = 0
	w.rawDuration = 0
	w.pending = &pendingSample{s: s}

	w.state.SetComplete(recordings+1, runs, duration)
	w.state.StartRecording(id, s.PTS)

	return nil
}

// flushPendingLocked writes the current pending sample to the open file
// with the given duration, then records it in the encoder and the
// stream's live state. It does not advance w.pending; the caller decides
// what replaces it.
func (w *Writer) flushPendingLocked(duration index.Duration) error {
	prev := w.pending.s
	if err := w.writeSampleDataLocked(prev.Data); err != nil {
		return err
	}
	w.encoder.AddSample(duration, int32(len(prev.Data)), prev.IsKey)
	w.state.Frames.Push(prev.PTS, w.recordingID, prev.IsKey, int32(len(prev.Data)))
	w.state.UpdateWriterProgress(w.bytesWritten)
	return nil
}

func (w *Writer) writeSampleDataLocked(data []byte) error {
	if _, err := w.file.Write(data); err != nil {
		return NewError(KindUnavailable, "writing sample data", err)
	}
	if _, err := w.hasher.Write(data); err != nil {
		return NewError(KindInternal, "hashing sample data", err)
	}
	w.bytesWritten += int64(len(data))
	return nil
}

// Close finalizes whatever recording is currently open, flushing its
// last pending sample with a zero duration (TRAILING_ZERO) since no
// further frame ever arrives to fix it.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	if err := w.flushPendingLocked(0); err != nil {
		return err
	}
	err := w.closeRecordingLocked(ctx)
	w.pending = nil
	return err
}

// closeRecordingLocked syncs and closes the current sample file, builds
// the finished recording's metadata, and hands it to the syncer. The
// caller is responsible for clearing w.pending afterward.
func (w *Writer) closeRecordingLocked(ctx context.Context) error {
	if err := w.file.Sync(); err != nil {
		return NewError(KindUnavailable, "fsyncing sample file", err)
	}
	if err := w.file.Close(); err != nil {
		return NewError(KindUnavailable, "closing sample file", err)
	}
	if err := w.pool.Fsync(); err != nil {
		return err
	}

	wallDuration := w.encoder.TotalDuration90k
	var flags RecordingFlags
	if w.encoder.HasTrailingZero() {
		flags |= FlagTrailingZero
	}

	rec := Recording{
		CompositeID:           NewCompositeID(w.streamID, w.recordingID),
		OpenID:                w.openID,
		RunOffset:             w.runOffset,
		Flags:                 flags,
		StartTime90k:          w.startTime,
		WallDuration90k:       wallDuration,
		MediaDurationDelta90k: w.rawDuration - wallDuration,
		SampleFileBytes:       w.bytesWritten,
		VideoSamples:          w.encoder.VideoSamples,
		VideoSyncSamples:      w.encoder.VideoSyncSamples,
		VideoSampleEntryID:    w.videoSampleEntryID,
		PrevMediaDuration90k:  w.prevMediaDuration,
		PrevRuns:              w.prevRuns,
	}

	w.state.CloseRecording(w.recordingID, wallDuration, w.bytesWritten, flags.Has(FlagTrailingZero))

	upload := UploadedRecording{
		Recording: rec,
		StreamID:  w.streamID,
		Playback:  RecordingPlayback{CompositeID: rec.CompositeID, VideoIndex: w.encoder.Bytes()},
		Integrity: &RecordingIntegrity{
			CompositeID:      rec.CompositeID,
			SampleFileBlake3: w.hasher.Sum(nil),
		},
	}

	select {
	case w.completed <- upload:
	case <-ctx.Done():
		w.logger.Warn("dropping completed recording on shutdown", "recording", rec.CompositeID)
		return ctx.Err()
	}

	w.file = nil
	w.hasher = nil
	w.encoder = nil
	return nil
}

// BytesWritten reports the current recording's sample file size so far,
// or 0 if no recording is open.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}
