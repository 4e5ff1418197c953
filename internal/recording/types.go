// Package recording implements the recording storage engine: the
// relational metadata store, in-memory per-stream state, writer,
// syncer, and flusher/retention loop that together turn a stream of
// ingested H.264 frames into a queryable, space-bounded archive.
package recording

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nvrstore/nvr/internal/recording/index"
)

// StreamType is one of a camera's up-to-three recording channels.
type StreamType string

const (
	StreamTypeMain StreamType = "main"
	StreamTypeSub  StreamType = "sub"
	StreamTypeExt  StreamType = "ext"
)

// Camera is a logical camera identified by a stable uuid and a small
// integer id, owning up to three Streams.
type Camera struct {
	ID        int32
	UUID      uuid.UUID
	ShortName string
	// Config is opaque network-layer configuration; not interpreted by
	// the storage engine.
	Config []byte
}

// Stream is a persistent recording channel under a camera.
type Stream struct {
	ID              int32
	CameraID        int32
	Type            StreamType
	SampleFileDirID int32 // 0 means unset/NULL
	Record          bool
	RetainBytes     int64
	FlushIfSec      int64

	// Cumulative counters, monotonically non-decreasing across restarts;
	// their values as of the last successful commit anchor the
	// in-memory deltas tracked by StreamState.
	CumRecordings       int64
	CumMediaDuration90k index.Duration
	CumRuns             int64
}

// VideoSampleEntry is an immutable decoder-configuration record,
// deduplicated by exact blob equality.
type VideoSampleEntry struct {
	ID           int32
	Width        uint16
	Height       uint16
	PixelAspectH uint16
	PixelAspectV uint16
	RFC6381Codec string
	Data         []byte
}

// OpenMarker identifies one process lifetime: an auto-assigned id and a
// fresh uuid minted at that startup.
type OpenMarker struct {
	ID   uint32
	UUID uuid.UUID
}

// RecordingFlags is a bitset of persistent and transient recording
// flags.
type RecordingFlags uint32

const (
	// FlagTrailingZero marks that the recording's final frame has zero
	// duration. Persistent.
	FlagTrailingZero RecordingFlags = 1 << iota
	// FlagGrowing marks a recording still exclusively owned by its
	// writer. In-memory only.
	FlagGrowing
	// FlagUncommitted marks a recording handed to the syncer but not yet
	// reflected in a database commit. In-memory only.
	FlagUncommitted
	// FlagDeleted marks a recording selected by the flusher for deletion
	// but not yet moved to the garbage table. In-memory only.
	FlagDeleted
)

// Has reports whether all bits of other are set in f.
func (f RecordingFlags) Has(other RecordingFlags) bool { return f&other == other }

// CompositeID is (stream_id << 32) | recording_id: unique, and sortable
// by stream then by time within a stream.
type CompositeID int64

// NewCompositeID packs a stream id and a per-stream recording id.
func NewCompositeID(streamID int32, recordingID uint32) CompositeID {
	return CompositeID(int64(streamID)<<32 | int64(recordingID))
}

// StreamID extracts the stream id.
func (c CompositeID) StreamID() int32 { return int32(int64(c) >> 32) }

// RecordingID extracts the per-stream recording id.
func (c CompositeID) RecordingID() uint32 { return uint32(int64(c)) }

func (c CompositeID) String() string {
	return fmt.Sprintf("%d/%d", c.StreamID(), c.RecordingID())
}

// Recording is an atomic unit of recorded video, at most
// index.MaxWallDuration long, always starting at a key frame.
type Recording struct {
	CompositeID CompositeID
	OpenID      uint32
	// RunOffset is this recording's index within a continuous recording
	// run: 0 for the first recording of a run, incrementing thereafter.
	RunOffset int32
	Flags     RecordingFlags

	StartTime90k          index.Time
	WallDuration90k       index.Duration
	MediaDurationDelta90k index.Duration

	SampleFileBytes  int64
	VideoSamples     int64
	VideoSyncSamples int64

	VideoSampleEntryID int32

	// PrevMediaDuration90k, PrevRuns snapshot the stream's cumulative
	// counters as of just before this recording, so readers can
	// reconstruct cumulative state from a single row.
	PrevMediaDuration90k index.Duration
	PrevRuns             int64
}

// MediaDuration90k is the recording's media-time span: wall duration
// adjusted by the accumulated clock-drift correction.
func (r *Recording) MediaDuration90k() index.Duration {
	return r.WallDuration90k + r.MediaDurationDelta90k
}

// EndTime90k is the wall-clock time this recording's span ends at.
func (r *Recording) EndTime90k() index.Time {
	return r.StartTime90k.Add(r.WallDuration90k)
}

// RecordingPlayback is the opaque encoded sample index for a recording,
// stored separately to keep the common listing path small.
type RecordingPlayback struct {
	CompositeID CompositeID
	VideoIndex  []byte
}

// RecordingIntegrity is optional per-recording scrub/clock-drift data.
type RecordingIntegrity struct {
	CompositeID           CompositeID
	SampleFileBlake3      []byte // nil if unknown
	HasLocalTimeDelta     bool
	LocalTimeDelta90k     index.Duration
	HasLocalTimeSinceOpen bool
	LocalTimeSinceOpen90k index.Duration
}

// Garbage denotes a sample file removed from the live recording tables
// that may still exist on disk.
type Garbage struct {
	SampleFileDirID int32
	CompositeID     CompositeID
}

// ErrorKind classifies a storage engine error the way a collaborator
// (e.g. the out-of-scope HTTP layer) needs to map it to a response.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindFailedPrecondition
	KindUnavailable
	KindResourceExhausted
	KindDataLoss
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindFailedPrecondition:
		return "failed_precondition"
	case KindUnavailable:
		return "unavailable"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindDataLoss:
		return "data_loss"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the storage engine's typed error: a Kind plus a human message
// and an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a typed Error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// otherwise KindUnknown.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindUnknown
}
