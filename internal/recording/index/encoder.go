package index

// Encoder builds a sample index incrementally as frames arrive. It
// mirrors Iterator's delta-tracking state in the forward direction.
type Encoder struct {
	buf []byte

	lastDuration Duration
	bytesKey     int32
	bytesNonKey  int32
	frameCount   int

	SampleFileBytes  int64
	TotalDuration90k Duration
	VideoSamples     int64
	VideoSyncSamples int64
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// AddSample appends one frame to the index. duration is this frame's
// 90kHz duration (0 only legal for the final call), bytes is its length
// in the sample file (must be > 0), isKey marks it a sync sample.
func (e *Encoder) AddSample(duration Duration, bytes int32, isKey bool) {
	durDelta := int32(duration - e.lastDuration)
	v1 := zigzag32(durDelta) << 1
	if isKey {
		v1 |= 1
	}
	e.buf = appendVarint32(e.buf, v1)

	var base int32
	if isKey {
		base = e.bytesKey
		e.bytesKey = bytes
	} else {
		base = e.bytesNonKey
		e.bytesNonKey = bytes
	}
	v2 := zigzag32(bytes - base)
	e.buf = appendVarint32(e.buf, v2)

	e.lastDuration = duration
	e.frameCount++
	e.SampleFileBytes += int64(bytes)
	e.TotalDuration90k += duration
	e.VideoSamples++
	if isKey {
		e.VideoSyncSamples++
	}
}

// Bytes returns the encoded index built so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// HasTrailingZero reports whether the most recently added sample had a
// zero duration (the writer sets the recording's TRAILING_ZERO flag from
// this when closing).
func (e *Encoder) HasTrailingZero() bool {
	return e.frameCount > 0 && e.lastDuration == 0
}
