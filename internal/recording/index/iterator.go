package index

import "fmt"

// Frame is one decoded entry from a sample index: its byte offset within
// the sample file, its start time relative to the recording, its
// duration, its byte length, and whether it is a key frame.
type Frame struct {
	Pos      int32
	Start    Duration
	Duration Duration
	Bytes    int32
	IsKey    bool
}

// Iterator is a lazy, restartable, finite forward iterator over an
// encoded sample index. Zero value is not usable; construct with
// NewIterator.
type Iterator struct {
	data []byte
	off  int

	pos          int32
	start        Duration
	lastDuration Duration
	bytesKey     int32
	bytesNonKey  int32

	done bool
	cur  Frame
	err  error
}

// NewIterator returns an iterator over the encoded bytes of a sample
// index. Call Next to advance to the first frame.
func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Done reports whether the data is exhausted (with no error).
func (it *Iterator) Done() bool { return it.done }

// Cur returns the most recently decoded frame; valid only after a
// successful Next.
func (it *Iterator) Cur() Frame { return it.cur }

// Next decodes the next frame. It returns false when the index is
// exhausted or an error occurred; callers must check Err to distinguish
// the two.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.off >= len(it.data) {
		it.done = true
		return false
	}

	first := it.off == 0

	v1, n, err := decodeVarint32(it.data[it.off:])
	if err != nil {
		it.err = fmt.Errorf("index: decoding v1: %w", err)
		return false
	}
	isKey := v1&1 != 0
	durDelta := unzigzag32(v1 >> 1)
	duration := it.lastDuration + Duration(durDelta)
	if duration < 0 {
		it.err = fmt.Errorf("index: negative duration")
		return false
	}

	v2, n2, err := decodeVarint32(it.data[it.off+n:])
	if err != nil {
		it.err = fmt.Errorf("index: decoding v2: %w", err)
		return false
	}
	it.off += n + n2

	// A zero duration is only valid on the final frame: check before the
	// first-key-frame rule so the more specific violation wins when both
	// are true of the same malformed frame.
	if duration == 0 && it.off < len(it.data) {
		it.err = fmt.Errorf("index: zero duration only allowed at end")
		return false
	}

	if first && !isKey {
		it.err = fmt.Errorf("index: first frame must be a key frame")
		return false
	}

	bytesDelta := unzigzag32(v2)
	var base int32
	if isKey {
		base = it.bytesKey
	} else {
		base = it.bytesNonKey
	}
	bytes := base + bytesDelta
	if bytes <= 0 {
		it.err = fmt.Errorf("index: non-positive byte length")
		return false
	}
	if isKey {
		it.bytesKey = bytes
	} else {
		it.bytesNonKey = bytes
	}

	it.cur = Frame{
		Pos:      it.pos,
		Start:    it.start,
		Duration: duration,
		Bytes:    bytes,
		IsKey:    isKey,
	}
	it.pos += bytes
	it.start += duration
	it.lastDuration = duration
	return true
}
