package index

import "testing"

func buildIndex(t *testing.T, durations []Duration, bytes []int32, keys []bool) ([]byte, Duration, int64) {
	t.Helper()
	enc := NewEncoder()
	for i := range durations {
		enc.AddSample(durations[i], bytes[i], keys[i])
	}
	return enc.Bytes(), enc.TotalDuration90k, enc.SampleFileBytes
}

func TestSegmentFastPath(t *testing.T) {
	durations := []Duration{2, 4, 6, 8, 10}
	byteLens := []int32{3, 6, 9, 12, 15}
	keys := []bool{true, true, true, true, true}
	data, total, totalBytes := buildIndex(t, durations, byteLens, keys)

	row := RecordingSummary{
		SampleFileBytes:  totalBytes,
		VideoSamples:     5,
		VideoSyncSamples: 5,
		MediaDuration:    total,
	}
	seg, err := NewSegment(data, row, 0, 30, true)
	if err != nil {
		t.Fatal(err)
	}
	if !seg.FastPath {
		t.Error("expected fast path")
	}
	if seg.FileStart != 0 || seg.FileEnd != 45 {
		t.Errorf("byte range = [%d,%d), want [0,45)", seg.FileStart, seg.FileEnd)
	}
	if seg.Frames != 5 || seg.KeyFrames != 5 {
		t.Errorf("frames=%d keyFrames=%d, want 5,5", seg.Frames, seg.KeyFrames)
	}

	var got []Frame
	if err := seg.Foreach(func(f Frame) error { got = append(got, f); return nil }); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("foreach visited %d frames, want 5", len(got))
	}
}

func TestSegmentHalfSyncSlowPath(t *testing.T) {
	durations := []Duration{2, 4, 6, 8, 10}
	byteLens := []int32{1, 1, 1, 1, 1}
	keys := []bool{true, false, true, false, true}
	data, total, totalBytes := buildIndex(t, durations, byteLens, keys)

	row := RecordingSummary{
		SampleFileBytes:  totalBytes,
		VideoSamples:     5,
		VideoSyncSamples: 3,
		MediaDuration:    total,
	}
	seg, err := NewSegment(data, row, 12, 20, true)
	if err != nil {
		t.Fatal(err)
	}
	if seg.FastPath {
		t.Fatal("expected slow path")
	}
	if seg.ActualStart != 6 {
		t.Errorf("actual start = %d, want 6 (3rd frame)", seg.ActualStart)
	}
	if seg.Frames != 2 {
		t.Errorf("frames = %d, want 2 (3rd and 4th)", seg.Frames)
	}

	var durs []Duration
	if err := seg.Foreach(func(f Frame) error { durs = append(durs, f.Duration); return nil }); err != nil {
		t.Fatal(err)
	}
	want := []Duration{6, 8}
	if len(durs) != len(want) || durs[0] != want[0] || durs[1] != want[1] {
		t.Errorf("foreach durations = %v, want %v", durs, want)
	}
}

func TestSegmentTrailingZero(t *testing.T) {
	durations := []Duration{10, 10, 0}
	byteLens := []int32{5, 5, 5}
	keys := []bool{true, false, false}
	data, total, totalBytes := buildIndex(t, durations, byteLens, keys)

	row := RecordingSummary{
		SampleFileBytes:  totalBytes,
		VideoSamples:     3,
		VideoSyncSamples: 1,
		MediaDuration:    total,
	}
	seg, err := NewSegment(data, row, 0, total, true)
	if err != nil {
		t.Fatal(err)
	}
	if !seg.FastPath {
		t.Fatal("expected fast path for whole-recording range")
	}
	// The fast path does not decode the index, so it does not report a
	// trailing zero; verify the slow path detects it when forced to scan
	// (a range starting after 0 but reaching row.MediaDuration still
	// includes the final zero-duration frame).
	seg2, err := NewSegment(data, row, 5, total, true)
	if err != nil {
		t.Fatal(err)
	}
	if !seg2.TrailingZero {
		t.Error("expected trailing zero detected by slow path")
	}
}
