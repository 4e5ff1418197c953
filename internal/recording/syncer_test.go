package recording

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nvrstore/nvr/internal/recording/index"
	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

func newTestSyncer(t *testing.T) (*Syncer, *Store, *StreamState, chan UploadedRecording, chan DeleteRequest, chan struct{}) {
	t.Helper()
	path := t.TempDir()
	dbUUID := uuid.New()
	if err := sfdir.CreateDescriptor(path, dbUUID, uuid.New()); err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	d, err := sfdir.Open(path, true, dbUUID, nil, &sfdir.OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	pool := sfdir.NewPool(d)
	t.Cleanup(pool.Close)

	store := newTestStore(t)
	state := NewStreamState(1, time.UTC, &Stream{}, 16)
	uploads := make(chan UploadedRecording, 4)
	deletes := make(chan DeleteRequest, 4)
	notify := make(chan struct{}, 1)

	y := NewSyncer(1, d, pool, store, map[int32]*StreamState{1: state}, uploads, deletes, notify)
	return y, store, state, uploads, deletes, notify
}

func TestSyncerHandleSaveCommitsAndAbsorbs(t *testing.T) {
	y, store, state, uploads, _, notify := newTestSyncer(t)
	ctx := context.Background()

	entryID, err := store.GetOrCreateVideoSampleEntry(ctx, VideoSampleEntry{Data: []byte{1}})
	if err != nil {
		t.Fatalf("video sample entry: %v", err)
	}
	open, err := store.BeginOpen(ctx)
	if err != nil {
		t.Fatalf("BeginOpen: %v", err)
	}

	rec := Recording{
		CompositeID:        NewCompositeID(1, 0),
		OpenID:             open.InProgress.ID,
		StartTime90k:        index.Time(90_000),
		WallDuration90k:     90_000 * 30,
		VideoSampleEntryID:  entryID,
		VideoSamples:        10,
		VideoSyncSamples:    1,
		SampleFileBytes:     2048,
	}
	up := UploadedRecording{
		Recording: rec,
		StreamID:  1,
		Playback:  RecordingPlayback{CompositeID: rec.CompositeID, VideoIndex: []byte{1, 2}},
	}

	y.handleSave(ctx, up)

	var found bool
	err = store.ListRecordingsByTime(ctx, 1, rec.StartTime90k, rec.EndTime90k()+1, func(r Recording) error {
		found = true
		return nil
	})
	if err != nil {
		t.Fatalf("ListRecordingsByTime: %v", err)
	}
	if !found {
		t.Fatal("expected the recording to be committed to the database")
	}

	if got := state.CommittedFSBytes(); got != 2048 {
		t.Fatalf("expected the stream state to absorb the commit, got %d committed bytes", got)
	}

	select {
	case <-notify:
	default:
		t.Fatal("expected a commit notification after handleSave")
	}
	_ = uploads
}

func TestSyncerHandleDeleteMovesToGarbageAndUnlinks(t *testing.T) {
	y, store, state, _, _, _ := newTestSyncer(t)
	ctx := context.Background()

	entryID, err := store.GetOrCreateVideoSampleEntry(ctx, VideoSampleEntry{Data: []byte{2}})
	if err != nil {
		t.Fatalf("video sample entry: %v", err)
	}
	open, err := store.BeginOpen(ctx)
	if err != nil {
		t.Fatalf("BeginOpen: %v", err)
	}
	rec := Recording{
		CompositeID:        NewCompositeID(1, 0),
		OpenID:             open.InProgress.ID,
		WallDuration90k:     90_000 * 10,
		VideoSampleEntryID:  entryID,
		SampleFileBytes:     1024,
	}
	up := UploadedRecording{Recording: rec, StreamID: 1, Playback: RecordingPlayback{CompositeID: rec.CompositeID}}
	y.handleSave(ctx, up)

	// Create the sample file the recording nominally refers to so
	// tryUnlinkLocked has something real to remove.
	if _, err := y.dir.CreateFile(int64(rec.CompositeID)); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	req := DeleteRequest{StreamID: 1, IDLo: 0, IDHi: 1, Entries: []RecentRecording{{ID: 0, WallDuration90k: rec.WallDuration90k, SampleFileBytes: rec.SampleFileBytes}}}
	y.handleDelete(ctx, req)

	// handleDelete unlinks the file and stages the garbage row for
	// clearing, but only the next commit (or shutdown drain) actually
	// clears it; that's commitMarkDeleted's job.
	garbage, err := store.ListGarbage(ctx, 1)
	if err != nil {
		t.Fatalf("ListGarbage: %v", err)
	}
	if len(garbage) != 1 {
		t.Fatalf("expected the garbage row to still be staged pending the next commit, got %v", garbage)
	}
	if err := y.commitMarkDeleted(ctx); err != nil {
		t.Fatalf("commitMarkDeleted: %v", err)
	}
	garbage, err = store.ListGarbage(ctx, 1)
	if err != nil {
		t.Fatalf("ListGarbage after commitMarkDeleted: %v", err)
	}
	if len(garbage) != 0 {
		t.Fatalf("expected commitMarkDeleted to clear the garbage row, got %v", garbage)
	}

	if got := state.CommittedFSBytes(); got != 0 {
		t.Fatalf("expected the deletion to zero out committed bytes, got %d", got)
	}
}

func TestSyncerRunResumesGarbageOnStartup(t *testing.T) {
	path := t.TempDir()
	dbUUID := uuid.New()
	if err := sfdir.CreateDescriptor(path, dbUUID, uuid.New()); err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	d, err := sfdir.Open(path, true, dbUUID, nil, &sfdir.OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	pool := sfdir.NewPool(d)
	defer pool.Close()

	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.db.ExecContext(ctx, "INSERT INTO garbage (sample_file_dir_id, composite_id) VALUES (1, ?)", int64(NewCompositeID(1, 5))); err != nil {
		t.Fatalf("seeding garbage row: %v", err)
	}

	uploads := make(chan UploadedRecording)
	deletes := make(chan DeleteRequest)
	y := NewSyncer(1, d, pool, store, map[int32]*StreamState{}, uploads, deletes, nil)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- y.Run(runCtx) }()
	<-runCtx.Done()
	if err := <-done; err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}

	garbage, err := store.ListGarbage(ctx, 1)
	if err != nil {
		t.Fatalf("ListGarbage: %v", err)
	}
	if len(garbage) != 0 {
		t.Fatalf("expected startup to clear the orphaned garbage row (file already absent), got %v", garbage)
	}
}
