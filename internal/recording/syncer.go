package recording

import (
	"context"
	"log/slog"

	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

// DeleteRequest asks the syncer owning streamID's directory to move
// every recording with recording_id in [IDLo, IDHi) to the garbage
// table and queue its sample file for unlinking. Entries is the exact
// set StreamState.MarkDeletionCandidates already selected, carried
// along so the syncer can fold the removal into the stream's in-memory
// state without a second database round trip. The flusher is the only
// producer of these.
type DeleteRequest struct {
	StreamID int32
	IDLo     uint32
	IDHi     uint32
	Entries  []RecentRecording
}

// Syncer is the single worker for one sample file directory. It is the
// only thing in the process allowed to unlink sample files or mutate
// their rows in the metadata store, so file state and database state
// can never drift apart: every unlink is paired with a transaction
// clearing the corresponding garbage row, and every transaction that
// references a file happens only after that file is durably on disk.
type Syncer struct {
	dirID  int32
	dir    *sfdir.Dir
	pool   *sfdir.Pool
	store  *Store
	states map[int32]*StreamState // streamID -> state, every stream stored in this directory

	uploads <-chan UploadedRecording
	deletes <-chan DeleteRequest
	notify  chan<- struct{}

	logger *slog.Logger

	toUnlink      []CompositeID
	toMarkDeleted []CompositeID
}

// NewSyncer constructs a Syncer for one directory. notify is pinged
// (non-blocking) after every commit so the flusher can re-check quota;
// it may be nil.
func NewSyncer(dirID int32, dir *sfdir.Dir, pool *sfdir.Pool, store *Store, states map[int32]*StreamState, uploads <-chan UploadedRecording, deletes <-chan DeleteRequest, notify chan<- struct{}) *Syncer {
	return &Syncer{
		dirID:   dirID,
		dir:     dir,
		pool:    pool,
		store:   store,
		states:  states,
		uploads: uploads,
		deletes: deletes,
		notify:  notify,
		logger:  slog.Default().With("component", "recording.syncer", "dir", dir.Path()),
	}
}

// Run performs the startup rotation (resuming any garbage left behind
// by a prior process) and then services uploads and deletes until ctx
// is canceled, draining both queues before returning.
func (y *Syncer) Run(ctx context.Context) error {
	ids, err := y.store.ListGarbage(ctx, y.dirID)
	if err != nil {
		return err
	}
	y.toUnlink = append(y.toUnlink, ids...)
	y.tryUnlinkLocked()
	if len(y.toUnlink) > 0 {
		y.logger.Warn("unresolved garbage at startup", "remaining", len(y.toUnlink))
	}
	if err := y.commitMarkDeleted(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			y.drain()
			return nil
		case up, ok := <-y.uploads:
			if !ok {
				y.uploads = nil
				continue
			}
			y.handleSave(ctx, up)
		case req, ok := <-y.deletes:
			if !ok {
				y.deletes = nil
				continue
			}
			y.handleDelete(ctx, req)
		}
	}
}

// handleSave is the fsync-then-commit protocol for one finished
// recording: the file is already synced and closed by the writer, so
// this step only needs to reconcile any stale unlinks before admitting
// the recording into the committed set.
func (y *Syncer) handleSave(ctx context.Context, up UploadedRecording) {
	y.tryUnlinkLocked()
	if len(y.toUnlink) > 0 {
		y.logger.Error("deferring save: sample files from a prior round still won't unlink",
			"recording", up.Recording.CompositeID, "pending_unlinks", len(y.toUnlink))
		return
	}

	runsAdd := int64(0)
	if up.Recording.RunOffset == 0 {
		runsAdd = 1
	}
	deltas := []StreamDelta{{
		StreamID:       up.StreamID,
		AddRecordings:  1,
		AddRuns:        runsAdd,
		AddDuration90k: up.Recording.MediaDuration90k(),
	}}

	if err := y.store.CommitBatch(ctx, y.dirID, y.toMarkDeleted, []UploadedRecording{up}, deltas); err != nil {
		y.logger.Error("commit batch failed", "recording", up.Recording.CompositeID, "error", err)
		return
	}
	y.toMarkDeleted = y.toMarkDeleted[:0]

	if state := y.states[up.StreamID]; state != nil {
		rr := up.Recording
		state.AbsorbCommit([]RecentRecording{{
			ID:              rr.CompositeID.RecordingID(),
			Start:           rr.StartTime90k,
			WallDuration90k: rr.WallDuration90k,
			SampleFileBytes: rr.SampleFileBytes,
		}})
	}
	y.wake()
}

// handleDelete moves a flusher-selected range of recordings to garbage
// and queues their sample files for unlinking.
func (y *Syncer) handleDelete(ctx context.Context, req DeleteRequest) {
	ids, err := y.store.DeleteRecordings(ctx, y.dirID, req.StreamID, req.IDLo, req.IDHi)
	if err != nil {
		y.logger.Error("delete recordings failed", "stream", req.StreamID, "error", err)
		return
	}
	if state := y.states[req.StreamID]; state != nil {
		state.RemoveDeleted(req.Entries)
	}
	y.toUnlink = append(y.toUnlink, ids...)
	y.tryUnlinkLocked()
	y.wake()
}

// tryUnlinkLocked attempts to unlink every pending sample file. Ones
// that succeed move to toMarkDeleted for the next commit; ones that
// fail stay in toUnlink for the next round.
func (y *Syncer) tryUnlinkLocked() {
	if len(y.toUnlink) == 0 {
		return
	}
	kept := y.toUnlink[:0]
	for _, id := range y.toUnlink {
		if err := y.dir.UnlinkFile(int64(id)); err != nil {
			y.logger.Warn("failed to unlink sample file", "id", id, "error", err)
			kept = append(kept, id)
			continue
		}
		y.toMarkDeleted = append(y.toMarkDeleted, id)
	}
	y.toUnlink = kept
	if err := y.dir.Sync(); err != nil {
		y.logger.Error("fsyncing directory after unlink", "error", err)
	}
}

func (y *Syncer) commitMarkDeleted(ctx context.Context) error {
	if len(y.toMarkDeleted) == 0 {
		return nil
	}
	if err := y.store.MarkSampleFilesDeleted(ctx, y.dirID, y.toMarkDeleted); err != nil {
		return err
	}
	y.toMarkDeleted = y.toMarkDeleted[:0]
	return nil
}

func (y *Syncer) wake() {
	if y.notify == nil {
		return
	}
	select {
	case y.notify <- struct{}{}:
	default:
	}
}

// drain flushes every remaining queued command without blocking on new
// work, called once on shutdown.
func (y *Syncer) drain() {
	ctx := context.Background()
	for {
		select {
		case up, ok := <-y.uploads:
			if !ok {
				return
			}
			y.handleSave(ctx, up)
		case req, ok := <-y.deletes:
			if !ok {
				return
			}
			y.handleDelete(ctx, req)
		default:
			y.tryUnlinkLocked()
			_ = y.commitMarkDeleted(ctx)
			return
		}
	}
}
