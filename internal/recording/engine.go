// Package recording implements the recording storage engine described by
// components A-H: the sample-index codec, sample file directories, the
// directory I/O pool, the relational metadata store, per-stream
// in-memory state, the writer, the syncer, and the flusher/retention
// loop. Engine is the composition root that wires all of them together
// and drives the startup handshake.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

// DirConfig describes one sample file directory a stream writes into.
type DirConfig struct {
	ID   int32
	Path string
}

// StreamConfig is the subset of a stream's configuration the engine
// needs to open its directory and start its writer: the configuration
// loader (§6.1) is the source of truth for these values at startup.
type StreamConfig struct {
	Stream
	Dir DirConfig
}

// Engine wires together the metadata store, one Syncer and Pool per
// sample file directory, one Writer and StreamState per stream, and the
// process-wide Flusher. It owns the five-step startup sequence from
// spec §4.H and the matching shutdown.
type Engine struct {
	store *Store

	dirs  map[int32]*sfdir.Dir
	pools map[int32]*sfdir.Pool

	states  map[int32]*StreamState
	writers map[int32]*Writer
	syncers map[int32]*Syncer
	flusher *Flusher

	uploads map[int32]chan UploadedRecording
	deletes map[int32]chan DeleteRequest

	openMarker *OpenMarker

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewEngine constructs an Engine bound to an already-open, already-
// migrated metadata store.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store:   store,
		dirs:    make(map[int32]*sfdir.Dir),
		pools:   make(map[int32]*sfdir.Pool),
		states:  make(map[int32]*StreamState),
		writers: make(map[int32]*Writer),
		syncers: make(map[int32]*Syncer),
		uploads: make(map[int32]chan UploadedRecording),
		deletes: make(map[int32]chan DeleteRequest),
		flusher: NewFlusher(),
		logger:  slog.Default().With("component", "recording.engine"),
	}
}

// Start runs the startup sequence (spec §4.H) and begins the flusher,
// every directory's syncer, and every stream's writer. dbUUID identifies
// this metadata store for the directory-descriptor handshake
// (invariant 6); streams lists every stream to bring up, each carrying
// the sample file directory it writes into.
func (e *Engine) Start(ctx context.Context, dbUUID uuid.UUID, streams []StreamConfig) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// Step 1: open the database's view of the handshake anchor and mint
	// a fresh in-progress open for this process lifetime.
	openState, err := e.store.BeginOpen(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("recording: starting open session: %w", err)
	}
	e.openMarker = openState.InProgress

	// Group streams by directory so each directory is opened exactly
	// once even if multiple streams share it.
	byDir := make(map[int32][]StreamConfig)
	dirPaths := make(map[int32]DirConfig)
	for _, sc := range streams {
		byDir[sc.Dir.ID] = append(byDir[sc.Dir.ID], sc)
		dirPaths[sc.Dir.ID] = sc.Dir
	}

	sfOpen := &sfdir.OpenMarker{ID: e.openMarker.ID, UUID: e.openMarker.UUID}
	var expectedLast *sfdir.OpenMarker
	if openState.LastComplete != nil {
		expectedLast = &sfdir.OpenMarker{ID: openState.LastComplete.ID, UUID: openState.LastComplete.UUID}
	}

	// Step 2: open + re-verify + re-stamp every directory's descriptor.
	for dirID, cfg := range dirPaths {
		d, err := sfdir.Open(cfg.Path, true, dbUUID, expectedLast, sfOpen)
		if err != nil {
			cancel()
			return fmt.Errorf("recording: opening sample file dir %d (%s): %w", dirID, cfg.Path, err)
		}
		e.dirs[dirID] = d
		e.pools[dirID] = sfdir.NewPool(d)
	}

	// Step 3: abandon phase. Any sample file whose recording id is
	// beyond the stream's committed cum_recordings was written but its
	// metadata never committed before the prior process died.
	for dirID, group := range byDir {
		if err := e.abandonOrphans(dirID, group); err != nil {
			cancel()
			return err
		}
	}

	// Step 4a: start one Syncer per directory.
	for dirID, d := range e.dirs {
		uploads := make(chan UploadedRecording, 8)
		deletes := make(chan DeleteRequest, 8)
		e.uploads[dirID] = uploads
		e.deletes[dirID] = deletes

		dirStates := make(map[int32]*StreamState)
		for _, sc := range byDir[dirID] {
			dirStates[sc.ID] = e.stateFor(sc)
		}

		notify := make(chan struct{}, 1)
		syncer := NewSyncer(dirID, d, e.pools[dirID], e.store, dirStates, uploads, deletes, notify)
		e.syncers[dirID] = syncer
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := syncer.Run(runCtx); err != nil {
				e.logger.Error("syncer exited with error", "dir", dirID, "error", err)
			}
		}()
		e.wg.Add(1)
		go func(notify chan struct{}) {
			defer e.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-notify:
					e.flusher.NotifyCommit()
				}
			}
		}(notify)
	}

	// Step 4b: start one Writer per stream and register it with the
	// flusher for flush-deadline scheduling and quota enforcement.
	for _, sc := range streams {
		state := e.stateFor(sc)
		w := NewWriter(sc.ID, e.dirs[sc.Dir.ID], e.pools[sc.Dir.ID], state, e.openMarker.ID, e.uploads[sc.Dir.ID])
		e.writers[sc.ID] = w
		e.flusher.Register(sc.ID, sc.Dir.ID, sc.RetainBytes, sc.FlushIfSec, state, e.deletes[sc.Dir.ID])
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.flusher.Run(runCtx)
	}()

	// Step 5: commit the in-progress open as last-complete, fsyncing
	// every directory's descriptor.
	for dirID, d := range e.dirs {
		if err := d.CommitOpen(); err != nil {
			cancel()
			return fmt.Errorf("recording: committing open for dir %d: %w", dirID, err)
		}
	}
	if err := e.store.CommitOpen(runCtx, e.openMarker); err != nil {
		cancel()
		return fmt.Errorf("recording: committing open session: %w", err)
	}

	return nil
}

// stateFor returns (creating if necessary) the StreamState for sc.
func (e *Engine) stateFor(sc StreamConfig) *StreamState {
	if st, ok := e.states[sc.ID]; ok {
		return st
	}
	st := NewStreamState(sc.ID, nil, &sc.Stream, 4096)
	e.states[sc.ID] = st
	return st
}

// abandonOrphans implements spec §4.H step 3: any sample file in dirID
// whose composite id's recording-id component is at or past a stream's
// committed cum_recordings was written by a run that never committed,
// and is unlinked before any writer resumes.
func (e *Engine) abandonOrphans(dirID int32, group []StreamConfig) error {
	committedByStream := make(map[int32]int64, len(group))
	for _, sc := range group {
		committedByStream[sc.ID] = sc.CumRecordings
	}

	pool := e.pools[dirID]
	ids, _, err := pool.Iterate()
	if err != nil {
		return fmt.Errorf("recording: scanning dir %d for orphans: %w", dirID, err)
	}
	for _, raw := range ids {
		id := CompositeID(raw)
		cum, ok := committedByStream[id.StreamID()]
		if !ok {
			continue // belongs to a stream outside this directory's group
		}
		if int64(id.RecordingID()) >= cum {
			if err := pool.Unlink(raw); err != nil {
				return fmt.Errorf("recording: abandoning orphaned sample file %s: %w", id, err)
			}
			e.logger.Info("abandoned orphaned sample file", "dir", dirID, "recording", id)
		}
	}
	if err := pool.Fsync(); err != nil {
		return fmt.Errorf("recording: fsyncing dir %d after abandon phase: %w", dirID, err)
	}
	return nil
}

// Writer returns the Writer for streamID, or nil if no writer was
// started for that stream.
func (e *Engine) Writer(streamID int32) *Writer {
	return e.writers[streamID]
}

// State returns the StreamState for streamID, or nil if unknown.
func (e *Engine) State(streamID int32) *StreamState {
	return e.states[streamID]
}

// Wake schedules an immediate flush-deadline re-check. Writers do not
// call it.
func (e *Engine) Wake() {
	e.flusher.Wake()
}

// Stop closes every writer's current recording at a frame boundary,
// then cancels every worker's context and waits for the syncers to
// drain and the flusher to exit.
func (e *Engine) Stop() {
	for id, w := range e.writers {
		if err := w.Close(context.Background()); err != nil {
			e.logger.Warn("closing writer", "stream", id, "error", err)
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	for _, d := range e.dirs {
		if err := d.Close(); err != nil {
			e.logger.Warn("closing sample file dir", "error", err)
		}
	}
	for _, p := range e.pools {
		p.Close()
	}
}
