package recording

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nvrstore/nvr/internal/database"
	"github.com/nvrstore/nvr/internal/recording/index"
)

// Store is the single-writer relational metadata store: a
// process-wide mutex serializes every transaction against the
// database. The mutex must never be held across sample-file I/O or
// directory-pool scheduling; callers acquire their
// per-stream StreamState lock strictly before calling into Store.
type Store struct {
	db *database.DB
	mu sync.Mutex
}

// NewStore wraps an already-open, already-migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// --- Camera / Stream / VideoSampleEntry CRUD -------------------------

// ListCameras returns every camera row.
func (s *Store) ListCameras(ctx context.Context) ([]Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, "SELECT id, uuid, short_name, config FROM camera")
	if err != nil {
		return nil, NewError(KindUnavailable, "listing cameras", err)
	}
	defer rows.Close()

	var out []Camera
	for rows.Next() {
		var c Camera
		var u []byte
		if err := rows.Scan(&c.ID, &u, &c.ShortName, &c.Config); err != nil {
			return nil, NewError(KindInternal, "scanning camera row", err)
		}
		copy(c.UUID[:], u)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListStreams returns every stream row.
func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera_id, type, COALESCE(sample_file_dir_id, 0), record,
		       retain_bytes, flush_if_sec, cum_recordings, cum_media_duration_90k, cum_runs
		FROM stream`)
	if err != nil {
		return nil, NewError(KindUnavailable, "listing streams", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		var typ string
		if err := rows.Scan(&st.ID, &st.CameraID, &typ, &st.SampleFileDirID, &st.Record,
			&st.RetainBytes, &st.FlushIfSec, &st.CumRecordings, &st.CumMediaDuration90k, &st.CumRuns); err != nil {
			return nil, NewError(KindInternal, "scanning stream row", err)
		}
		st.Type = StreamType(typ)
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetOrCreateVideoSampleEntry deduplicates by exact blob equality,
// inserting a new row and assigning it an id only on first use.
func (s *Store) GetOrCreateVideoSampleEntry(ctx context.Context, e VideoSampleEntry) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int32
	err := s.db.QueryRowContext(ctx, "SELECT id FROM video_sample_entry WHERE data = ?", e.Data).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, NewError(KindUnavailable, "looking up video sample entry", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO video_sample_entry (width, height, pasp_h_spacing, pasp_v_spacing, rfc6381_codec, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Width, e.Height, e.PixelAspectH, e.PixelAspectV, e.RFC6381Codec, e.Data)
	if err != nil {
		return 0, NewError(KindUnavailable, "inserting video sample entry", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, NewError(KindInternal, "reading inserted video sample entry id", err)
	}
	return int32(newID), nil
}

// --- Open session handling --------------------------------------------

// OpenState is the database's view of the handshake anchor: the last
// fully-completed open and, during startup, the new in-progress open.
type OpenState struct {
	LastComplete *OpenMarker
	InProgress   *OpenMarker
}

// BeginOpen mints a fresh open-session row and records it as
// in-progress, returning the full updated OpenState. Step 1 of the
// startup sequence.
func (s *Store) BeginOpen(ctx context.Context) (*OpenState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := uuid.New()
	res, err := s.db.ExecContext(ctx, "INSERT INTO open (uuid) VALUES (?)", u[:])
	if err != nil {
		return nil, NewError(KindUnavailable, "inserting open row", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, NewError(KindInternal, "reading inserted open id", err)
	}
	marker := &OpenMarker{ID: uint32(id), UUID: u}

	var lastID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT last_complete_open FROM open_state WHERE id = 1").Scan(&lastID); err != nil {
		return nil, NewError(KindUnavailable, "reading open_state", err)
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE open_state SET in_progress_open = ? WHERE id = 1", marker.ID); err != nil {
		return nil, NewError(KindUnavailable, "updating in_progress_open", err)
	}

	st := &OpenState{InProgress: marker}
	if lastID.Valid {
		last, err := s.loadOpenMarker(ctx, uint32(lastID.Int64))
		if err != nil {
			return nil, err
		}
		st.LastComplete = last
	}
	return st, nil
}

func (s *Store) loadOpenMarker(ctx context.Context, id uint32) (*OpenMarker, error) {
	var u []byte
	if err := s.db.QueryRowContext(ctx, "SELECT uuid FROM open WHERE id = ?", id).Scan(&u); err != nil {
		return nil, NewError(KindInternal, "loading open marker", err)
	}
	m := &OpenMarker{ID: id}
	copy(m.UUID[:], u)
	return m, nil
}

// CommitOpen promotes the in-progress open to last-complete, the final
// step of the startup sequence.
func (s *Store) CommitOpen(ctx context.Context, marker *OpenMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "UPDATE open_state SET last_complete_open = ? WHERE id = 1", marker.ID)
	if err != nil {
		return NewError(KindUnavailable, "committing open", err)
	}
	return nil
}

// --- Recording listing -------------------------------------------------

// ListRecordingsByTime returns, in start_time_90k order, every recording
// on streamID whose [start, start+wall_duration) overlaps
// [start90k, end90k). This is implemented by first
// filtering on start_time_90k in [end-MAX_DURATION, end), exploiting the
// 5-minute bound, then applying the overlap predicate. fn is called
// once per row while the database lock is held; it must return quickly.
func (s *Store) ListRecordingsByTime(ctx context.Context, streamID int32, start90k, end90k index.Time, fn func(Recording) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowerBound := int64(end90k) - int64(index.MaxWallDuration)
	rows, err := s.db.QueryContext(ctx, `
		SELECT composite_id, open_id, run_offset, flags, sample_file_bytes,
		       start_time_90k, wall_duration_90k, media_duration_delta_90k,
		       video_samples, video_sync_samples, video_sample_entry_id,
		       prev_media_duration_90k, prev_runs
		FROM recording
		WHERE stream_id = ? AND start_time_90k >= ? AND start_time_90k < ?
		ORDER BY start_time_90k`,
		streamID, lowerBound, int64(end90k))
	if err != nil {
		return NewError(KindUnavailable, "listing recordings by time", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return err
		}
		if rec.EndTime90k() <= start90k || rec.StartTime90k >= end90k {
			continue // start_time_90k prefilter admits rows outside the true overlap
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListRecordingsByID returns, ordered by composite_id, every recording
// on streamID with recording_id in [idLo, idHi).
func (s *Store) ListRecordingsByID(ctx context.Context, streamID int32, idLo, idHi uint32, fn func(Recording) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := NewCompositeID(streamID, idLo)
	hi := NewCompositeID(streamID, idHi)
	rows, err := s.db.QueryContext(ctx, `
		SELECT composite_id, open_id, run_offset, flags, sample_file_bytes,
		       start_time_90k, wall_duration_90k, media_duration_delta_90k,
		       video_samples, video_sync_samples, video_sample_entry_id,
		       prev_media_duration_90k, prev_runs
		FROM recording
		WHERE stream_id = ? AND composite_id >= ? AND composite_id < ?
		ORDER BY composite_id`,
		streamID, int64(lo), int64(hi))
	if err != nil {
		return NewError(KindUnavailable, "listing recordings by id", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(rows rowScanner) (Recording, error) {
	var rec Recording
	var compositeID, startTime, wallDuration, mediaDelta, prevMediaDuration int64
	if err := rows.Scan(&compositeID, &rec.OpenID, &rec.RunOffset, &rec.Flags, &rec.SampleFileBytes,
		&startTime, &wallDuration, &mediaDelta,
		&rec.VideoSamples, &rec.VideoSyncSamples, &rec.VideoSampleEntryID,
		&prevMediaDuration, &rec.PrevRuns); err != nil {
		return Recording{}, NewError(KindInternal, "scanning recording row", err)
	}
	rec.CompositeID = CompositeID(compositeID)
	rec.StartTime90k = index.Time(startTime)
	rec.WallDuration90k = index.Duration(wallDuration)
	rec.MediaDurationDelta90k = index.Duration(mediaDelta)
	rec.PrevMediaDuration90k = index.Duration(prevMediaDuration)
	return rec, nil
}

// GetPlayback fetches a single recording's encoded sample index.
func (s *Store) GetPlayback(ctx context.Context, id CompositeID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT video_index FROM recording_playback WHERE composite_id = ?", int64(id)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, NewError(KindNotFound, fmt.Sprintf("no playback row for recording %s", id), err)
	}
	if err != nil {
		return nil, NewError(KindUnavailable, "fetching playback", err)
	}
	return blob, nil
}

// --- Commit batch (writer output + deletions + cum_* update) ---------

// StreamDelta is the per-stream effect of one commit batch: how much to
// add to cum_recordings/cum_runs/cum_media_duration_90k.
type StreamDelta struct {
	StreamID       int32
	AddRecordings  int64
	AddRuns        int64
	AddDuration90k index.Duration
}

// UploadedRecording bundles a completed recording with its playback and
// optional integrity rows, as handed to the syncer by the writer.
type UploadedRecording struct {
	Recording Recording
	StreamID  int32
	Playback  RecordingPlayback
	Integrity *RecordingIntegrity
}

// CommitBatch implements the syncer's single database transaction: it
// clears garbage rows for the deleted queue, inserts each uploaded
// recording with its playback and optional integrity rows, then updates
// every affected stream's cum_* columns. All-or-nothing.
func (s *Store) CommitBatch(ctx context.Context, dirID int32, deletedIDs []CompositeID, uploads []UploadedRecording, deltas []StreamDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindUnavailable, "beginning commit batch", err)
	}
	if err := s.runCommitBatch(ctx, tx, dirID, deletedIDs, uploads, deltas); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindUnavailable, "committing batch", err)
	}
	return nil
}

func (s *Store) runCommitBatch(ctx context.Context, tx *sql.Tx, dirID int32, deletedIDs []CompositeID, uploads []UploadedRecording, deltas []StreamDelta) error {
	for _, id := range deletedIDs {
		res, err := tx.ExecContext(ctx, "DELETE FROM garbage WHERE sample_file_dir_id = ? AND composite_id = ?", dirID, int64(id))
		if err != nil {
			return NewError(KindUnavailable, "clearing garbage row", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return NewError(KindInternal, fmt.Sprintf("garbage row missing for %s at unlink time", id), nil)
		}
	}

	for _, u := range uploads {
		rec := u.Recording
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recording (composite_id, stream_id, open_id, run_offset, flags,
				sample_file_bytes, start_time_90k, wall_duration_90k, media_duration_delta_90k,
				video_samples, video_sync_samples, video_sample_entry_id,
				prev_media_duration_90k, prev_runs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(rec.CompositeID), u.StreamID, rec.OpenID, rec.RunOffset, rec.Flags,
			rec.SampleFileBytes, int64(rec.StartTime90k), int64(rec.WallDuration90k), int64(rec.MediaDurationDelta90k),
			rec.VideoSamples, rec.VideoSyncSamples, rec.VideoSampleEntryID,
			int64(rec.PrevMediaDuration90k), rec.PrevRuns)
		if err != nil {
			return NewError(KindUnavailable, "inserting recording", err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO recording_playback (composite_id, video_index) VALUES (?, ?)",
			int64(rec.CompositeID), u.Playback.VideoIndex); err != nil {
			return NewError(KindUnavailable, "inserting playback row", err)
		}

		if u.Integrity != nil {
			var blake3 any
			if u.Integrity.SampleFileBlake3 != nil {
				blake3 = u.Integrity.SampleFileBlake3
			}
			var localDelta, localSinceOpen any
			if u.Integrity.HasLocalTimeDelta {
				localDelta = int64(u.Integrity.LocalTimeDelta90k)
			}
			if u.Integrity.HasLocalTimeSinceOpen {
				localSinceOpen = int64(u.Integrity.LocalTimeSinceOpen90k)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO recording_integrity (composite_id, sample_file_blake3, local_time_delta_90k, local_time_since_open_90k)
				VALUES (?, ?, ?, ?)`,
				int64(rec.CompositeID), blake3, localDelta, localSinceOpen); err != nil {
				return NewError(KindUnavailable, "inserting integrity row", err)
			}
		}
	}

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream SET cum_recordings = cum_recordings + ?,
			                   cum_runs = cum_runs + ?,
			                   cum_media_duration_90k = cum_media_duration_90k + ?
			WHERE id = ?`,
			d.AddRecordings, d.AddRuns, int64(d.AddDuration90k), d.StreamID); err != nil {
			return NewError(KindUnavailable, "updating stream cum_* counters", err)
		}
	}
	return nil
}

// --- Deletion ------------------------------------------------------

// DeleteRecordings moves every recording on streamID with recording_id
// in [idLo, idHi) into the garbage table (tagged with dirID) and removes
// their playback/integrity/recording rows, in one transaction. It
// enforces that the deleted playback-row count matches the inserted
// garbage count exactly (integrity may be legitimately absent).
func (s *Store) DeleteRecordings(ctx context.Context, dirID int32, streamID int32, idLo, idHi uint32) ([]CompositeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewError(KindUnavailable, "beginning delete", err)
	}
	ids, err := s.runDeleteRecordings(ctx, tx, dirID, streamID, idLo, idHi)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, NewError(KindUnavailable, "committing delete", err)
	}
	return ids, nil
}

func (s *Store) runDeleteRecordings(ctx context.Context, tx *sql.Tx, dirID, streamID int32, idLo, idHi uint32) ([]CompositeID, error) {
	lo := NewCompositeID(streamID, idLo)
	hi := NewCompositeID(streamID, idHi)

	rows, err := tx.QueryContext(ctx, "SELECT composite_id FROM recording WHERE stream_id = ? AND composite_id >= ? AND composite_id < ? ORDER BY composite_id",
		streamID, int64(lo), int64(hi))
	if err != nil {
		return nil, NewError(KindUnavailable, "selecting recordings to delete", err)
	}
	var ids []CompositeID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, NewError(KindInternal, "scanning recording id", err)
		}
		ids = append(ids, CompositeID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "INSERT INTO garbage (sample_file_dir_id, composite_id) VALUES (?, ?)", dirID, int64(id)); err != nil {
			return nil, NewError(KindUnavailable, "inserting garbage row", err)
		}
	}

	playbackRes, err := tx.ExecContext(ctx, "DELETE FROM recording_playback WHERE composite_id IN (SELECT composite_id FROM recording WHERE stream_id = ? AND composite_id >= ? AND composite_id < ?)",
		streamID, int64(lo), int64(hi))
	if err != nil {
		return nil, NewError(KindUnavailable, "deleting playback rows", err)
	}
	playbackDeleted, _ := playbackRes.RowsAffected()
	if int(playbackDeleted) != len(ids) {
		return nil, NewError(KindInternal, fmt.Sprintf("playback row count mismatch: deleted %d, expected %d", playbackDeleted, len(ids)), nil)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM recording_integrity WHERE composite_id IN (SELECT composite_id FROM recording WHERE stream_id = ? AND composite_id >= ? AND composite_id < ?)",
		streamID, int64(lo), int64(hi)); err != nil {
		return nil, NewError(KindUnavailable, "deleting integrity rows", err)
	}

	recRes, err := tx.ExecContext(ctx, "DELETE FROM recording WHERE stream_id = ? AND composite_id >= ? AND composite_id < ?", streamID, int64(lo), int64(hi))
	if err != nil {
		return nil, NewError(KindUnavailable, "deleting recording rows", err)
	}
	recDeleted, _ := recRes.RowsAffected()
	if int(recDeleted) != len(ids) {
		return nil, NewError(KindInternal, fmt.Sprintf("recording row count mismatch: deleted %d, expected %d", recDeleted, len(ids)), nil)
	}

	return ids, nil
}

// MarkSampleFilesDeleted removes garbage rows once their files have been
// durably unlinked. A missing row is a panic-level logic
// error: the caller observed a file it believed was garbage-tracked.
func (s *Store) MarkSampleFilesDeleted(ctx context.Context, dirID int32, ids []CompositeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindUnavailable, "beginning garbage clear", err)
	}
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM garbage WHERE sample_file_dir_id = ? AND composite_id = ?", dirID, int64(id))
		if err != nil {
			_ = tx.Rollback()
			return NewError(KindUnavailable, "clearing garbage row", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			_ = tx.Rollback()
			panic(fmt.Sprintf("recording: garbage row missing for dir %d recording %s at unlink time", dirID, id))
		}
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindUnavailable, "committing garbage clear", err)
	}
	return nil
}

// ListGarbage returns every garbage row for a directory, used at
// startup to resume interrupted deletions.
func (s *Store) ListGarbage(ctx context.Context, dirID int32) ([]CompositeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, "SELECT composite_id FROM garbage WHERE sample_file_dir_id = ?", dirID)
	if err != nil {
		return nil, NewError(KindUnavailable, "listing garbage", err)
	}
	defer rows.Close()
	var ids []CompositeID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, NewError(KindInternal, "scanning garbage row", err)
		}
		ids = append(ids, CompositeID(id))
	}
	return ids, rows.Err()
}

// GetOrCreateDatabaseUUID returns this database's identity uuid, minting
// and persisting one on first call.
func (s *Store) GetOrCreateDatabaseUUID(ctx context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT uuid FROM meta WHERE id = 1").Scan(&raw)
	if err == nil {
		var id uuid.UUID
		copy(id[:], raw)
		return id, nil
	}
	if err != sql.ErrNoRows {
		return uuid.UUID{}, NewError(KindUnavailable, "reading database uuid", err)
	}

	id := uuid.New()
	if _, err := s.db.ExecContext(ctx, "INSERT INTO meta (id, uuid) VALUES (1, ?)", id[:]); err != nil {
		return uuid.UUID{}, NewError(KindUnavailable, "persisting database uuid", err)
	}
	return id, nil
}

// EnsureSampleFileDir returns the id of the sample_file_dir row for path,
// creating it (with a fresh uuid) if it does not already exist.
func (s *Store) EnsureSampleFileDir(ctx context.Context, path string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int32
	err := s.db.QueryRowContext(ctx, "SELECT id FROM sample_file_dir WHERE path = ?", path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, NewError(KindUnavailable, "looking up sample file dir", err)
	}

	dirUUID := uuid.New()
	res, err := s.db.ExecContext(ctx, "INSERT INTO sample_file_dir (uuid, path) VALUES (?, ?)", dirUUID[:], path)
	if err != nil {
		return 0, NewError(KindUnavailable, "creating sample file dir", err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return 0, NewError(KindInternal, "reading sample file dir id", err)
	}
	return int32(n), nil
}

// SampleFileDirUUID returns the uuid a sample_file_dir row was minted
// with, needed to initialize its on-disk descriptor the first time the
// directory is used.
func (s *Store) SampleFileDirUUID(ctx context.Context, id int32) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw []byte
	if err := s.db.QueryRowContext(ctx, "SELECT uuid FROM sample_file_dir WHERE id = ?", id).Scan(&raw); err != nil {
		return uuid.UUID{}, NewError(KindUnavailable, "reading sample file dir uuid", err)
	}
	var u uuid.UUID
	copy(u[:], raw)
	return u, nil
}

// EnsureCamera returns the id of the camera row identified by shortName,
// creating it if necessary and refreshing its config blob.
func (s *Store) EnsureCamera(ctx context.Context, shortName string, config []byte) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int32
	err := s.db.QueryRowContext(ctx, "SELECT id FROM camera WHERE short_name = ?", shortName).Scan(&id)
	if err == nil {
		if _, err := s.db.ExecContext(ctx, "UPDATE camera SET config = ? WHERE id = ?", config, id); err != nil {
			return 0, NewError(KindUnavailable, "updating camera config", err)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, NewError(KindUnavailable, "looking up camera", err)
	}

	camUUID := uuid.New()
	res, err := s.db.ExecContext(ctx, "INSERT INTO camera (uuid, short_name, config) VALUES (?, ?, ?)", camUUID[:], shortName, config)
	if err != nil {
		return 0, NewError(KindUnavailable, "creating camera", err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return 0, NewError(KindInternal, "reading camera id", err)
	}
	return int32(n), nil
}

// EnsureStream returns the id of the stream row for (cameraID, typ),
// creating it if necessary and refreshing its directory and retention
// settings from the latest configuration.
func (s *Store) EnsureStream(ctx context.Context, cameraID int32, typ StreamType, dirID int32, record bool, retainBytes, flushIfSec int64) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int32
	err := s.db.QueryRowContext(ctx, "SELECT id FROM stream WHERE camera_id = ? AND type = ?", cameraID, typ).Scan(&id)
	if err == nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE stream SET sample_file_dir_id = ?, record = ?, retain_bytes = ?, flush_if_sec = ?
			WHERE id = ?`, dirID, record, retainBytes, flushIfSec, id)
		if err != nil {
			return 0, NewError(KindUnavailable, "updating stream settings", err)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, NewError(KindUnavailable, "looking up stream", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stream (camera_id, type, sample_file_dir_id, record, retain_bytes, flush_if_sec)
		VALUES (?, ?, ?, ?, ?, ?)`, cameraID, typ, dirID, record, retainBytes, flushIfSec)
	if err != nil {
		return 0, NewError(KindUnavailable, "creating stream", err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return 0, NewError(KindInternal, "reading stream id", err)
	}
	return int32(n), nil
}
