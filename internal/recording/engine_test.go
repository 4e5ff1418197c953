package recording

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nvrstore/nvr/internal/database"
	"github.com/nvrstore/nvr/internal/recording/index"
	"github.com/nvrstore/nvr/internal/recording/sfdir"
)

func TestEngineStartRunsStartupSequenceAndWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(&database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	if _, err := db.Exec("INSERT INTO sample_file_dir (uuid, path) VALUES (?, ?)", make([]byte, 16), "dir"); err != nil {
		t.Fatalf("seeding sample_file_dir: %v", err)
	}
	if _, err := db.Exec("INSERT INTO camera (uuid, short_name, config) VALUES (?, ?, ?)", make([]byte, 16), "cam", "{}"); err != nil {
		t.Fatalf("seeding camera: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO stream (camera_id, type, sample_file_dir_id, record, retain_bytes, flush_if_sec)
		VALUES (1, 'main', 1, 1, 100000000, 120)`); err != nil {
		t.Fatalf("seeding stream: %v", err)
	}

	store := NewStore(db)
	dbUUID := uuid.New()
	dirPath := t.TempDir()
	if err := sfdir.CreateDescriptor(dirPath, dbUUID, uuid.New()); err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}

	streams, err := store.ListStreams(context.Background())
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 seeded stream, got %d", len(streams))
	}

	engine := NewEngine(store)
	cfgs := []StreamConfig{{Stream: streams[0], Dir: DirConfig{ID: 1, Path: dirPath}}}

	ctx := context.Background()
	if err := engine.Start(ctx, dbUUID, cfgs); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()

	w := engine.Writer(streams[0].ID)
	if w == nil {
		t.Fatal("expected a writer to be started for the seeded stream")
	}

	base := index.FromTime(time.Now())
	if err := w.WriteSample(ctx, Sample{PTS: base, IsKey: true, VideoSampleEntryID: 1, Data: []byte{1, 2, 3}}, 0); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Give the syncer's goroutine a moment to drain the completed channel
	// and commit.
	deadline := time.After(2 * time.Second)
	for {
		recent := engine.State(streams[0].ID).Recent()
		committed := engine.State(streams[0].ID).CommittedFSBytes()
		if len(recent) == 0 && committed > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the syncer to commit: recent=%+v committed=%d", recent, committed)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
