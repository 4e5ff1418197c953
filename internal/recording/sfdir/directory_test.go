package sfdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestDir(t *testing.T) (string, uuid.UUID, uuid.UUID) {
	t.Helper()
	path := t.TempDir()
	dbUUID := uuid.New()
	dirUUID := uuid.New()
	if err := CreateDescriptor(path, dbUUID, dirUUID); err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	return path, dbUUID, dirUUID
}

func TestOpenFreshDirectory(t *testing.T) {
	path, dbUUID, _ := newTestDir(t)

	open1 := &OpenMarker{ID: 1, UUID: uuid.New()}
	d, err := Open(path, true, dbUUID, nil, open1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Descriptor().InProgressOpen == nil || d.Descriptor().InProgressOpen.ID != 1 {
		t.Fatalf("expected in-progress open to be stamped, got %+v", d.Descriptor())
	}

	if err := d.CommitOpen(); err != nil {
		t.Fatalf("CommitOpen: %v", err)
	}
	if d.Descriptor().LastCompleteOpen == nil || d.Descriptor().LastCompleteOpen.ID != 1 {
		t.Fatalf("expected last-complete open to be promoted, got %+v", d.Descriptor())
	}
}

func TestOpenRejectsWrongDatabase(t *testing.T) {
	path, _, _ := newTestDir(t)
	wrongDB := uuid.New()
	_, err := Open(path, true, wrongDB, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err == nil {
		t.Fatal("expected an error opening a directory stamped for a different database")
	}
}

func TestOpenRejectsMismatchedHandshake(t *testing.T) {
	path, dbUUID, _ := newTestDir(t)
	d, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := d.CommitOpen(); err != nil {
		t.Fatalf("CommitOpen: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wrongExpected := &OpenMarker{ID: 99, UUID: uuid.New()}
	if _, err := Open(path, true, dbUUID, wrongExpected, &OpenMarker{ID: 2, UUID: uuid.New()}); err == nil {
		t.Fatal("expected an error when the database's expected last-complete open disagrees with the descriptor")
	}
}

func TestOpenHoldsExclusiveLock(t *testing.T) {
	path, dbUUID, _ := newTestDir(t)
	d, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer d.Close()

	if _, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 2, UUID: uuid.New()}); err == nil {
		t.Fatal("expected a second read-write Open of the same directory to fail while the first holds the lock")
	}
}

func TestCreateOpenUnlinkFile(t *testing.T) {
	path, dbUUID, _ := newTestDir(t)
	d, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	const id = int64(0x0000000100000007)
	f, err := d.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	if _, err := os.Stat(filepath.Join(path, CompositeFileName(id))); err != nil {
		t.Fatalf("expected sample file to exist: %v", err)
	}

	rf, err := d.OpenFile(id)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	rf.Close()

	if err := d.UnlinkFile(id); err != nil {
		t.Fatalf("UnlinkFile: %v", err)
	}
	// Unlinking twice must tolerate ENOENT.
	if err := d.UnlinkFile(id); err != nil {
		t.Fatalf("second UnlinkFile should tolerate ENOENT: %v", err)
	}
}

func TestListEntriesSeparatesStrays(t *testing.T) {
	path, dbUUID, _ := newTestDir(t)
	d, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	f, err := d.CreateFile(0x0000000100000001)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f.Close()

	if err := os.WriteFile(filepath.Join(path, "not-a-sample-file"), []byte("x"), 0600); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	ids, strays, err := d.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(ids) != 1 || ids[0] != 0x0000000100000001 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if len(strays) != 1 || strays[0] != "not-a-sample-file" {
		t.Fatalf("unexpected strays: %v", strays)
	}
}
