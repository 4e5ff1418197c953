package sfdir

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func newTestPool(t *testing.T) (*Dir, *Pool) {
	t.Helper()
	path := t.TempDir()
	dbUUID := uuid.New()
	if err := CreateDescriptor(path, dbUUID, uuid.New()); err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	d, err := Open(path, true, dbUUID, nil, &OpenMarker{ID: 1, UUID: uuid.New()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	p := NewPool(d)
	t.Cleanup(p.Close)
	return d, p
}

func TestPoolReadFileWholeAndRange(t *testing.T) {
	d, p := newTestPool(t)
	const id = int64(0x0000000100000001)

	want := bytes.Repeat([]byte("abcdefgh"), 20000) // > one chunk
	f, err := d.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	got, err := ReadAll(p.ReadFile(id, 0, int64(len(want))))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadFile returned %d bytes, want %d, content mismatch=%v", len(got), len(want), !bytes.Equal(got, want))
	}

	partial, err := ReadAll(p.ReadFile(id, 10, 20))
	if err != nil {
		t.Fatalf("ranged ReadFile: %v", err)
	}
	if !bytes.Equal(partial, want[10:20]) {
		t.Fatalf("ranged read mismatch: got %q want %q", partial, want[10:20])
	}
}

func TestPoolReadFileRejectsOutOfBoundsRange(t *testing.T) {
	_, p := newTestPool(t)
	const id = int64(0x0000000100000002)
	d := p.dir
	f, err := d.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := f.Write([]byte("short")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	_, err = ReadAll(p.ReadFile(id, 0, 1000))
	if err == nil {
		t.Fatal("expected an error reading past the file's actual length")
	}
}

func TestPoolUnlinkAndFsync(t *testing.T) {
	d, p := newTestPool(t)
	const id = int64(0x0000000100000003)
	f, err := d.CreateFile(id)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f.Close()

	if err := p.Unlink(id); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := p.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	ids, _, err := p.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	for _, got := range ids {
		if got == id {
			t.Fatalf("expected %x to be gone after Unlink", id)
		}
	}
}

func TestPoolIterate(t *testing.T) {
	d, p := newTestPool(t)
	ids := []int64{0x0000000100000010, 0x0000000100000011}
	for _, id := range ids {
		f, err := d.CreateFile(id)
		if err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		f.Close()
	}

	got, _, err := p.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d entries, got %d: %v", len(ids), len(got), got)
	}
}
