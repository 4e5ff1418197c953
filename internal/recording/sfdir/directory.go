package sfdir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// compositeIDPattern matches the 16 lowercase hex digit sample file
// names this directory is allowed to contain.
var compositeIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

const (
	descriptorName    = "meta"
	descriptorTmpName = "meta-tmp"
)

// Dir is an open sample file directory: a held advisory lock, the
// verified on-disk descriptor, and the directory fd used for fsync.
type Dir struct {
	path      string
	dirFile   *os.File
	readWrite bool
	desc      *Descriptor
}

// Open opens path, takes an advisory lock (exclusive for read/write,
// shared otherwise), and reads the descriptor. dbUUID and
// expectedLastComplete describe the database's view of this directory;
// the descriptor's last_complete_open must equal expectedLastComplete,
// or (during the startup handshake) its in_progress_open may equal it
// instead. Any other relationship is refused.
//
// In read/write mode, newInProgress is atomically written into the
// descriptor as the new in-progress open before Open returns.
func Open(path string, readWrite bool, dbUUID uuid.UUID, expectedLastComplete *OpenMarker, newInProgress *OpenMarker) (*Dir, error) {
	// A directory can only be opened read-only; the advisory lock below
	// is what distinguishes read/write from read-only access.
	dirFile, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("sfdir: open %s: %w", path, err)
	}

	lockType := unix.LOCK_SH
	if readWrite {
		lockType = unix.LOCK_EX
	}
	if err := unix.Flock(int(dirFile.Fd()), lockType|unix.LOCK_NB); err != nil {
		_ = dirFile.Close()
		return nil, fmt.Errorf("sfdir: %s is locked by another process: %w", path, err)
	}

	d := &Dir{path: path, dirFile: dirFile, readWrite: readWrite}

	desc, err := d.readDescriptor()
	if err != nil {
		_ = dirFile.Close()
		return nil, err
	}
	if desc.DBUUID != dbUUID {
		_ = dirFile.Close()
		return nil, fmt.Errorf("sfdir: %s belongs to a different database (uuid mismatch)", path)
	}
	if !openMarkerMatches(desc.LastCompleteOpen, expectedLastComplete) &&
		!openMarkerMatches(desc.InProgressOpen, expectedLastComplete) {
		_ = dirFile.Close()
		return nil, fmt.Errorf("sfdir: %s descriptor's last_complete_open/in_progress_open agrees with neither the database's view", path)
	}
	d.desc = desc

	if readWrite && newInProgress != nil {
		desc.InProgressOpen = newInProgress
		if err := d.writeDescriptor(desc); err != nil {
			_ = dirFile.Close()
			return nil, err
		}
	}

	return d, nil
}

func openMarkerMatches(a, b *OpenMarker) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CommitOpen promotes the descriptor's in_progress_open to
// last_complete_open, the final step of the startup sequence.
func (d *Dir) CommitOpen() error {
	if !d.readWrite {
		return fmt.Errorf("sfdir: %s opened read-only", d.path)
	}
	if d.desc.InProgressOpen == nil {
		return fmt.Errorf("sfdir: %s has no in-progress open to commit", d.path)
	}
	d.desc.LastCompleteOpen = d.desc.InProgressOpen
	return d.writeDescriptor(d.desc)
}

// Descriptor returns the last descriptor read or written.
func (d *Dir) Descriptor() *Descriptor { return d.desc }

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }

func (d *Dir) readDescriptor() (*Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, descriptorName))
	if err != nil {
		return nil, fmt.Errorf("sfdir: reading descriptor: %w", err)
	}
	return unmarshalDescriptor(raw)
}

// writeDescriptor replaces the descriptor via a temp-write,
// fsync, rename, fsync-directory sequence.
func (d *Dir) writeDescriptor(desc *Descriptor) error {
	raw := desc.marshal()
	tmpPath := filepath.Join(d.path, descriptorTmpName)
	finalPath := filepath.Join(d.path, descriptorName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREAT|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("sfdir: creating %s: %w", tmpPath, err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("sfdir: writing %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sfdir: fsyncing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sfdir: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("sfdir: renaming %s to %s: %w", tmpPath, finalPath, err)
	}
	if err := d.Sync(); err != nil {
		return err
	}
	d.desc = desc
	return nil
}

// CompositeFileName returns the 16-hex-digit lowercase filename for a
// composite id.
func CompositeFileName(compositeID int64) string {
	return fmt.Sprintf("%016x", uint64(compositeID))
}

// CreateFile creates a new sample file for compositeID, failing if it
// already exists (O_EXCL).
func (d *Dir) CreateFile(compositeID int64) (*os.File, error) {
	p := filepath.Join(d.path, CompositeFileName(compositeID))
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREAT|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("sfdir: creating sample file %s: %w", p, err)
	}
	return f, nil
}

// OpenFile opens an existing sample file for reading.
func (d *Dir) OpenFile(compositeID int64) (*os.File, error) {
	p := filepath.Join(d.path, CompositeFileName(compositeID))
	f, err := os.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("sfdir: opening sample file %s: %w", p, err)
	}
	return f, nil
}

// UnlinkFile removes a sample file, tolerating ENOENT.
func (d *Dir) UnlinkFile(compositeID int64) error {
	p := filepath.Join(d.path, CompositeFileName(compositeID))
	if err := unix.Unlinkat(unix.AT_FDCWD, p, 0); err != nil && err != unix.ENOENT {
		return fmt.Errorf("sfdir: unlinking %s: %w", p, err)
	}
	return nil
}

// Sync fsyncs the directory itself, durably committing any rename or
// unlink performed within it.
func (d *Dir) Sync() error {
	return d.dirFile.Sync()
}

// Stat reports free space for quota/resource-exhaustion checks.
func (d *Dir) Stat() (freeBytes uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.path, &st); err != nil {
		return 0, fmt.Errorf("sfdir: statfs %s: %w", d.path, err)
	}
	return st.Bfree * uint64(st.Bsize), nil
}

// Close releases the advisory lock and closes the directory fd.
func (d *Dir) Close() error {
	_ = unix.Flock(int(d.dirFile.Fd()), unix.LOCK_UN)
	return d.dirFile.Close()
}

// ListEntries scans the directory and reports all sample-file composite
// ids present, plus any entry that is neither the descriptor nor a valid
// sample file name.
func (d *Dir) ListEntries() (ids []int64, strays []string, err error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, nil, fmt.Errorf("sfdir: reading dir %s: %w", d.path, err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == descriptorName || name == descriptorTmpName {
			continue
		}
		if !compositeIDPattern.MatchString(name) {
			strays = append(strays, name)
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(name, "%016x", &v); err != nil {
			strays = append(strays, name)
			continue
		}
		ids = append(ids, int64(v))
	}
	return ids, strays, nil
}

// HasDescriptor reports whether path already has an initialized "meta"
// file, used to decide whether CreateDescriptor must run before Open.
func HasDescriptor(path string) bool {
	_, err := os.Stat(filepath.Join(path, descriptorName))
	return err == nil
}

// CreateDescriptor initializes a brand new sample file directory: writes
// the fixed-size descriptor for the very first time. Used when a stream
// references a sample_file_dir row with no "meta" file yet.
func CreateDescriptor(path string, dbUUID, dirUUID uuid.UUID) error {
	desc := &Descriptor{DBUUID: dbUUID, DirUUID: dirUUID}
	raw := desc.marshal()
	p := filepath.Join(path, descriptorName)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREAT|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("sfdir: creating descriptor %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("sfdir: writing descriptor %s: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sfdir: fsyncing descriptor %s: %w", p, err)
	}
	dirFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dirFile.Close()
	return dirFile.Sync()
}
