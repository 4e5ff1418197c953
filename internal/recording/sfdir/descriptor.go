// Package sfdir implements the sample file directory: the on-disk
// descriptor, advisory locking, and create/open/unlink/fsync operations
// over sample files named by their 16-hex-digit composite id, plus the
// per-directory I/O pool that serves chunked, mmap-backed reads.
package sfdir

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DescriptorSize is the fixed on-disk size of the "meta" file.
const DescriptorSize = 512

// OpenMarker identifies one process open: an auto-assigned small integer
// id plus a fresh uuid minted at that startup.
type OpenMarker struct {
	ID   uint32
	UUID uuid.UUID
}

// Descriptor is the fixed-size, length-delimited record stored in a
// sample file directory's "meta" file: the consistency anchor between
// the directory and the database.
type Descriptor struct {
	DBUUID          uuid.UUID
	DirUUID         uuid.UUID
	LastCompleteOpen *OpenMarker
	InProgressOpen   *OpenMarker
}

// marshal serializes the descriptor into exactly DescriptorSize bytes,
// zero-padded, preceded by a varint length of the meaningful prefix.
func (d *Descriptor) marshal() []byte {
	buf := make([]byte, 0, DescriptorSize)
	buf = append(buf, d.DBUUID[:]...)
	buf = append(buf, d.DirUUID[:]...)
	buf = appendOptionalOpen(buf, d.LastCompleteOpen)
	buf = appendOptionalOpen(buf, d.InProgressOpen)

	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(buf)))

	out := make([]byte, DescriptorSize)
	copy(out, lenBuf[:n])
	copy(out[n:], buf)
	return out
}

func appendOptionalOpen(buf []byte, o *OpenMarker) []byte {
	if o == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], o.ID)
	buf = append(buf, idBuf[:]...)
	return append(buf, o.UUID[:]...)
}

// unmarshalDescriptor parses exactly DescriptorSize bytes written by
// marshal.
func unmarshalDescriptor(raw []byte) (*Descriptor, error) {
	if len(raw) != DescriptorSize {
		return nil, fmt.Errorf("sfdir: descriptor must be %d bytes, got %d", DescriptorSize, len(raw))
	}
	n, lenN := binary.Uvarint(raw)
	if lenN <= 0 {
		return nil, fmt.Errorf("sfdir: malformed descriptor length prefix")
	}
	body := raw[lenN:]
	if uint64(len(body)) < n {
		return nil, fmt.Errorf("sfdir: descriptor body shorter than declared length")
	}
	body = body[:n]

	d := &Descriptor{}
	if len(body) < 32 {
		return nil, fmt.Errorf("sfdir: descriptor too short for uuids")
	}
	copy(d.DBUUID[:], body[0:16])
	copy(d.DirUUID[:], body[16:32])
	rest := body[32:]

	var err error
	d.LastCompleteOpen, rest, err = readOptionalOpen(rest)
	if err != nil {
		return nil, err
	}
	d.InProgressOpen, _, err = readOptionalOpen(rest)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func readOptionalOpen(buf []byte) (*OpenMarker, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("sfdir: truncated descriptor")
	}
	present := buf[0]
	buf = buf[1:]
	if present == 0 {
		return nil, buf, nil
	}
	if len(buf) < 20 {
		return nil, nil, fmt.Errorf("sfdir: truncated open marker")
	}
	o := &OpenMarker{ID: binary.BigEndian.Uint32(buf[0:4])}
	copy(o.UUID[:], buf[4:20])
	return o, buf[20:], nil
}
