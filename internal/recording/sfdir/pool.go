package sfdir

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// chunkSize is the maximum size of a single streamed read chunk.
const chunkSize = 64 * 1024

// Chunk is one plain, owned byte slice handed to a reader. Because it
// owns its memory (copied out of the mmap window before being sent),
// callers on other goroutines can retain or drop it freely; the mmap
// itself is unmapped when the read stream completes or is abandoned.
type Chunk struct {
	Data []byte
	// EOF is true on the final delivery for a read (Data may be empty).
	EOF bool
	Err error
}

// readCmd asks the pool's worker goroutine to stream [Start,End) of
// compositeID's sample file back over Replies, chunked to at most
// chunkSize bytes per delivery.
type readCmd struct {
	compositeID int64
	start, end  int64
	replies     chan Chunk
}

type unlinkCmd struct {
	compositeID int64
	done        chan error
}

type fsyncCmd struct {
	done chan error
}

type iterCmd struct {
	result chan iterResult
}

type iterResult struct {
	ids    []int64
	strays []string
	err    error
}

// Pool is the single serialized command loop for one sample file
// directory: cooperative, single-threaded, strictly FIFO.
// All blocking syscalls against this directory's files happen on the
// pool's dedicated goroutine.
type Pool struct {
	dir *Dir

	reads   chan readCmd
	unlinks chan unlinkCmd
	fsyncs  chan fsyncCmd
	iters   chan iterCmd
	closeCh chan struct{}
	done    chan struct{}
}

// NewPool starts the dedicated worker goroutine for dir.
func NewPool(dir *Dir) *Pool {
	p := &Pool{
		dir:     dir,
		reads:   make(chan readCmd),
		unlinks: make(chan unlinkCmd),
		fsyncs:  make(chan fsyncCmd),
		iters:   make(chan iterCmd),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Close stops the worker goroutine. A command the worker has already
// taken is finished first; callers still waiting to hand over a command
// may instead get a "pool closed" error.
func (p *Pool) Close() {
	close(p.closeCh)
	<-p.done
}

func (p *Pool) run() {
	defer close(p.done)
	for {
		select {
		case cmd := <-p.reads:
			p.serveRead(cmd)
		case cmd := <-p.unlinks:
			err := p.dir.UnlinkFile(cmd.compositeID)
			trySend(cmd.done, err)
		case cmd := <-p.fsyncs:
			trySend(cmd.done, p.dir.Sync())
		case cmd := <-p.iters:
			ids, strays, err := p.dir.ListEntries()
			select {
			case cmd.result <- iterResult{ids: ids, strays: strays, err: err}:
			default:
			}
		case <-p.closeCh:
			return
		}
	}
}

// trySend delivers a result without blocking forever if the client's
// receiver has already been dropped (backpressure shedding, §4.C).
func trySend(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// ReadFile streams [start,end) of compositeID's sample file. The
// returned channel is closed after the final chunk (with EOF set) or an
// error. If the caller stops receiving, the command is still consumed
// from the FIFO but subsequent chunk sends are dropped rather than
// blocking the worker goroutine indefinitely.
func (p *Pool) ReadFile(compositeID, start, end int64) <-chan Chunk {
	replies := make(chan Chunk, 1)
	cmd := readCmd{compositeID: compositeID, start: start, end: end, replies: replies}
	select {
	case p.reads <- cmd:
	case <-p.closeCh:
		replies <- Chunk{Err: fmt.Errorf("sfdir: pool closed")}
		close(replies)
	}
	return replies
}

// serveRead performs the open/fstat/mmap/advise/first-chunk sequence in
// one round trip, then streams the remainder, honoring the rule that a
// requested range extending past the file's actual length aborts with
// an internal error rather than risking SIGBUS on a short mmap.
func (p *Pool) serveRead(cmd readCmd) {
	defer close(cmd.replies)

	f, err := p.dir.OpenFile(cmd.compositeID)
	if err != nil {
		p.sendChunk(cmd.replies, Chunk{Err: err})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		p.sendChunk(cmd.replies, Chunk{Err: fmt.Errorf("sfdir: fstat: %w", err)})
		return
	}
	if cmd.end > info.Size() {
		p.sendChunk(cmd.replies, Chunk{Err: fmt.Errorf(
			"sfdir: internal error: requested range [%d,%d) exceeds file length %d for %016x",
			cmd.start, cmd.end, info.Size(), uint64(cmd.compositeID))})
		return
	}
	if cmd.start >= cmd.end {
		p.sendChunk(cmd.replies, Chunk{EOF: true})
		return
	}

	pageSize := int64(os.Getpagesize())
	alignedStart := (cmd.start / pageSize) * pageSize
	mapLen := cmd.end - alignedStart
	if mapLen <= 0 {
		p.sendChunk(cmd.replies, Chunk{EOF: true})
		return
	}

	mapping, err := unix.Mmap(int(f.Fd()), alignedStart, int(mapLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		p.sendChunk(cmd.replies, Chunk{Err: fmt.Errorf("sfdir: mmap: %w", err)})
		return
	}
	defer func() { _ = unix.Munmap(mapping) }()

	if err := unix.Madvise(mapping, unix.MADV_SEQUENTIAL); err != nil {
		// Advisory only; a failure here doesn't affect correctness.
		_ = err
	}

	offsetInMap := int(cmd.start - alignedStart)
	remaining := mapping[offsetInMap:]

	for len(remaining) > 0 {
		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		owned := make([]byte, n)
		copy(owned, remaining[:n])
		if !p.sendChunk(cmd.replies, Chunk{Data: owned}) {
			return
		}
		remaining = remaining[n:]
	}
	p.sendChunk(cmd.replies, Chunk{EOF: true})
}

// sendChunk delivers a chunk, dropping it (and reporting false) if the
// client's receiver has gone away so the worker never blocks on a dead
// consumer.
func (p *Pool) sendChunk(replies chan Chunk, c Chunk) bool {
	select {
	case replies <- c:
		return c.Err == nil
	case <-p.closeCh:
		return false
	}
}

// Unlink requests removal of compositeID's sample file.
func (p *Pool) Unlink(compositeID int64) error {
	done := make(chan error, 1)
	select {
	case p.unlinks <- unlinkCmd{compositeID: compositeID, done: done}:
	case <-p.closeCh:
		return fmt.Errorf("sfdir: pool closed")
	}
	select {
	case err := <-done:
		return err
	case <-p.closeCh:
		return fmt.Errorf("sfdir: pool closed")
	}
}

// Fsync requests a directory fsync.
func (p *Pool) Fsync() error {
	done := make(chan error, 1)
	select {
	case p.fsyncs <- fsyncCmd{done: done}:
	case <-p.closeCh:
		return fmt.Errorf("sfdir: pool closed")
	}
	select {
	case err := <-done:
		return err
	case <-p.closeCh:
		return fmt.Errorf("sfdir: pool closed")
	}
}

// Iterate lists the directory's sample-file composite ids and any stray
// entries found alongside them.
func (p *Pool) Iterate() (ids []int64, strays []string, err error) {
	result := make(chan iterResult, 1)
	select {
	case p.iters <- iterCmd{result: result}:
	case <-p.closeCh:
		return nil, nil, fmt.Errorf("sfdir: pool closed")
	}
	r := <-result
	return r.ids, r.strays, r.err
}

// ReadAll drains a ReadFile stream into a single buffer; a convenience
// for callers (tests, small reads) that don't need chunked delivery.
func ReadAll(ch <-chan Chunk) ([]byte, error) {
	var buf []byte
	for c := range ch {
		if c.Err != nil {
			return nil, c.Err
		}
		buf = append(buf, c.Data...)
		if c.EOF {
			break
		}
	}
	return buf, nil
}
