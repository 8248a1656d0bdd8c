// Package filebuffer implements an unbounded single-producer,
// single-consumer byte pipe that spills to a temp file once its
// in-memory queue grows past a threshold, so a fast producer never
// blocks on a slow consumer (or vice versa) without bound.
package filebuffer

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Mode is the channel's current storage mode.
type Mode int32

const (
	ModeInMemory Mode = iota
	ModeInFile
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeInMemory:
		return "IN_MEMORY"
	case ModeInFile:
		return "IN_FILE"
	case ModeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	// SpillThreshold is the in-memory byte count past which the
	// channel starts spilling to a temp file.
	SpillThreshold = 128 * 1024
	// MaxBuffered is the hard cap on bytes outstanding in the channel;
	// Feed past this is a caller bug, not a recoverable condition.
	MaxBuffered = 32*1024*1024 - 1
)

// Sink is the downstream consumer a Channel drains into. Consume may
// return accepted=false to signal backpressure ("not accepting now");
// the Channel then waits for a call to NotifyIdle before retrying.
type Sink interface {
	Consume(buf []byte) (accepted bool, err error)
}

// Channel is the FileBufferedChannel of spec.md §4.5.
type Channel struct {
	mu sync.Mutex

	mode Mode

	queue         [][]byte
	bytesBuffered int64

	file       *os.File
	readOffset int64
	written    int64 // bytes sitting in the file, not yet read; may go negative

	writerTerminated bool
	readerTerminated bool

	waitingForSink bool

	sink Sink

	fedTotal       int64
	deliveredTotal int64

	err error
}

// New constructs an empty, IN_MEMORY Channel feeding into sink.
func New(sink Sink) *Channel {
	return &Channel{
		mode: ModeInMemory,
		sink: sink,
	}
}

// Mode reports the channel's current storage mode.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Feed pushes buf (the producer side, spec.md §4.5 "feed"). A
// zero-length buf signals EOF. Feeding past MaxBuffered is an
// invariant violation — callers must never do this; Feed panics on
// it the same way an out-of-bounds slice access would, since there is
// no well-defined recovery.
func (c *Channel) Feed(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeError {
		return c.err
	}

	if c.bytesBuffered+int64(len(buf)) > MaxBuffered {
		panic(fmt.Sprintf("filebuffer: feed of %d bytes exceeds %d byte hard cap (have %d buffered)", len(buf), MaxBuffered, c.bytesBuffered))
	}

	c.queue = append(c.queue, buf)
	c.bytesBuffered += int64(len(buf))
	c.fedTotal += int64(len(buf))

	if c.mode == ModeInMemory && c.bytesBuffered >= SpillThreshold {
		if err := c.beginSpill(); err != nil {
			c.enterError(err)
			return err
		}
	}

	if c.mode == ModeInFile {
		if err := c.drainQueueToFileLocked(); err != nil {
			c.enterError(err)
			return err
		}
	}

	c.pumpLocked()
	return nil
}

// beginSpill creates the anonymous spill file. Caller holds c.mu.
func (c *Channel) beginSpill() error {
	f, err := os.CreateTemp("", "apppool-filebuf-*")
	if err != nil {
		return fmt.Errorf("filebuffer: create spill file: %w", err)
	}
	// Unlinking immediately means the file vanishes once every fd
	// referencing it (just ours) closes; no cleanup path needed.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return fmt.Errorf("filebuffer: unlink spill file: %w", err)
	}
	c.file = f
	c.mode = ModeInFile
	return nil
}

// drainQueueToFileLocked is the writer side of spec.md §4.5: it
// appends every buffer at the head of the queue to the file, except
// the one buffer the reader may currently be serving directly out of
// memory (tracked via bytesBuffered bookkeeping — the reader consumes
// from queue[0] first, so the writer only ever sees what the reader
// hasn't taken yet). Caller holds c.mu.
func (c *Channel) drainQueueToFileLocked() error {
	for len(c.queue) > 0 {
		buf := c.queue[0]
		if len(buf) == 0 {
			// EOF marker: leave it for the reader to observe and pop.
			break
		}
		n, err := c.file.WriteAt(buf, c.readOffset+c.written)
		if err != nil {
			return fmt.Errorf("filebuffer: write spill file: %w", err)
		}
		if n != len(buf) {
			return fmt.Errorf("filebuffer: short write to spill file (%d of %d)", n, len(buf))
		}
		c.written += int64(len(buf))
		c.queue = c.queue[1:]
		c.bytesBuffered -= int64(len(buf))
	}
	if len(c.queue) == 0 {
		c.writerTerminated = true
	}
	return nil
}

// pumpLocked tries to push data at the sink without blocking. It is
// called after every state change that might make progress possible:
// a Feed, a sink idle notification, or entering IN_FILE mode.
func (c *Channel) pumpLocked() {
	if c.waitingForSink || c.readerTerminated || c.mode == ModeError {
		return
	}

	for {
		fromFile := c.mode == ModeInFile && c.written > 0
		chunk, eof, ok := c.nextReadChunkLocked()
		if !ok {
			return
		}
		if eof {
			c.readerTerminated = true
			c.mu.Unlock()
			_, _ = c.sink.Consume(nil)
			c.mu.Lock()
			c.maybeReturnToMemoryLocked()
			return
		}

		c.mu.Unlock()
		accepted, err := c.sink.Consume(chunk)
		c.mu.Lock()

		if err != nil {
			c.enterError(err)
			return
		}
		if !accepted {
			// Put the refused chunk back where it came from so the retry
			// after NotifyIdle delivers it first.
			if fromFile {
				c.readOffset -= int64(len(chunk))
				c.written += int64(len(chunk))
			} else {
				c.queue = append([][]byte{chunk}, c.queue...)
				c.bytesBuffered += int64(len(chunk))
				if c.mode == ModeInFile {
					c.written += int64(len(chunk))
				}
			}
			c.waitingForSink = true
			return
		}
		c.deliveredTotal += int64(len(chunk))
		c.maybeReturnToMemoryLocked()
	}
}

// nextReadChunkLocked implements spec.md §4.5's read-side rules: prefer
// file content if any is buffered there, otherwise feed straight from
// the in-memory queue head. ok=false means no data is available yet
// (producer hasn't fed anything new).
func (c *Channel) nextReadChunkLocked() (chunk []byte, eof bool, ok bool) {
	if c.mode == ModeInFile && c.written > 0 {
		blockSize := int64(64 * 1024)
		if c.written < blockSize {
			blockSize = c.written
		}
		buf := make([]byte, blockSize)
		n, err := c.file.ReadAt(buf, c.readOffset)
		if err != nil && err != io.EOF {
			c.enterError(fmt.Errorf("filebuffer: read spill file: %w", err))
			return nil, false, false
		}
		buf = buf[:n]
		c.readOffset += int64(n)
		c.written -= int64(n)
		return buf, false, true
	}

	if len(c.queue) == 0 {
		return nil, false, false
	}
	head := c.queue[0]
	if len(head) == 0 {
		c.queue = c.queue[1:]
		return nil, true, true
	}
	if c.mode == ModeInFile {
		// Writer hasn't flushed this buffer to the file yet; the reader
		// takes it directly and the writer's running offset must skip
		// over it once it catches up, hence written goes negative.
		c.queue = c.queue[1:]
		c.bytesBuffered -= int64(len(head))
		c.written -= int64(len(head))
		return head, false, true
	}
	c.queue = c.queue[1:]
	c.bytesBuffered -= int64(len(head))
	return head, false, true
}

// maybeReturnToMemoryLocked switches back to IN_MEMORY once both sides
// are idle and the file holds nothing, per spec.md §4.5.
func (c *Channel) maybeReturnToMemoryLocked() {
	if c.mode != ModeInFile || c.file == nil {
		return
	}
	if c.written != 0 || len(c.queue) != 0 {
		return
	}
	if !c.writerTerminated && !c.readerTerminated {
		return
	}
	_ = c.file.Close()
	c.file = nil
	c.readOffset = 0
	c.written = 0
	c.writerTerminated = false
	c.mode = ModeInMemory
}

// NotifyIdle signals that the sink has drained its last Consume and is
// ready for more (spec.md §4.5's backpressure resume signal).
func (c *Channel) NotifyIdle() {
	c.mu.Lock()
	c.waitingForSink = false
	c.mu.Unlock()

	c.mu.Lock()
	c.pumpLocked()
	c.mu.Unlock()
}

func (c *Channel) enterError(err error) {
	c.mode = ModeError
	c.err = err
}

// Err returns the error that moved the channel to ERROR mode, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// BytesBuffered reports bytes held in the in-memory queue right now
// (excludes anything already flushed to the spill file).
func (c *Channel) BytesBuffered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesBuffered
}

// Totals reports the accounting invariant of spec.md §8: fed ==
// delivered + bytes-outstanding (in memory and in file).
func (c *Channel) Totals() (fed, delivered int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fedTotal, c.deliveredTotal
}

// Close releases the spill file, if any. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
