// Package ringbuf implements the scrollback store used by a PTY session:
// a byte-capped append-only buffer plus a bounded index of line-start
// offsets for future range queries.
package ringbuf

import "bytes"

// MaxLineOffsets bounds the line-offset index independently of the byte
// capacity. Oldest offsets are dropped first.
const MaxLineOffsets = 10000

// Buffer is a byte-capped scrollback store. It is NOT safe for concurrent
// use; callers (the PTY session, under its dataMu) synchronize externally.
type Buffer struct {
	capacity     int
	contents     []byte
	lineOffsets  []int64 // absolute offsets (counted like totalWritten, not from the window start) of '\n'-following bytes
	totalWritten int64
}

// New creates a Buffer with the given byte capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10 * 1024 * 1024
	}
	return &Buffer{capacity: capacity}
}

// Push appends bytes, evicting the oldest bytes to stay within capacity.
// A single push larger than the capacity is clipped to its final C bytes.
func (b *Buffer) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) > b.capacity {
		b.totalWritten += int64(len(p) - b.capacity)
		p = p[len(p)-b.capacity:]
		// The whole existing window is being evicted by this oversized push.
		b.contents = b.contents[:0]
		b.lineOffsets = b.lineOffsets[:0]
	}

	base := b.totalWritten
	for i, c := range p {
		if c == '\n' {
			b.appendLineOffset(base + int64(i) + 1)
		}
	}

	b.contents = append(b.contents, p...)
	b.totalWritten += int64(len(p))

	if over := len(b.contents) - b.capacity; over > 0 {
		b.contents = b.contents[over:]
		b.trimLineOffsets(over)
	}
}

// appendLineOffset records a line-start offset, dropping the oldest entry
// if the index is already at MaxLineOffsets.
func (b *Buffer) appendLineOffset(off int64) {
	if len(b.lineOffsets) >= MaxLineOffsets {
		b.lineOffsets = b.lineOffsets[1:]
	}
	b.lineOffsets = append(b.lineOffsets, off)
}

// trimLineOffsets drops line offsets that now point before the retained
// window, keeping the invariant that every retained offset lies in
// [totalWritten-len(contents), totalWritten]; an offset equal to
// totalWritten marks a line that has not received any bytes yet.
func (b *Buffer) trimLineOffsets(evicted int) {
	floor := b.totalWritten - int64(len(b.contents))
	i := 0
	for i < len(b.lineOffsets) && b.lineOffsets[i] < floor {
		i++
	}
	if i > 0 {
		b.lineOffsets = b.lineOffsets[i:]
	}
	_ = evicted
}

// Snapshot returns a copy of the current contents.
func (b *Buffer) Snapshot() []byte {
	out := make([]byte, len(b.contents))
	copy(out, b.contents)
	return out
}

// SnapshotTail returns a copy of at most the last n bytes of contents.
func (b *Buffer) SnapshotTail(n int) []byte {
	if n <= 0 || n >= len(b.contents) {
		return b.Snapshot()
	}
	start := len(b.contents) - n
	out := make([]byte, n)
	copy(out, b.contents[start:])
	return out
}

// Restore replaces the buffer's contents wholesale (used on rehydration,
// reloading up to capacity bytes from a session's log file).
func (b *Buffer) Restore(p []byte) {
	if len(p) > b.capacity {
		p = p[len(p)-b.capacity:]
	}
	b.contents = append(b.contents[:0], p...)
	b.lineOffsets = b.lineOffsets[:0]
	b.totalWritten = int64(len(p))
	for i, c := range p {
		if c == '\n' {
			b.appendLineOffset(int64(i) + 1)
		}
	}
}

// Len returns the number of bytes currently retained.
func (b *Buffer) Len() int { return len(b.contents) }

// TotalWritten returns the count of bytes pushed since creation or the last
// Restore (which sets it to the restored length), including bytes clipped
// from an oversized push.
func (b *Buffer) TotalWritten() int64 { return b.totalWritten }

// LineOffsetCount returns the number of retained line-start offsets.
func (b *Buffer) LineOffsetCount() int { return len(b.lineOffsets) }

// Contains reports whether substr occurs in the retained window. A thin
// convenience used by tests and the attach path's "did we see X" checks.
func (b *Buffer) Contains(substr []byte) bool {
	return bytes.Contains(b.contents, substr)
}
