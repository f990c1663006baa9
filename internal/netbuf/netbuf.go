// Package netbuf implements the scatter/gather byte container used by
// every layer of the stack to avoid premature copies: NetBuffer.
//
// A Buffer is an ordered list of chunks, each a slice into its own
// backing array. The first chunk of a freshly allocated Buffer
// reserves headroom so that upper layers can Prepend a header without
// reallocating or shifting already-written bytes. Offsets into a
// Buffer are stable across read-only traversal (At, Length); only the
// explicit mutators (Append, Prepend, Concat) change them.
//
// There is no third-party scatter/gather buffer in the examples this
// repository was grounded on; the chunk-with-backing-array layout
// below follows the same hand-rolled-binary-structure style the
// teacher uses for its own wire types (see internal/wire), just
// applied to a buffer instead of a fixed struct.
package netbuf

import "fmt"

// defaultChunkCap bounds how much spare capacity a freshly grown chunk
// gets, so a run of small Appends doesn't reallocate on every call.
const defaultChunkCap = 2048

// chunk is a view into a backing array. start:end is the live data;
// [0:start) is headroom, [end:cap) is tailroom.
type chunk struct {
	backing []byte
	start   int
	end     int
}

func (c *chunk) data() []byte     { return c.backing[c.start:c.end] }
func (c *chunk) headroom() int    { return c.start }
func (c *chunk) tailroom() int    { return cap(c.backing) - c.end }
func (c *chunk) len() int         { return c.end - c.start }

// Buffer is the scatter/gather byte container (§4.A NetBuffer).
type Buffer struct {
	chunks []*chunk
}

// Alloc allocates an empty Buffer with headroom bytes of reserved
// space before the first appended byte, so that Prepend can write a
// header in place without a copy.
func Alloc(headroom int) *Buffer {
	if headroom < 0 {
		headroom = 0
	}
	backing := make([]byte, headroom, headroom+defaultChunkCap)
	return &Buffer{chunks: []*chunk{{backing: backing, start: headroom, end: headroom}}}
}

// FromBytes wraps an existing slice as a single-chunk, zero-headroom
// Buffer. Used at ingress, where the driver hands over a fully formed
// frame and no further prepending is expected.
func FromBytes(b []byte) *Buffer {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Buffer{chunks: []*chunk{{backing: cp, start: 0, end: len(cp)}}}
}

// Length returns the total number of live bytes across all chunks.
func Length(b *Buffer) int {
	n := 0
	for _, c := range b.chunks {
		n += c.len()
	}
	return n
}

// Append copies data onto the end of the buffer, growing the last
// chunk in place when its backing array has spare tailroom and
// allocating a new chunk otherwise.
func Append(b *Buffer, data []byte) {
	if len(data) == 0 {
		return
	}
	last := b.chunks[len(b.chunks)-1]
	if last.tailroom() >= len(data) {
		last.backing = last.backing[:last.end+len(data)]
		copy(last.backing[last.end:], data)
		last.end += len(data)
		return
	}
	// Fill whatever tailroom the last chunk has, then start a new one.
	if tr := last.tailroom(); tr > 0 {
		last.backing = last.backing[:last.end+tr]
		copy(last.backing[last.end:], data[:tr])
		last.end += tr
		data = data[tr:]
	}
	if len(data) == 0 {
		return
	}
	capSize := len(data)
	if capSize < defaultChunkCap {
		capSize = defaultChunkCap
	}
	nb := make([]byte, len(data), capSize)
	copy(nb, data)
	b.chunks = append(b.chunks, &chunk{backing: nb, start: 0, end: len(data)})
}

// Prepend writes data into the buffer's reserved headroom, ahead of
// whatever is already there. It returns an error if the first chunk
// does not have enough headroom left — the caller must have Alloc'd
// with enough headroom for every header it intends to prepend.
func Prepend(b *Buffer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	first := b.chunks[0]
	if first.headroom() < len(data) {
		return fmt.Errorf("netbuf: insufficient headroom: have %d, need %d", first.headroom(), len(data))
	}
	first.start -= len(data)
	copy(first.backing[first.start:first.end], data)
	return nil
}

// Concat copies n bytes starting at absolute offset srcOff of src
// into a new chunk appended to dst. It never aliases src's backing
// array — the bytes are always copied.
func Concat(dst, src *Buffer, srcOff, n int) error {
	if n == 0 {
		return nil
	}
	view, ok := At(src, srcOff, n)
	if ok {
		cp := make([]byte, n)
		copy(cp, view)
		dst.chunks = append(dst.chunks, &chunk{backing: cp, start: 0, end: n})
		return nil
	}
	out, ok := ReadRange(src, srcOff, n)
	if !ok {
		return fmt.Errorf("netbuf: concat range [%d:%d) out of bounds (len=%d)", srcOff, srcOff+n, Length(src))
	}
	dst.chunks = append(dst.chunks, &chunk{backing: out, start: 0, end: n})
	return nil
}

// At returns a contiguous view of exactly minContig bytes starting at
// absolute offset off, when the chunk layout permits it without a
// copy. If the requested range straddles a chunk boundary, ok is
// false and the caller must fall back to ReadRange (which copies).
func At(b *Buffer, off, minContig int) (view []byte, ok bool) {
	pos := 0
	for _, c := range b.chunks {
		clen := c.len()
		if off < pos+clen {
			local := off - pos
			if local+minContig <= clen {
				return c.data()[local : local+minContig], true
			}
			return nil, false
		}
		pos += clen
	}
	return nil, false
}

// ReadRange copies n bytes starting at absolute offset off into a
// freshly allocated slice, walking as many chunks as necessary.
func ReadRange(b *Buffer, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > Length(b) {
		return nil, false
	}
	out := make([]byte, n)
	pos := 0
	copied := 0
	for _, c := range b.chunks {
		clen := c.len()
		chunkStart := pos
		chunkEnd := pos + clen
		pos = chunkEnd
		if copied == n {
			break
		}
		// Overlap of [off, off+n) with [chunkStart, chunkEnd).
		lo := off + copied
		if lo >= chunkEnd {
			continue
		}
		if lo < chunkStart {
			lo = chunkStart
		}
		hi := off + n
		if hi > chunkEnd {
			hi = chunkEnd
		}
		if hi <= lo {
			continue
		}
		data := c.data()[lo-chunkStart : hi-chunkStart]
		copy(out[copied:], data)
		copied += len(data)
	}
	if copied != n {
		return nil, false
	}
	return out, true
}

// Free releases the buffer's backing storage. Go's garbage collector
// reclaims unreferenced backing arrays on its own; Free exists so
// callers that model a bounded packet pool (§5, "memory for packets
// comes from a bounded pool") have an explicit release point to hook
// accounting into.
func Free(b *Buffer) {
	b.chunks = nil
}

// Bytes copies the full contents of the buffer into one contiguous
// slice. Used at egress, handing a frame to a driver that expects a
// single []byte.
func Bytes(b *Buffer) []byte {
	out, _ := ReadRange(b, 0, Length(b))
	if out == nil {
		return []byte{}
	}
	return out
}
