// Package chunks implements sparse gap tracking for file reception.
//
// A List records the contiguous byte ranges of a file that have been
// received so far, so that the CFDP engine does not have to worry about
// reordering, duplication, or overlap in the incoming file-data stream.
// When a NAK PDU needs to be built, the unreceived gaps are enumerated
// from the recorded ranges.
//
// Storage is a fixed-capacity slice allocated once at construction; Add
// never allocates, which matters because the engine embeds one List per
// pooled transaction.
package chunks

// Chunk is one contiguous received byte range [Offset, Offset+Size).
type Chunk struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() uint64 {
	return c.Offset + c.Size
}

// GapFn receives one gap per call during ComputeGaps, in ascending offset
// order.
type GapFn func(gap Chunk)

// List tracks received byte ranges as a sorted set of disjoint chunks.
//
// The set is bounded: when an insert would exceed the capacity, the
// smallest tracked range is evicted, and only if the incoming range is
// larger than it (otherwise the incoming range is dropped). Losing a
// range is safe: the engine will simply re-request bytes it already has.
type List struct {
	chunks []Chunk
	count  int
}

// NewList creates a list able to track up to maxChunks disjoint ranges.
func NewList(maxChunks int) *List {
	if maxChunks <= 0 {
		panic("chunks: maxChunks must be positive")
	}
	return &List{chunks: make([]Chunk, maxChunks)}
}

// Reset forgets all tracked ranges.
func (l *List) Reset() {
	l.count = 0
}

// Count returns the number of tracked disjoint ranges.
func (l *List) Count() int {
	return l.count
}

// Capacity returns the maximum number of disjoint ranges.
func (l *List) Capacity() int {
	return len(l.chunks)
}

// At returns the i-th chunk in offset order.
func (l *List) At(i int) Chunk {
	return l.chunks[i]
}

// TotalBytes returns the sum of all tracked range sizes.
func (l *List) TotalBytes() uint64 {
	var n uint64
	for i := 0; i < l.count; i++ {
		n += l.chunks[i].Size
	}
	return n
}

// IsCovered reports whether the single range [0, total) is fully tracked.
func (l *List) IsCovered(total uint64) bool {
	return l.count == 1 && l.chunks[0].Offset == 0 && l.chunks[0].Size >= total
}

// Add merges the range [offset, offset+size) into the set.
func (l *List) Add(offset, size uint64) {
	if size == 0 {
		return
	}
	c := Chunk{Offset: offset, Size: size}
	l.insert(l.findInsertPosition(c), c)
}

// findInsertPosition locates the first tracked chunk whose offset is not
// less than the new chunk's offset (binary search).
func (l *List) findInsertPosition(c Chunk) int {
	first := 0
	count := l.count
	for count > 0 {
		step := count / 2
		i := first + step
		if l.chunks[i].Offset < c.Offset {
			first = i + 1
			count -= step + 1
		} else {
			count = step
		}
	}
	return first
}

// combinePrevious merges c into the chunk before position i when they
// touch or overlap. Reports whether a merge happened.
func (l *List) combinePrevious(i int, c Chunk) bool {
	if i == 0 {
		return false
	}
	prev := &l.chunks[i-1]
	prevEnd := prev.End()
	if c.Offset > prevEnd {
		return false
	}
	if end := c.End(); end > prevEnd {
		prev.Size = end - prev.Offset
	}
	return true
}

// combineNext merges c with the run of chunks at and after position i that
// it touches or overlaps, collapsing them into a single entry at i.
// Reports whether a merge happened.
func (l *List) combineNext(i int, c Chunk) bool {
	end := c.End()
	combined := i
	for combined < l.count && end >= l.chunks[combined].Offset {
		combined++
	}
	if combined == i {
		return false
	}
	if last := l.chunks[combined-1].End(); last > end {
		end = last
	}
	l.chunks[i] = Chunk{Offset: c.Offset, Size: end - c.Offset}
	l.eraseRange(i+1, combined)
	return true
}

func (l *List) eraseChunk(i int) {
	copy(l.chunks[i:], l.chunks[i+1:l.count])
	l.count--
}

func (l *List) eraseRange(start, end int) {
	if start < end {
		copy(l.chunks[start:], l.chunks[end:l.count])
		l.count -= end - start
	}
}

func (l *List) insertAt(i int, c Chunk) {
	copy(l.chunks[i+1:l.count+1], l.chunks[i:l.count])
	l.chunks[i] = c
	l.count++
}

// findSmallest returns the index of the smallest tracked range. Ties
// resolve to the earliest offset, which is the first one encountered.
func (l *List) findSmallest() int {
	smallest := 0
	for i := 1; i < l.count; i++ {
		if l.chunks[i].Size < l.chunks[smallest].Size {
			smallest = i
		}
	}
	return smallest
}

func (l *List) insert(i int, c Chunk) {
	if l.combineNext(i, c) {
		if l.combinePrevious(i, l.chunks[i]) {
			l.eraseChunk(i)
		}
		return
	}
	if l.combinePrevious(i, c) {
		return
	}
	if l.count < len(l.chunks) {
		l.insertAt(i, c)
		return
	}
	// Full: evict the smallest tracked range, but only in favor of a
	// larger one. Dropped coverage is re-requested by a later NAK.
	smallest := l.findSmallest()
	if l.chunks[smallest].Size < c.Size {
		l.eraseChunk(smallest)
		l.insertAt(l.findInsertPosition(c), c)
	}
}

// ComputeGaps enumerates the unreceived gaps within [start, total) in
// ascending order, invoking fn for each, and stops after maxGaps gaps or
// when the range is exhausted. It returns the number of gaps reported.
//
// total must be positive and start must be below total.
func (l *List) ComputeGaps(maxGaps int, total, start uint64, fn GapFn) int {
	if total == 0 || start >= total || maxGaps <= 0 {
		return 0
	}

	// No received data at all: the whole requested range is one gap.
	if l.count == 0 {
		fn(Chunk{Offset: start, Size: total - start})
		return 1
	}

	ret := 0
	if start < l.chunks[0].Offset {
		fn(Chunk{Offset: start, Size: l.chunks[0].Offset - start})
		ret++
	}

	for i := 0; ret < maxGaps && i < l.count; i++ {
		nextOff := total
		if i < l.count-1 {
			nextOff = l.chunks[i+1].Offset
		}
		gapStart := l.chunks[i].End()
		if gapStart >= total {
			break
		}
		if start >= nextOff {
			continue
		}
		off := gapStart
		if start > off {
			off = start
		}
		if nextOff > off {
			fn(Chunk{Offset: off, Size: nextOff - off})
			ret++
		}
	}
	return ret
}
