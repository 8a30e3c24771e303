package cuda

// Buffer is an activity record buffer with a fixed byte capacity.
// It is owned either by the driver (between EnqueueBuffer and DequeueBuffer)
// or by the tracer, never both.
type Buffer struct {
	capacity int
	used     int
	records  []Record
	pos      int
}

// NewBuffer allocates a buffer holding up to capacity bytes of records.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

func (b *Buffer) Cap() int { return b.capacity }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.used }

// Records returns the number of records held.
func (b *Buffer) Records() int { return len(b.records) }

// Append stores r and reports false when it does not fit.
func (b *Buffer) Append(r Record) bool {
	sz := RecordSize(r)
	if b.used+sz > b.capacity {
		return false
	}
	b.records = append(b.records, r)
	b.used += sz
	return true
}

// Next returns the next unread record, or ErrMaxLimitReached after the last one.
func (b *Buffer) Next() (Record, Result) {
	if b.pos >= len(b.records) {
		return nil, ErrMaxLimitReached
	}
	r := b.records[b.pos]
	b.pos++
	return r, Success
}

// Reset empties the buffer so it can be handed back to the driver.
func (b *Buffer) Reset() {
	clear(b.records)
	b.records = b.records[:0]
	b.used = 0
	b.pos = 0
}
