package storage

// writeBuffer accumulates incoming bytes for one segment until the owner
// flushes them to the file in a single positioned write.
type writeBuffer struct {
	data     []byte
	capacity int
}

func newWriteBuffer(capacity int) *writeBuffer {
	return &writeBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

func (b *writeBuffer) append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *writeBuffer) wouldOverflow(additional int) bool {
	return len(b.data)+additional > b.capacity
}

func (b *writeBuffer) full() bool {
	return len(b.data) >= b.capacity
}

func (b *writeBuffer) empty() bool {
	return len(b.data) == 0
}

func (b *writeBuffer) len() int {
	return len(b.data)
}

func (b *writeBuffer) reset() {
	b.data = b.data[:0]
}
