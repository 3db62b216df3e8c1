package livesession

// chunk is one retained slice of the PTY byte stream.
type chunk struct {
	cursor int64
	data   []byte
}

// byteRing is a bounded, cursor-keyed retention buffer for PTY output. It
// is single-writer (the PTY Host's onData callback) and many-reader
// (attachments replaying catch-up).
type byteRing struct {
	maxBytes int
	chunks   []chunk
	size     int
	latest   int64
}

func newByteRing(maxBytes int) *byteRing {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &byteRing{maxBytes: maxBytes}
}

func (r *byteRing) append(cursor int64, data []byte) {
	r.chunks = append(r.chunks, chunk{cursor: cursor, data: data})
	r.size += len(data)
	r.latest = cursor + int64(len(data))
	for r.size > r.maxBytes && len(r.chunks) > 1 {
		r.size -= len(r.chunks[0].data)
		r.chunks = r.chunks[1:]
	}
}

// oldestRetained returns the cursor of the earliest byte still retained.
func (r *byteRing) oldestRetained() int64 {
	if len(r.chunks) == 0 {
		return r.latest
	}
	return r.chunks[0].cursor
}

// since returns the concatenation of all retained bytes at byte offset >= c,
// and whether the requested cursor was below the oldest retained (a gap),
// in which case the result starts at the oldest retained byte.
func (r *byteRing) since(c int64) (out []byte, gap bool) {
	oldest := r.oldestRetained()
	if c < oldest && len(r.chunks) > 0 {
		gap = true
		c = oldest
	}
	for _, ch := range r.chunks {
		chunkEnd := ch.cursor + int64(len(ch.data))
		if chunkEnd <= c {
			continue
		}
		start := int64(0)
		if c > ch.cursor {
			start = c - ch.cursor
		}
		out = append(out, ch.data[start:]...)
	}
	return out, gap
}
