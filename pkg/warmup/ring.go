package warmup

// errorRing keeps the most recent error records in a fixed-capacity buffer.
type errorRing struct {
	buf  []ErrorRecord
	next int
	full bool
}

func newErrorRing(capacity int) *errorRing {
	if capacity < 1 {
		capacity = 1
	}
	return &errorRing{buf: make([]ErrorRecord, capacity)}
}

func (r *errorRing) push(rec ErrorRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the records oldest first.
func (r *errorRing) list() []ErrorRecord {
	if !r.full {
		out := make([]ErrorRecord, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]ErrorRecord, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
