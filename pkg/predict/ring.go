package predict

// ring is a fixed capacity FIFO. Pushing onto a full ring evicts the oldest
// entry.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// update calls fn on every entry from oldest to newest.
func (r *ring[T]) update(fn func(*T)) {
	for i := 0; i < r.size; i++ {
		fn(&r.buf[(r.start+i)%len(r.buf)])
	}
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
