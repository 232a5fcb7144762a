package events

import "sync"

// Ring хранит последние события для опроса клиентами без push канала.
// Каждому событию присваивается возрастающий номер Seq.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next uint64
	size int
}

// NewRing создаёт буфер на size событий
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 512
	}
	return &Ring{buf: make([]Event, 0, size), size: size, next: 1}
}

// Publish реализует Sink
func (r *Ring) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = r.next
	r.next++
	if len(r.buf) < r.size {
		r.buf = append(r.buf, e)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = e
}

// Since возвращает события с номером больше seq, не более limit штук.
// limit <= 0 снимает ограничение.
func (r *Ring) Since(seq uint64, limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range r.buf {
		if e.Seq <= seq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Last номер последнего опубликованного события
func (r *Ring) Last() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next - 1
}
