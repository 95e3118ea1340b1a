package orchestrator

// logRing is a fixed-capacity ring of console lines. Oldest lines are
// overwritten once the capacity is reached.
type logRing struct {
	buf   []string
	start int
	count int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &logRing{buf: make([]string, capacity)}
}

func (r *logRing) Append(line string) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

func (r *logRing) Len() int { return r.count }

// Last returns up to n of the most recent lines, oldest first.
func (r *logRing) Last(n int) []string {
	if n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
