// Package dedupe remembers the most recently seen message IDs
package dedupe

// Window is a fixed-size sliding set of IDs. Once full, recording a new ID
// forgets the oldest one. It is not safe for concurrent use.
type Window struct {
	ids   map[string]struct{}
	ring  []string
	next  int
	count int
}

// NewWindow creates a window remembering up to size IDs
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen reports whether id is in the window and records it if not.
// The empty ID is never considered seen.
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := w.ids[id]; ok {
		return true
	}

	if w.count == len(w.ring) {
		delete(w.ids, w.ring[w.next])
	} else {
		w.count++
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return false
}
