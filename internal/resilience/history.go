package resilience

import (
	"sync"

	"payment-reconciler/internal/models"
)

// DefaultHistorySize is the number of service calls kept for observability
const DefaultHistorySize = 5000

// History is a fixed-capacity ring of recent service calls; the oldest entry is evicted first.
type History struct {
	mu    sync.Mutex
	buf   []models.ServiceCall
	next  int
	full  bool
	total int64
}

// NewHistory creates a ring holding at most capacity calls
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]models.ServiceCall, capacity)}
}

// Append records a call
func (h *History) Append(call models.ServiceCall) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = call
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.total++
}

// Len returns the number of calls currently held
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Total returns the number of calls ever appended
func (h *History) Total() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Recent returns up to limit calls, oldest first. limit <= 0 returns everything held.
func (h *History) Recent(limit int) []models.ServiceCall {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []models.ServiceCall
	if h.full {
		ordered = make([]models.ServiceCall, 0, len(h.buf))
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	} else {
		ordered = append([]models.ServiceCall(nil), h.buf[:h.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
