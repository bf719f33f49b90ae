package tracker

import (
	"sync"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

const defaultHistorySize = 20

// pollHistory is a fixed-size ring of recent poll results, kept in memory
// only. Once full, the oldest entry is overwritten.
type pollHistory struct {
	mu   sync.Mutex
	buf  []model.PollResult
	next int
	full bool
}

func newPollHistory(size int) *pollHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &pollHistory{buf: make([]model.PollResult, size)}
}

func (h *pollHistory) add(result model.PollResult) {
	h.mu.Lock()
	h.buf[h.next] = result
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// list returns the retained results, newest first.
func (h *pollHistory) list() []model.PollResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.buf)
	}
	out := make([]model.PollResult, 0, size)
	for i := 1; i <= size; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
