package sizing

import "sync"

// History keeps the outcomes of recent closes for performance-aware sizing.
type History struct {
	mu      sync.Mutex
	window  int
	results []float64
}

// NewHistory keeps at most window outcomes.
func NewHistory(window int) *History {
	if window <= 0 {
		window = 50
	}
	return &History{window: window}
}

// Record adds a realized P&L. Zero counts as a loss. A nil History records
// nothing.
func (h *History) Record(pnl float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, pnl)
	if len(h.results) > h.window {
		h.results = h.results[len(h.results)-h.window:]
	}
}

// WinRate returns the fraction of winning trades and the sample size.
func (h *History) WinRate() (rate float64, trades int) {
	if h == nil {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return 0, 0
	}
	wins := 0
	for _, pnl := range h.results {
		if pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(h.results)), len(h.results)
}
