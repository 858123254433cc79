package app

import (
	"time"

	"leverageGuard/internal/breaker"
	"leverageGuard/internal/risk"
)

// CycleStats are the counts of one scan tick.
type CycleStats struct {
	StartedAt  time.Time
	Duration   time.Duration
	Scanned    int
	Holds      int
	Approved   int
	Rejected   int
	Executed   int
	Skipped    int // Exchange rejected the order for business reasons
	Errors     int
	Halted     bool
	HaltReason string
}

// ReconcileStats are the counts of one reconciliation pass.
type ReconcileStats struct {
	StartedAt        time.Time
	Checked          int
	Updated          int
	ClosedExternally int
	Duplicates       int
	Closed           int
	TrailingMoves    int
	PartialTakes     int
	Protected        int
	Adopted          int
	Loaded           int
	Evicted          int
	Errors           int
}

// ShutdownReport is the outcome of the shutdown sweep.
type ShutdownReport struct {
	Closed int
	Failed int
}

// Status is a point-in-time view of the controller.
type Status struct {
	Breaker       breaker.Snapshot
	OpenTrades    int
	LastCycle     CycleStats
	LastReconcile ReconcileStats
	Risk          *risk.RiskStats
}

// Status returns the halted/armed state and the latest cycle counts.
func (e *Engine) Status() Status {
	e.statsMu.Lock()
	s := Status{LastCycle: e.lastCycle, LastReconcile: e.lastReconcile}
	e.statsMu.Unlock()
	s.Breaker = e.breaker.Snapshot()
	s.OpenTrades = e.memory.Count()
	if e.risk != nil {
		rs := e.risk.GetStats()
		s.Risk = &rs
	}
	return s
}
