package types

// WorkerState is the lifecycle state of a pool worker.
// Transitions are one-way apart from idle <-> busy; every state can
// move to stopped on exit or kill.
type WorkerState string

const (
	// WorkerStarting means the process is spawned but not yet ready.
	WorkerStarting WorkerState = "starting"
	// WorkerIdle means the worker can accept a request.
	WorkerIdle WorkerState = "idle"
	// WorkerBusy means the worker is serving a request.
	WorkerBusy WorkerState = "busy"
	// WorkerDraining means the worker finishes its request then stops.
	WorkerDraining WorkerState = "draining"
	// WorkerStopped means the process has exited.
	WorkerStopped WorkerState = "stopped"
)

// CanTransition reports whether moving from s to next is legal.
func (s WorkerState) CanTransition(next WorkerState) bool {
	if next == WorkerStopped {
		return true
	}
	switch s {
	case WorkerStarting:
		return next == WorkerIdle
	case WorkerIdle:
		return next == WorkerBusy || next == WorkerDraining
	case WorkerBusy:
		return next == WorkerIdle || next == WorkerDraining
	case WorkerDraining, WorkerStopped:
		return false
	}
	return false
}
