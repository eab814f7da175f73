package pool

import "transferpool/internal/strategy"

// Worker is a pool slot wrapping one connection. busy and paused are guarded
// by the owning Pool.
type Worker struct {
	index  int
	group  Group
	conn   strategy.Strategy
	busy   bool
	paused bool
}

func (w *Worker) Index() int {
	return w.index
}

func (w *Worker) Group() Group {
	return w.group
}

func (w *Worker) Conn() strategy.Strategy {
	return w.conn
}

func (w *Worker) available(g Group) bool {
	return !w.busy && !w.paused && Matches(w.group, g)
}

// WorkerState is a point-in-time copy of a worker's scheduling state.
type WorkerState struct {
	Index     int
	Group     Group
	Busy      bool
	Paused    bool
	Connected bool
}
