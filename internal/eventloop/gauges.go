package eventloop

// Gauges is a point-in-time snapshot of scheduler load, published once
// per timer tick (spec.md §4.6 "publish gauges (opcodes waiting, works
// dispatched, works executing)").
type Gauges struct {
	OpcodesWaiting int
	WorksExecuting int64
	WorksCompleted uint64
	WorkerPoolSize int
}

// Snapshot reports the loop's current load.
func (l *Loop) Snapshot() Gauges {
	return Gauges{
		OpcodesWaiting: l.queue.len(),
		WorksExecuting: l.workers.executing.Load(),
		WorksCompleted: l.workers.completed.Load(),
		WorkerPoolSize: l.workers.size(),
	}
}
