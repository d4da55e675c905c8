// Package eventloop implements the single-threaded opcode dispatcher
// that serializes every mutation of on-disk structures: a priority
// queue feeding a bounded worker pool, a 1 Hz timer for flush/evict
// initiation and object-pool trimming, and per-tier quiesce/shutdown
// cancellation (spec.md §4.6).
package eventloop

// Opcode names a command placed on the loop's priority queue.
type Opcode int

const (
	OpExtentRead Opcode = iota
	OpPrepQuery
	OpFlushPages
	OpFlushedToOpen
	OpFlushInit
	OpEvictInit
	OpJournalFileIndex
	OpDatabaseRotate
	OpCtxQuiesce
	OpCtxShutdown
	OpNoop
)

func (o Opcode) String() string {
	switch o {
	case OpExtentRead:
		return "EXTENT_READ"
	case OpPrepQuery:
		return "PREP_QUERY"
	case OpFlushPages:
		return "FLUSH_PAGES"
	case OpFlushedToOpen:
		return "FLUSHED_TO_OPEN"
	case OpFlushInit:
		return "FLUSH_INIT"
	case OpEvictInit:
		return "EVICT_INIT"
	case OpJournalFileIndex:
		return "JOURNAL_FILE_INDEX"
	case OpDatabaseRotate:
		return "DATABASE_ROTATE"
	case OpCtxQuiesce:
		return "CTX_QUIESCE"
	case OpCtxShutdown:
		return "CTX_SHUTDOWN"
	case OpNoop:
		return "NOOP"
	default:
		return "UNKNOWN"
	}
}

// RunsOnWorker reports whether o is dispatched to the bounded worker
// pool (true) or run inline on the loop thread (false). FLUSH_PAGES
// runs inline because the loop thread is what serializes extent writes
// for a datafile; NOOP is a pure wakeup signal (spec.md §4.6 table).
func (o Opcode) RunsOnWorker() bool {
	return o != OpFlushPages && o != OpNoop
}
