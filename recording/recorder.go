package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/telerouter/hooking"
	"github.com/sarchlab/telerouter/idgen"
	"github.com/tebeka/atexit"
)

// Recorder is a hook that buffers records and hands full batches to a
// writer goroutine.
type Recorder struct {
	lock      sync.Mutex
	writer    Writer
	run       string
	batchSize int
	pending   []Record
	count     uint64
	closed    bool
	now       func() time.Time
	log       zerolog.Logger

	batches chan batch

	errLock sync.Mutex
	failed  error
}

type batch struct {
	rows []Record
	done chan struct{}
	last bool
}

// batchBacklog is how many full batches may wait for the writer before
// hook sites block.
const batchBacklog = 8

// NewRecorder creates a recorder writing to w. Pending records are flushed
// when the program exits through atexit.
func NewRecorder(w Writer, batchSize int, logger zerolog.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = 4096
	}

	r := &Recorder{
		writer:    w,
		run:       idgen.RunID(),
		batchSize: batchSize,
		pending:   make([]Record, 0, batchSize),
		now:       time.Now,
		log:       logger.With().Str("component", "recorder").Logger(),
		batches:   make(chan batch, batchBacklog),
	}

	go r.writeLoop()

	atexit.Register(func() { _ = r.Flush() })

	return r
}

// Run identifies the records of this recorder.
func (r *Recorder) Run() string {
	return r.run
}

// Count returns the number of records accepted so far.
func (r *Recorder) Count() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.count
}

// Func implements hooking.Hook. Records arriving after Close are dropped.
func (r *Recorder) Func(ctx hooking.HookCtx) {
	rec := MakeRecord(r.run, r.now(), ctx)

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return
	}

	r.pending = append(r.pending, rec)
	r.count++

	if len(r.pending) >= r.batchSize {
		r.batches <- batch{rows: r.pending}
		r.pending = make([]Record, 0, r.batchSize)
	}
}

// Flush waits until every record accepted so far is written. It returns the
// first write error seen since the recorder was created.
func (r *Recorder) Flush() error {
	r.handOff(false)

	return r.err()
}

// Close flushes and closes the writer. Later calls, and the flush at exit,
// do nothing.
func (r *Recorder) Close() error {
	if !r.handOff(true) {
		return nil
	}

	if err := r.err(); err != nil {
		_ = r.writer.Close()
		return err
	}

	return r.writer.Close()
}

// handOff sends the pending records to the writer goroutine and waits for
// them. It reports false if the recorder is already closed.
func (r *Recorder) handOff(last bool) bool {
	r.lock.Lock()

	if r.closed {
		r.lock.Unlock()
		return false
	}

	r.closed = last
	done := make(chan struct{})
	r.batches <- batch{rows: r.pending, done: done, last: last}
	r.pending = make([]Record, 0, r.batchSize)
	r.lock.Unlock()

	<-done

	return true
}

func (r *Recorder) writeLoop() {
	for b := range r.batches {
		r.write(b.rows)

		if b.done != nil {
			close(b.done)
		}

		if b.last {
			return
		}
	}
}

func (r *Recorder) write(rows []Record) {
	if len(rows) == 0 {
		return
	}

	if err := r.writer.Write(rows); err != nil {
		r.log.Error().Err(err).Int("records", len(rows)).Msg("record write failed")

		r.errLock.Lock()
		if r.failed == nil {
			r.failed = err
		}
		r.errLock.Unlock()
	}
}

func (r *Recorder) err() error {
	r.errLock.Lock()
	defer r.errLock.Unlock()

	return r.failed
}

// Backend names accepted by OpenWriter.
const (
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// OpenWriter opens the writer for a backend. path is only used by SQLite and
// opts only by ClickHouse.
func OpenWriter(backend, path string, opts ClickHouseOptions) (Writer, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteWriter(path)
	case BackendClickHouse:
		return NewClickHouseWriter(opts)
	default:
		return nil, fmt.Errorf("recording: unknown backend %q", backend)
	}
}
