// Package usage appends one record per completed proxy call. Recording is
// best-effort telemetry: it never blocks or fails the call path that emits it.
package usage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/keyrelay/keyrelay/internal/store"
)

// Entry is one usage fact: who called which endpoint, with what outcome.
type Entry struct {
	OwnerScope string
	Endpoint   string
	Status     int
	DurationMS int64
}

// Recorder accepts usage entries from the gateway.
type Recorder interface {
	Record(Entry)
}

// Writer persists entries through a buffered channel and one background
// goroutine, so the gateway's response path never waits on a database write.
// When the buffer is full, entries are dropped and counted.
type Writer struct {
	db      *store.DB
	log     *log.Logger
	entries chan Entry
	dropped atomic.Int64
	warned  atomic.Bool

	done     chan struct{}
	flushed  chan struct{}
	stopOnce sync.Once
}

const defaultBuffer = 256

// NewWriter starts a background writer over the given store.
func NewWriter(db *store.DB, logger *log.Logger) *Writer {
	w := &Writer{
		db:      db,
		log:     logger,
		entries: make(chan Entry, defaultBuffer),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues an entry without blocking. Entries offered after Close, or
// while the buffer is full, are dropped.
func (w *Writer) Record(e Entry) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
		if w.warned.CompareAndSwap(false, true) && w.log != nil {
			w.log.Warn("usage buffer full, dropping records")
		}
	}
}

// Dropped reports how many entries were discarded because the buffer was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting entries, drains the buffer, and waits for the writer
// goroutine to finish.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.flushed
}

func (w *Writer) run() {
	defer close(w.flushed)
	for {
		select {
		case e := <-w.entries:
			w.write(e)
		case <-w.done:
			for {
				select {
				case e := <-w.entries:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e Entry) {
	err := w.db.InsertUsage(store.UsageRecord{
		OwnerScope: e.OwnerScope,
		Endpoint:   e.Endpoint,
		Status:     e.Status,
		DurationMS: e.DurationMS,
		CreatedAt:  time.Now(),
	})
	if err != nil && w.log != nil {
		// Usage is not part of the success contract; log and move on.
		w.log.Error("usage write failed", "endpoint", e.Endpoint, "err", err)
	}
}
