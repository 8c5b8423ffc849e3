package database

import (
	"log"
	"sync"
	"sync/atomic"

	"trafficmon/internal/analytics"
	"trafficmon/internal/pipeline"
)

// Recorder persists incidents published on the event bus. Writes happen on
// its own goroutine so the inference loops never wait on disk.
type Recorder struct {
	db    *Database
	queue chan analytics.Incident

	saved   atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts a recorder with room for buffer pending incidents
func NewRecorder(db *Database, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		db:    db,
		queue: make(chan analytics.Incident, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// OnResult implements pipeline.ResultHandler
func (r *Recorder) OnResult(result *pipeline.Result) {
	if result.Telemetry == nil {
		return
	}
	for _, inc := range result.Telemetry.Incidents {
		select {
		case r.queue <- inc:
		default:
			n := r.dropped.Add(1)
			log.Printf("[Recorder] Queue full, dropped incident %s (%d dropped)", inc.ID, n)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for inc := range r.queue {
		if err := r.db.SaveIncident(&inc); err != nil {
			log.Printf("[Recorder] %v", err)
			continue
		}
		r.saved.Add(1)
	}
}

// Saved returns the number of incidents written
func (r *Recorder) Saved() uint64 {
	return r.saved.Load()
}

// Dropped returns the number of incidents lost to a full queue
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes queued incidents and stops the writer. The recorder must
// be unsubscribed from the bus first.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	<-r.done
}

var _ pipeline.ResultHandler = (*Recorder)(nil)
