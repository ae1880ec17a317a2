package relay

import (
	"log"
	"time"

	"github.com/agrisense/edgesync/internal/edgesync"
)

// batchLoop polls the buffer and flushes when the size or timeout
// condition is met. Arrival does not trigger a flush directly, so a full
// buffer can wait up to one poll interval.
func (r *Relay) batchLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.conf.Sync.BatchPoll.Std())
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			if r.batchDue() {
				r.flushBatch()
			}
		}
	}
}

func (r *Relay) batchDue() bool {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	if len(r.batch) >= r.conf.Sync.BatchSize {
		return true
	}
	return len(r.batch) > 0 && time.Since(r.lastFlush) >= r.conf.Sync.BatchTimeout.Std()
}

// flushBatch swaps the buffer out under the lock, then sends the batch
// record outside of it.
func (r *Relay) flushBatch() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}
	readings := r.batch
	r.batch = nil
	r.lastFlush = time.Now()
	r.batchMu.Unlock()

	payload := edgesync.Reading{
		"edge_id":    r.conf.Edge.ID,
		"edge_name":  r.conf.Edge.Name,
		"batch_size": len(readings),
		"batch_time": time.Now().Format(time.RFC3339),
		"readings":   readings,
	}

	if r.sendOrQueue(r.conf.Cloud.DataTopic, payload) {
		log.Printf("info: sent batch of %d readings", len(readings))
	} else {
		log.Printf("warning: batch of %d readings not sent, queued for retry", len(readings))
	}
}
