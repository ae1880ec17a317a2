package relay

import (
	"log"
	"time"
)

// drainLoop replays queued readings while the cloud link is connected.
func (r *Relay) drainLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.conf.Sync.DrainInterval.Std())
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			r.drainOnce()
		}
	}
}

// drainOnce sends up to DrainLimit pending entries in FIFO order,
// stopping at the first failure so the remaining entries keep their
// order for the next cycle. Only confirmed sends are deleted.
func (r *Relay) drainOnce() {
	if !r.cloud.Connected() {
		return
	}

	entries, err := r.queue.Pending(r.conf.Sync.DrainLimit)
	if err != nil {
		log.Printf("error: reading offline queue: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	log.Printf("info: draining %d queued readings", len(entries))

	var sent []int64
	for _, e := range entries {
		if err := r.cloud.Send(e.Topic, e.Payload); err != nil {
			log.Printf("warning: drain stopped at entry %d: %v", e.ID, err)
			break
		}
		sent = append(sent, e.ID)
	}
	if len(sent) == 0 {
		return
	}

	// A failed delete leaves the entries pending; the next cycle
	// re-sends them, which at-least-once delivery allows.
	if err := r.queue.Delete(sent); err != nil {
		log.Printf("error: removing %d drained entries: %v", len(sent), err)
		return
	}
	r.countSent(len(sent))
	log.Printf("info: cleared %d readings from offline queue", len(sent))
}
