package relay

import (
	"log"
	"time"
)

// Snapshot is the read-only status surface of the relay, exposed for
// monitoring. Nothing inside the relay makes decisions based on it.
type Snapshot struct {
	Running        bool   `json:"running"`
	LocalConnected bool   `json:"local_connected"`
	CloudConnected bool   `json:"cloud_connected"`
	BatchBuffered  int    `json:"batch_buffer_size"`
	QueuePending   int    `json:"offline_queue_size"`
	Received       int64  `json:"readings_received"`
	Sent           int64  `json:"readings_sent"`
	Queued         int64  `json:"readings_queued"`
	Dropped        int64  `json:"readings_dropped"`
	LastSync       string `json:"last_sync,omitempty"`
}

// Status returns a point-in-time snapshot of the relay state.
func (r *Relay) Status() Snapshot {
	s := Snapshot{Running: r.running.Load()}

	if r.local != nil {
		s.LocalConnected = r.local.Connected()
	}
	if r.cloud != nil {
		s.CloudConnected = r.cloud.Connected()
	}

	r.batchMu.Lock()
	s.BatchBuffered = len(r.batch)
	r.batchMu.Unlock()

	if count, err := r.queue.Count(); err == nil {
		s.QueuePending = count
	}

	r.statsMu.Lock()
	s.Received = r.stats.received
	s.Sent = r.stats.sent
	s.Queued = r.stats.queued
	s.Dropped = r.stats.dropped
	if !r.stats.lastSync.IsZero() {
		s.LastSync = r.stats.lastSync.Format(time.RFC3339)
	}
	r.statsMu.Unlock()

	return s
}

// statsLoop periodically logs the data flow counters so an operator can
// confirm readings are moving without a monitoring stack.
func (r *Relay) statsLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.conf.Sync.StatsInterval.Std())
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			s := r.Status()
			if s.Received == 0 && s.Sent == 0 {
				continue
			}
			log.Printf("info: data flow received=%d sent=%d queued=%d pending=%d cloud_connected=%v",
				s.Received, s.Sent, s.Queued, s.QueuePending, s.CloudConnected)
		}
	}
}

func (r *Relay) countReceived() {
	r.statsMu.Lock()
	r.stats.received++
	r.statsMu.Unlock()
}

func (r *Relay) countQueued() {
	r.statsMu.Lock()
	r.stats.queued++
	r.statsMu.Unlock()
}

func (r *Relay) countDropped() {
	r.statsMu.Lock()
	r.stats.dropped++
	r.statsMu.Unlock()
}

func (r *Relay) countSent(n int) {
	r.statsMu.Lock()
	r.stats.sent += int64(n)
	r.stats.lastSync = time.Now()
	r.statsMu.Unlock()
}
