// Package relay implements the delivery guarantee logic of the edge
// gateway: dispatch (realtime or batched), the offline queue fallback,
// and the drain worker that replays queued readings once the cloud
// broker is reachable again.
package relay

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrisense/edgesync/internal/config"
	"github.com/agrisense/edgesync/internal/edgesync"
	"github.com/agrisense/edgesync/internal/queue"
)

// CloudSender is the outbound side of the relay. Send must return an
// error on any failure (not connected, acknowledgement missing); it must
// never queue on its own.
type CloudSender interface {
	Connected() bool
	Send(topic string, payload []byte) error
}

// LocalPublisher is the return path for cloud commands.
type LocalPublisher interface {
	Connected() bool
	Publish(topic string, payload []byte) error
}

type Relay struct {
	conf  config.Config
	queue *queue.Queue
	cloud CloudSender
	local LocalPublisher

	batchMu   sync.Mutex
	batch     []edgesync.Reading
	lastFlush time.Time

	statsMu sync.Mutex
	stats   counters

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

type counters struct {
	received int64
	sent     int64
	queued   int64
	dropped  int64
	lastSync time.Time
}

func New(conf config.Config, q *queue.Queue) *Relay {
	return &Relay{
		conf:      conf,
		queue:     q,
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetCloud and SetLocal wire the links in. Both must be called before
// Start; SetLocal may be called after the cloud link is already up.
func (r *Relay) SetCloud(c CloudSender) { r.cloud = c }
func (r *Relay) SetLocal(l LocalPublisher) { r.local = l }

// Start launches the batch timer, the drain worker and the stats
// reporter. Each loop checks the running flag every cycle and exits
// after the current cycle once Stop is called.
func (r *Relay) Start() {
	r.running.Store(true)
	r.wg.Add(3)
	go r.batchLoop()
	go r.drainLoop()
	go r.statsLoop()
}

// Stop ends the background loops. An unflushed batch is dropped; that
// gap is a documented trade-off of the batched mode.
func (r *Relay) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.done)
	r.wg.Wait()
}

// HandleData processes one sensor reading from the local broker.
// Malformed payloads are dropped: they can never become deliverable, so
// they are not queued.
func (r *Relay) HandleData(msg edgesync.Message) {
	reading, err := r.decode(msg)
	if err != nil {
		r.countDropped()
		log.Printf("error: invalid JSON on %s: %v", msg.Topic, err)
		return
	}
	r.countReceived()

	if r.conf.Sync.Realtime {
		if r.sendOrQueue(r.conf.Cloud.DataTopic, reading) {
			log.Printf("debug: forwarded reading from %v", reading["node_id"])
		}
		return
	}

	r.batchMu.Lock()
	r.batch = append(r.batch, reading)
	r.batchMu.Unlock()
	log.Printf("debug: buffered reading from %v", reading["node_id"])
}

// HandleAlarm forwards an alarm event immediately, regardless of the
// sync mode. Alarms never enter the batch buffer.
func (r *Relay) HandleAlarm(msg edgesync.Message) {
	reading, err := r.decode(msg)
	if err != nil {
		r.countDropped()
		log.Printf("error: invalid JSON alarm on %s: %v", msg.Topic, err)
		return
	}
	r.countReceived()

	if r.sendOrQueue(r.conf.Cloud.AlarmTopic, reading) {
		log.Printf("warning: alarm sent to cloud: %v", reading["violations"])
	} else {
		log.Printf("error: alarm queued, cloud offline: %v", reading["violations"])
	}
}

// HandleCommand passes a cloud command to the local broker verbatim.
func (r *Relay) HandleCommand(msg edgesync.Message) {
	if r.local == nil || !r.local.Connected() {
		log.Printf("warning: dropping cloud command, local broker not connected")
		return
	}
	if err := r.local.Publish(r.conf.Local.CommandTopic, msg.Payload); err != nil {
		log.Printf("error: forwarding cloud command: %v", err)
		return
	}
	log.Printf("info: forwarded cloud command to %s", r.conf.Local.CommandTopic)
}

// decode unmarshals the payload and stamps the edge metadata.
func (r *Relay) decode(msg edgesync.Message) (edgesync.Reading, error) {
	var reading edgesync.Reading
	if err := json.Unmarshal(msg.Payload, &reading); err != nil {
		return nil, err
	}
	reading[edgesync.KeyEdgeID] = r.conf.Edge.ID
	reading[edgesync.KeyEdgeName] = r.conf.Edge.Name
	reading[edgesync.KeyEdgeLocation] = r.conf.Edge.Location
	reading[edgesync.KeyReceivedAt] = msg.Time.Format(time.RFC3339)
	return reading, nil
}

// sendOrQueue attempts the cloud send and falls back to the durable
// queue on any failure. A successful send never touches the queue. A
// failed queue write is data loss and can only be logged.
func (r *Relay) sendOrQueue(topic string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("error: marshaling payload for %s: %v", topic, err)
		return false
	}

	if err := r.cloud.Send(topic, data); err != nil {
		id, qerr := r.queue.Enqueue(topic, data)
		if qerr != nil {
			log.Printf("error: reading lost, offline queue write failed: %v", qerr)
			return false
		}
		r.countQueued()
		log.Printf("warning: cloud send failed, queued entry %d: %v", id, err)
		return false
	}

	r.countSent(1)
	return true
}
