package relay

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/agrisense/edgesync/internal/config"
	"github.com/agrisense/edgesync/internal/edgesync"
	"github.com/agrisense/edgesync/internal/queue"
)

type sent struct {
	topic   string
	payload []byte
}

type mockCloud struct {
	mu        sync.Mutex
	connected bool
	failCalls map[int]bool // 0-based Send call index → fail
	calls     int
	sends     []sent
}

func (m *mockCloud) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockCloud) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockCloud) Send(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if !m.connected {
		return errors.New("not connected")
	}
	if m.failCalls[idx] {
		return errors.New("publish not acknowledged")
	}
	m.sends = append(m.sends, sent{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (m *mockCloud) sent() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sends...)
}

type mockLocal struct {
	mu        sync.Mutex
	connected bool
	published []sent
}

func (m *mockLocal) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockLocal) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, sent{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func testConfig() config.Config {
	conf := config.Default()
	conf.Sync.BatchPoll = config.Duration(5 * time.Millisecond)
	conf.Sync.DrainInterval = config.Duration(5 * time.Millisecond)
	conf.Sync.StatsInterval = config.Duration(time.Hour)
	return conf
}

func testRelay(t *testing.T, conf config.Config, cloud *mockCloud) *Relay {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	r := New(conf, q)
	r.SetCloud(cloud)
	return r
}

func dataMsg(t *testing.T, fields map[string]interface{}) edgesync.Message {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return edgesync.Message{
		Time:    time.Now(),
		Topic:   "agrisense/sensors/data",
		Payload: payload,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRealtimeSendDoesNotQueue(t *testing.T) {
	cloud := &mockCloud{connected: true}
	r := testRelay(t, testConfig(), cloud)

	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "esp32-01", "temperature": 21.5}))

	sends := cloud.sent()
	if len(sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sends))
	}
	count, err := r.queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("successful send must not be queued, found %d entries", count)
	}

	var reading edgesync.Reading
	if err := json.Unmarshal(sends[0].payload, &reading); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		edgesync.KeyEdgeID, edgesync.KeyEdgeName,
		edgesync.KeyEdgeLocation, edgesync.KeyReceivedAt,
	} {
		if _, ok := reading[key]; !ok {
			t.Errorf("metadata key %s missing from forwarded reading", key)
		}
	}
	if reading["node_id"] != "esp32-01" {
		t.Errorf("sensor fields must be preserved, got %v", reading["node_id"])
	}
}

func TestOfflineSendQueues(t *testing.T) {
	cloud := &mockCloud{connected: false}
	r := testRelay(t, testConfig(), cloud)

	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "esp32-01"}))

	entries, err := r.queue.Pending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 queued entry, got %d", len(entries))
	}
	if entries[0].Topic != r.conf.Cloud.DataTopic {
		t.Errorf("queued under topic %s", entries[0].Topic)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	cloud := &mockCloud{connected: false}
	r := testRelay(t, testConfig(), cloud)

	r.HandleData(edgesync.Message{
		Time:    time.Now(),
		Topic:   "agrisense/sensors/data",
		Payload: []byte("not json"),
	})

	count, err := r.queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("malformed reading must not be queued, found %d entries", count)
	}
	if s := r.Status(); s.Dropped != 1 || s.Received != 0 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestAtLeastOnceAfterReconnect(t *testing.T) {
	cloud := &mockCloud{connected: false}
	r := testRelay(t, testConfig(), cloud)

	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "esp32-01", "soil": 40.0}))
	if len(cloud.sent()) != 0 {
		t.Fatal("nothing should be delivered while offline")
	}

	cloud.setConnected(true)
	r.drainOnce()

	sends := cloud.sent()
	if len(sends) != 1 {
		t.Fatalf("expected queued reading to be delivered, got %d sends", len(sends))
	}
	count, err := r.queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("delivered entry must be deleted, %d remain", count)
	}
}

func TestDrainFIFO(t *testing.T) {
	cloud := &mockCloud{connected: true}
	r := testRelay(t, testConfig(), cloud)

	for _, node := range []string{"n1", "n2", "n3"} {
		payload, _ := json.Marshal(map[string]string{"node_id": node})
		if _, err := r.queue.Enqueue(r.conf.Cloud.DataTopic, payload); err != nil {
			t.Fatal(err)
		}
	}

	r.drainOnce()

	sends := cloud.sent()
	if len(sends) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sends))
	}
	for i, want := range []string{"n1", "n2", "n3"} {
		var got map[string]string
		if err := json.Unmarshal(sends[i].payload, &got); err != nil {
			t.Fatal(err)
		}
		if got["node_id"] != want {
			t.Errorf("send %d: expected %s, got %s", i, want, got["node_id"])
		}
	}
}

func TestDrainPartialFailureStops(t *testing.T) {
	cloud := &mockCloud{connected: true, failCalls: map[int]bool{1: true}}
	r := testRelay(t, testConfig(), cloud)

	var ids []int64
	for _, node := range []string{"n1", "n2", "n3"} {
		payload, _ := json.Marshal(map[string]string{"node_id": node})
		id, err := r.queue.Enqueue(r.conf.Cloud.DataTopic, payload)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	r.drainOnce()

	if sends := cloud.sent(); len(sends) != 1 {
		t.Fatalf("drain must stop at the first failure, got %d sends", len(sends))
	}
	entries, err := r.queue.Pending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != ids[1] || entries[1].ID != ids[2] {
		t.Fatalf("entries 2 and 3 must remain pending in order, got %+v", entries)
	}
}

func TestDrainSkipsWhileDisconnected(t *testing.T) {
	cloud := &mockCloud{connected: false}
	r := testRelay(t, testConfig(), cloud)

	if _, err := r.queue.Enqueue(r.conf.Cloud.DataTopic, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	r.drainOnce()

	count, err := r.queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("drain must not touch the queue while disconnected, %d remain", count)
	}
}

func TestBatchSizeTrigger(t *testing.T) {
	conf := testConfig()
	conf.Sync.Realtime = false
	conf.Sync.BatchSize = 3
	conf.Sync.BatchTimeout = config.Duration(time.Hour)
	cloud := &mockCloud{connected: true}
	r := testRelay(t, conf, cloud)

	r.Start()
	defer r.Stop()

	for i := 0; i < 3; i++ {
		r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "esp32-01", "seq": i}))
	}

	waitFor(t, func() bool { return len(cloud.sent()) == 1 })
	time.Sleep(20 * time.Millisecond)

	sends := cloud.sent()
	if len(sends) != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d sends", len(sends))
	}
	var batch map[string]interface{}
	if err := json.Unmarshal(sends[0].payload, &batch); err != nil {
		t.Fatal(err)
	}
	if batch["batch_size"] != float64(3) {
		t.Errorf("expected batch_size 3, got %v", batch["batch_size"])
	}
	readings, ok := batch["readings"].([]interface{})
	if !ok || len(readings) != 3 {
		t.Errorf("expected 3 readings in the batch, got %v", batch["readings"])
	}
}

func TestBatchTimeoutTrigger(t *testing.T) {
	conf := testConfig()
	conf.Sync.Realtime = false
	conf.Sync.BatchSize = 100
	conf.Sync.BatchTimeout = config.Duration(30 * time.Millisecond)
	cloud := &mockCloud{connected: true}
	r := testRelay(t, conf, cloud)

	r.Start()
	defer r.Stop()

	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "a"}))
	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "b"}))

	waitFor(t, func() bool { return len(cloud.sent()) == 1 })

	var batch map[string]interface{}
	if err := json.Unmarshal(cloud.sent()[0].payload, &batch); err != nil {
		t.Fatal(err)
	}
	if batch["batch_size"] != float64(2) {
		t.Errorf("expected batch of 2 after timeout, got %v", batch["batch_size"])
	}
}

func TestAlarmBypassesBatching(t *testing.T) {
	conf := testConfig()
	conf.Sync.Realtime = false
	conf.Sync.BatchSize = 10
	cloud := &mockCloud{connected: true}
	r := testRelay(t, conf, cloud)

	alarm, _ := json.Marshal(map[string]interface{}{"violations": []string{"temp_high"}})
	r.HandleAlarm(edgesync.Message{Time: time.Now(), Topic: "agrisense/alarms", Payload: alarm})

	sends := cloud.sent()
	if len(sends) != 1 {
		t.Fatalf("alarm must be sent immediately, got %d sends", len(sends))
	}
	if sends[0].topic != r.conf.Cloud.AlarmTopic {
		t.Errorf("alarm sent to %s", sends[0].topic)
	}
	if s := r.Status(); s.BatchBuffered != 0 {
		t.Errorf("alarm must never enter the batch buffer, found %d buffered", s.BatchBuffered)
	}
}

func TestCommandPassThrough(t *testing.T) {
	cloud := &mockCloud{connected: true}
	r := testRelay(t, testConfig(), cloud)
	local := &mockLocal{connected: true}
	r.SetLocal(local)

	payload := []byte(`{"action":"irrigate","zone":2}`)
	r.HandleCommand(edgesync.Message{
		Time:    time.Now(),
		Topic:   "agrisense/commands/edge-rpi-001",
		Payload: payload,
	})

	if len(local.published) != 1 {
		t.Fatalf("expected 1 local publish, got %d", len(local.published))
	}
	if local.published[0].topic != r.conf.Local.CommandTopic {
		t.Errorf("command forwarded to %s", local.published[0].topic)
	}
	if string(local.published[0].payload) != string(payload) {
		t.Errorf("command payload must pass through verbatim, got %s", local.published[0].payload)
	}
}

func TestStopDropsUnflushedBatch(t *testing.T) {
	conf := testConfig()
	conf.Sync.Realtime = false
	conf.Sync.BatchSize = 10
	conf.Sync.BatchTimeout = config.Duration(time.Hour)
	cloud := &mockCloud{connected: true}
	r := testRelay(t, conf, cloud)

	r.Start()
	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "a"}))
	r.Stop()

	if len(cloud.sent()) != 0 {
		t.Errorf("stop must not flush, got %d sends", len(cloud.sent()))
	}
}

func TestStatusSnapshot(t *testing.T) {
	cloud := &mockCloud{connected: true}
	r := testRelay(t, testConfig(), cloud)
	local := &mockLocal{connected: true}
	r.SetLocal(local)

	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "a"}))
	cloud.setConnected(false)
	r.HandleData(dataMsg(t, map[string]interface{}{"node_id": "b"}))

	s := r.Status()
	if s.Received != 2 || s.Sent != 1 || s.Queued != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.QueuePending != 1 {
		t.Errorf("expected 1 pending entry, got %d", s.QueuePending)
	}
	if s.CloudConnected || !s.LocalConnected {
		t.Errorf("unexpected connectivity: %+v", s)
	}
	if s.LastSync == "" {
		t.Error("last sync time missing after a successful send")
	}
}
