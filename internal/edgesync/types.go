package edgesync

import "time"

// A Message stores data from incoming MQTT messages, local or cloud.
type Message struct {
	Time     time.Time
	Topic    string
	Payload  []byte
	Retained bool
}

// A Reading is one decoded sensor record or alarm event. The relay never
// interprets sensor fields; it only adds its own edge metadata keys before
// a reading leaves the edge.
type Reading map[string]interface{}

// Metadata keys stamped onto every outbound reading.
const (
	KeyEdgeID       = "edge_id"
	KeyEdgeName     = "edge_name"
	KeyEdgeLocation = "edge_location"
	KeyReceivedAt   = "received_at"
)
