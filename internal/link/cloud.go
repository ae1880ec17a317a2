// Package link manages the two broker connections of the relay. Each
// link owns its connectivity flag: only the link's own paho handlers
// write it, everything else reads.
package link

import (
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/agrisense/edgesync/internal/config"
	"github.com/agrisense/edgesync/internal/edgesync"
	"github.com/agrisense/edgesync/internal/mqttc"
)

// ErrNotConnected is returned by Send and Publish when the link is down.
// No I/O is attempted in that state.
var ErrNotConnected = errors.New("link not connected")

// Cloud holds the connection to the remote broker. Sends use QoS 1 so
// delivery is acknowledged; the caller decides what to do on failure,
// the link never queues.
type Cloud struct {
	client         mqtt.Client
	connected      atomic.Bool
	commandTopic   string
	publishTimeout time.Duration
	onCommand      func(edgesync.Message)
}

// NewCloud connects to the cloud broker. Inbound messages on the
// per-edge command topic are handed to onCommand.
func NewCloud(conf config.Cloud, edgeID string, onCommand func(edgesync.Message)) (*Cloud, error) {
	c := &Cloud{
		commandTopic:   conf.CommandTopic,
		publishTimeout: conf.PublishTimeout.Std(),
		onCommand:      onCommand,
	}

	clientID := conf.ClientID
	if clientID == "" {
		clientID = "edge_" + edgeID
	}

	client, err := mqttc.Connect(mqttc.Options{
		URL:               conf.URL,
		Username:          conf.Username,
		Password:          conf.Password,
		ClientID:          clientID,
		TLSServerCert:     conf.TLSServerCert,
		TLSServerInsecure: conf.TLSServerInsecure,
		ConnectTimeout:    conf.ConnectTimeout.Std(),
		OnConnect:         c.handleConnect,
		OnConnectionLost:  c.handleConnectionLost,
	})
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

func (c *Cloud) handleConnect(client mqtt.Client) {
	c.connected.Store(true)
	log.Print("info: connected to cloud MQTT broker")

	tok := client.Subscribe(c.commandTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		c.onCommand(edgesync.Message{
			Time:     time.Now(),
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Retained: m.Retained(),
		})
	})
	tok.WaitTimeout(30 * time.Second)
	if err := tok.Error(); err != nil {
		log.Print("error: subscribing to cloud commands: ", err)
	}
}

func (c *Cloud) handleConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	log.Print("warning: disconnected from cloud MQTT broker: ", err)
}

func (c *Cloud) Connected() bool {
	return c.connected.Load()
}

// Send publishes payload with QoS 1 and waits for the acknowledgement.
// A missing acknowledgement within the publish timeout is a failure,
// same as not being connected.
func (c *Cloud) Send(topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	tok := c.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(c.publishTimeout) {
		return errors.Errorf("publish to %s not acknowledged after %s", topic, c.publishTimeout)
	}
	if err := tok.Error(); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	return nil
}

func (c *Cloud) Disconnect() {
	c.client.Disconnect(250)
}
