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

// Local holds the connection to the local broker. All inbound traffic
// arrives through one wildcard subscription and is handed to fwd;
// commands from the cloud go out through Publish.
type Local struct {
	client    mqtt.Client
	connected atomic.Bool
	fwd       func(edgesync.Message)
}

func NewLocal(conf config.Local, fwd func(edgesync.Message)) (*Local, error) {
	l := &Local{fwd: fwd}

	client, err := mqttc.Connect(mqttc.Options{
		URL:               conf.URL,
		Username:          conf.Username,
		Password:          conf.Password,
		ClientID:          conf.ClientID,
		TLSServerCert:     conf.TLSServerCert,
		TLSServerInsecure: conf.TLSServerInsecure,
		OnConnect:         l.handleConnect,
		OnConnectionLost:  l.handleConnectionLost,
	})
	if err != nil {
		return nil, err
	}
	l.client = client
	return l, nil
}

func (l *Local) handleConnect(client mqtt.Client) {
	l.connected.Store(true)
	log.Print("info: connected to local MQTT broker")

	tok := client.Subscribe("#", 0, func(_ mqtt.Client, m mqtt.Message) {
		l.fwd(edgesync.Message{
			Time:     time.Now(),
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Retained: m.Retained(),
		})
	})
	tok.WaitTimeout(30 * time.Second)
	if err := tok.Error(); err != nil {
		log.Print("error: subscribing to local broker: ", err)
	}
}

func (l *Local) handleConnectionLost(_ mqtt.Client, err error) {
	l.connected.Store(false)
	log.Print("warning: disconnected from local MQTT broker: ", err)
}

func (l *Local) Connected() bool {
	return l.connected.Load()
}

// Publish sends payload to the local broker, fire and forget. Used for
// the cloud command pass-through; local consumers are on the same host,
// so QoS 0 matches the reference behavior.
func (l *Local) Publish(topic string, payload []byte) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}
	tok := l.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return tok.Error()
}

func (l *Local) Disconnect() {
	l.client.Disconnect(250)
}
