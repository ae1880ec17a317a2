// Package mqttc builds paho MQTT clients for the local and cloud
// brokers. Reconnection is delegated to paho's auto reconnect; the links
// only track connectivity through the handlers passed in here.
package mqttc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Options describes one broker connection.
type Options struct {
	URL               string
	Username          string
	Password          string
	ClientID          string
	TLSServerCert     string
	TLSServerInsecure bool
	ConnectTimeout    time.Duration
	OnConnect         mqtt.OnConnectHandler
	OnConnectionLost  mqtt.ConnectionLostHandler
}

// Connect builds a client and waits up to ConnectTimeout for the initial
// handshake. After that paho reconnects on its own and the OnConnect /
// OnConnectionLost handlers report every transition.
func Connect(o Options) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(o.URL)

	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}

	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("edgesync-%06d", time.Now().Nanosecond()/1000)
	}
	opts.SetClientID(o.ClientID)

	var certs *x509.CertPool
	if o.TLSServerCert != "" {
		certs = x509.NewCertPool()
		if !certs.AppendCertsFromPEM([]byte(o.TLSServerCert)) {
			return nil, errors.New("unable to add tls_server_cert to CertPool")
		}
	}
	opts.SetTLSConfig(&tls.Config{
		InsecureSkipVerify: o.TLSServerInsecure,
		RootCAs:            certs,
	})

	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Minute)

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	opts.SetConnectTimeout(o.ConnectTimeout)

	opts.SetOnConnectHandler(o.OnConnect)
	opts.SetConnectionLostHandler(o.OnConnectionLost)

	mc := mqtt.NewClient(opts)
	if tok := mc.Connect(); tok.WaitTimeout(o.ConnectTimeout) && tok.Error() != nil {
		return nil, errors.Wrapf(tok.Error(), "connecting to %s", o.URL)
	}

	return mc, nil
}
