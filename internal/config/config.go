package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	Local    Local
	Cloud    Cloud
	Edge     Edge
	Sync     Sync
	Queue    Queue
	Status   Status
	Watchdog Watchdog
}

type Local struct {
	URL               string
	Username          string
	Password          string
	ClientID          string `toml:"client_id"`
	DataTopic         string `toml:"data_topic"`
	AlarmTopic        string `toml:"alarm_topic"`
	CommandTopic      string `toml:"command_topic"`
	CSVLog            string `toml:"csv_log"`
	TLSServerCert     string `toml:"tls_server_cert"`
	TLSServerInsecure bool   `toml:"tls_server_insecure"`
}

type Cloud struct {
	URL               string
	Username          string
	Password          string
	ClientID          string   `toml:"client_id"`
	DataTopic         string   `toml:"data_topic"`
	AlarmTopic        string   `toml:"alarm_topic"`
	CommandTopic      string   `toml:"command_topic"` // defaults to agrisense/commands/<edge id>
	ConnectTimeout    Duration `toml:"connect_timeout"`
	PublishTimeout    Duration `toml:"publish_timeout"`
	TLSServerCert     string   `toml:"tls_server_cert"`
	TLSServerInsecure bool     `toml:"tls_server_insecure"`
}

type Edge struct {
	ID       string
	Name     string
	Location string
}

type Sync struct {
	Realtime      bool
	BatchSize     int      `toml:"batch_size"`
	BatchTimeout  Duration `toml:"batch_timeout"`
	BatchPoll     Duration `toml:"batch_poll"`
	DrainInterval Duration `toml:"drain_interval"`
	DrainLimit    int      `toml:"drain_limit"`
	StatsInterval Duration `toml:"stats_interval"`
}

type Queue struct {
	Path string
}

type Status struct {
	Listen string
}

type Watchdog struct {
	KillAfterSilence Duration `toml:"kill_after_silence"`
}

// Duration wraps time.Duration so that TOML values can be written as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration the relay runs with when the TOML
// file leaves a value unset.
func Default() Config {
	return Config{
		Local: Local{
			URL:          "tcp://localhost:1883",
			DataTopic:    "agrisense/sensors/data",
			AlarmTopic:   "agrisense/alarms",
			CommandTopic: "agrisense/commands",
		},
		Cloud: Cloud{
			DataTopic:      "agrisense/sensors/data",
			AlarmTopic:     "agrisense/alarms",
			ConnectTimeout: Duration(60 * time.Second),
			PublishTimeout: Duration(10 * time.Second),
		},
		Edge: Edge{
			ID:       "edge-rpi-001",
			Name:     "AgriSense Gateway",
			Location: "Greenhouse-A",
		},
		Sync: Sync{
			Realtime:      true,
			BatchSize:     1,
			BatchTimeout:  Duration(2 * time.Second),
			BatchPoll:     Duration(1 * time.Second),
			DrainInterval: Duration(5 * time.Second),
			DrainLimit:    50,
			StatsInterval: Duration(60 * time.Second),
		},
		Queue: Queue{
			Path: "offline_queue.db",
		},
	}
}

// Load reads the TOML configuration file on top of the defaults.
func Load(filename string) (Config, error) {
	conf := Default()
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return conf, errors.Wrapf(err, "loading configuration from %s", filename)
	}
	if conf.Cloud.URL == "" {
		return conf, errors.New("cloud.url is required")
	}
	if conf.Cloud.CommandTopic == "" {
		conf.Cloud.CommandTopic = "agrisense/commands/" + conf.Edge.ID
	}
	if conf.Sync.BatchSize < 1 {
		conf.Sync.BatchSize = 1
	}
	if conf.Sync.DrainLimit < 1 {
		conf.Sync.DrainLimit = 1
	}
	return conf, nil
}
