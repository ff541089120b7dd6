package xmetrics

// Config selects and configures a metrics reporting backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
}

// StatsdConfig configures the statsd backend.
type StatsdConfig struct {
	HostPort string `yaml:"hostport"`
	Prefix   string `yaml:"prefix"`
}
