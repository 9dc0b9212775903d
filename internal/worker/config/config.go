// Package config handles configuration for the worker binary, including
// defaults, JSON overlay, and command-line flags.
package config

// Config holds runtime settings for a worker process.
//
// Fields:
//   - Network: listener network, "unix" or "tcp".
//   - Addr: listener address (socket path for unix, host:port for tcp).
//   - S3Region / S3Endpoint: object storage settings for s3:// resources.
//   - S3AccessKey / S3SecretKey: static credentials; empty means the
//     ambient AWS credential chain is used.
type Config struct {
	Network     string
	Addr        string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.Network = "tcp"
	c.Addr = ":50071"
	c.S3Region = "us-east-1"
	c.S3Endpoint = ""
	c.S3AccessKey = ""
	c.S3SecretKey = ""
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
