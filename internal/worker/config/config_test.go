package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, c.Network, "tcp")
	assert.Equal(t, c.Addr, ":50071")
	assert.Equal(t, c.S3Region, "us-east-1")
	assert.Equal(t, c.S3Endpoint, "")
	assert.Equal(t, c.S3AccessKey, "")
	assert.Equal(t, c.S3SecretKey, "")
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	c := LoadConfig()

	require.NotNil(t, c, "LoadConfig must not return nil")

	assert.Equal(t, c.Network, "tcp")
	assert.Equal(t, c.Addr, ":50071")
	assert.Equal(t, c.S3Region, "us-east-1")
}

func TestParseFlags(t *testing.T) {
	var c Config
	c.LoadDefaults()

	origArgs := osArgs(t, []string{"testbin", "-a", "/tmp/w.sock", "-n", "unix", "-e", "http://127.0.0.1:9000/"})
	defer origArgs()

	parseFlags(&c)

	assert.Equal(t, "/tmp/w.sock", c.Addr)
	assert.Equal(t, "unix", c.Network)
	assert.Equal(t, "http://127.0.0.1:9000/", c.S3Endpoint)
	assert.Equal(t, "us-east-1", c.S3Region)
}
