package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// osArgs swaps os.Args for a test and returns the restore function.
func osArgs(t *testing.T, args []string) func() {
	t.Helper()
	orig := os.Args
	os.Args = args
	return func() { os.Args = orig }
}

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"network":       "unix",
		"addr":          "/tmp/worker.sock",
		"s3_region":     "eu-west-1",
		"s3_endpoint":   "http://127.0.0.1:9000/",
		"s3_access_key": "access",
		"s3_secret_key": "secret",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		parseJson(cfg)

		assert.Equal(t, "unix", cfg.Network)
		assert.Equal(t, "/tmp/worker.sock", cfg.Addr)
		assert.Equal(t, "eu-west-1", cfg.S3Region)
		assert.Equal(t, "http://127.0.0.1:9000/", cfg.S3Endpoint)
		assert.Equal(t, "access", cfg.S3AccessKey)
		assert.Equal(t, "secret", cfg.S3SecretKey)
	})

	t.Run("no CONFIG and no flags → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{
			Network:     "tcp",
			Addr:        ":9999",
			S3Region:    "region",
			S3Endpoint:  "endpoint",
			S3AccessKey: "ak",
			S3SecretKey: "sk",
		}
		parseJson(cfg)

		assert.Equal(t, "tcp", cfg.Network)
		assert.Equal(t, ":9999", cfg.Addr)
		assert.Equal(t, "region", cfg.S3Region)
		assert.Equal(t, "endpoint", cfg.S3Endpoint)
		assert.Equal(t, "ak", cfg.S3AccessKey)
		assert.Equal(t, "sk", cfg.S3SecretKey)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})
}
