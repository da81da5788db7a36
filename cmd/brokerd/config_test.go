package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http_port: ":9090"
broker_id: main-broker
queue_root: /var/lib/a2a/queues
secret_path: /var/lib/a2a/secret
poll_interval: 10s
backoff_cap: 2m
cleanup_every: 60
message_retention: 168h
agent_max_age: 24h
registry:
  backend: file
  path: /var/lib/a2a/registry.json
  heartbeat_timeout: 90s
archive:
  bucket: a2a-audit
  prefix: messages
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.Equal(t, "main-broker", cfg.BrokerID)
	assert.Equal(t, 10*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.BackoffCap.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.MessageRetention.Std())
	assert.Equal(t, 90*time.Second, cfg.Registry.HeartbeatTimeout.Std())
	assert.Equal(t, "a2a-audit", cfg.Archive.Bucket)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
registry:
  path: /srv/a2a/registry.json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Registry.Backend)
	assert.Equal(t, ":8081", cfg.HTTPPort)
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"missing queue_root": `
secret_path: /srv/a2a/secret
registry: {path: /srv/a2a/registry.json}
`,
		"missing secret_path": `
queue_root: /srv/a2a
registry: {path: /srv/a2a/registry.json}
`,
		"file backend without path": `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
registry: {backend: file}
`,
		"redis backend without addr": `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
registry: {backend: redis}
`,
		"firestore backend without project": `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
registry: {backend: firestore}
`,
		"unknown backend": `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
registry: {backend: carrier-pigeon}
`,
		"bad duration": `
queue_root: /srv/a2a
secret_path: /srv/a2a/secret
poll_interval: sometimes
registry: {path: /srv/a2a/registry.json}
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}
