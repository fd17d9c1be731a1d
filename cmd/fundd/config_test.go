package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	const file = `
[server]
bind_address = "127.0.0.1"
port = 9090

[log]
filename = "fundd.log"
debug = true

[database]
type = "badger"
dir = "/var/fundd/data"

[cache]
url = "redis://localhost"
ttl = "5m0s"

[events]
queue_url = "https://sqs.us-east-1.amazonaws.com/123/refunds"

[checkpoint]
schedule = "@every 30s"

[registry]
paused = true
`

	path := writeConfig(t, file)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Server.BindAddress)
	assert.Equal(t, 9090, config.Server.Port)

	assert.Equal(t, "fundd.log", config.Log.Filename)
	assert.True(t, config.Log.Debug)

	assert.Equal(t, "badger", config.Database.Type)
	assert.Equal(t, "/var/fundd/data", config.Database.Dir)

	require.NotNil(t, config.Cache)
	assert.Equal(t, "redis://localhost", config.Cache.URL)
	assert.Equal(t, 5*time.Minute, config.Cache.TTL.Duration)

	require.NotNil(t, config.Events)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/refunds", config.Events.QueueURL)

	assert.Equal(t, "@every 30s", config.Checkpoint.Schedule)
	assert.True(t, config.Registry.Paused)
}

func TestLoadConfigDefaults(t *testing.T) {
	const file = `
[database]
dir = "/var/fundd/data"
`

	path := writeConfig(t, file)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, databaseTypeBadger, config.Database.Type)
	assert.Equal(t, "@every 1m", config.Checkpoint.Schedule)
	assert.Nil(t, config.Cache)
	assert.Nil(t, config.Events)
	assert.False(t, config.Registry.Paused)
}

func TestLoadConfigValidation(t *testing.T) {
	for name, file := range map[string]string{
		"no badger dir": `
[database]
type = "badger"
`,
		"no postgres url": `
[database]
type = "postgres"
`,
		"unknown database type": `
[database]
type = "mongo"
dir = "/tmp"
`,
		"cache without url": `
[database]
dir = "/tmp"

[cache]
ttl = "1m0s"
`,
		"events without queue url": `
[database]
dir = "/tmp"

[events]
`,
	} {
		path := writeConfig(t, file)

		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "fundd.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0600))
	return path
}
