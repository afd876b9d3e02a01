package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateClientIDIsUniqueAndPrefixed(t *testing.T) {
	a := generateClientID()
	b := generateClientID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "wwvengine_")
}

func TestLoadTLSConfigDisabledReturnsNil(t *testing.T) {
	tc, err := loadTLSConfig(MQTTTLSConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestLoadTLSConfigMissingCACertErrors(t *testing.T) {
	_, err := loadTLSConfig(MQTTTLSConfig{Enabled: true, CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestLoadTLSConfigInvalidCACertErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0644))

	_, err := loadTLSConfig(MQTTTLSConfig{Enabled: true, CACert: path})
	assert.Error(t, err)
}

func TestPublisherTopicPrependsPrefix(t *testing.T) {
	p := &Publisher{cfg: MQTTConfig{TopicPrefix: "wwvengine"}}
	assert.Equal(t, "wwvengine/sync", p.topic("sync"))
	assert.Equal(t, "wwvengine/symbol", p.topic("symbol"))
}

func TestPublisherLogfNilLoggerDoesNotPanic(t *testing.T) {
	p := &Publisher{}
	assert.NotPanics(t, func() { p.logf("hello %d", 1) })
}
