package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		errContain string
	}{
		{name: "all fields valid", binaryName: "heascreen", envPrefix: "HEASCREEN", configName: "heascreen"},
		{name: "missing binary name", envPrefix: "HEASCREEN", configName: "heascreen", errContain: "missing binary name"},
		{name: "missing env prefix", binaryName: "heascreen", configName: "heascreen", errContain: "missing env prefix"},
		{name: "missing config name", binaryName: "heascreen", envPrefix: "HEASCREEN", configName: "  ", errContain: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}
			err := checker.CheckHealth(context.Background())
			if tt.errContain == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("localhost:9100")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 9100, port)

	host, port, err = splitHostPort(" :0 ")
	require.NoError(t, err)
	assert.Empty(t, host)
	assert.Zero(t, port)

	for _, bad := range []string{"localhost", "localhost:http", "localhost:70000", ""} {
		_, _, err := splitHostPort(bad)
		assert.Error(t, err, bad)
	}
}
