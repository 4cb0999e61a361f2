package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := New()
	v.Set("token_file", filepath.Join(t.TempDir(), "auth_token"))

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.WSAddr())
	assert.Equal(t, "/astrbot/live2d", cfg.WSPath)
	assert.Equal(t, 1, cfg.MaxConnections)
	assert.True(t, cfg.KickOld)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 2<<20, cfg.MaxFrameBytes)
	assert.Equal(t, int64(262144), cfg.ResourceMaxInlineBytes)
	assert.Equal(t, cfg.ResourceMaxTotalBytes, cfg.ResourceMaxBytes)
	assert.Equal(t, "http://127.0.0.1:9091", cfg.ResourceBaseURL)
	assert.Equal(t, 600*time.Second, cfg.CleanupInterval())
	assert.Equal(t, 30*time.Second, cfg.TempProtect())
	assert.False(t, cfg.TraceEnabled)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, "loopback", cfg.HostMode)

	assert.True(t, cfg.TokenGenerated)
	assert.NotEmpty(t, cfg.AuthToken)
	assert.Equal(t, cfg.AuthToken, cfg.ResourceToken)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("L2D_WS_PORT", "19090")
	t.Setenv("L2D_AUTH_TOKEN", "from-env")
	t.Setenv("L2D_KICK_OLD", "false")
	t.Setenv("L2D_RESOURCE_HOST", "192.168.1.10")
	t.Setenv("L2D_CLEANUP_INTERVAL_SECONDS", "3")

	v := New()
	v.Set("token_file", filepath.Join(t.TempDir(), "auth_token"))
	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 19090, cfg.WSPort)
	assert.Equal(t, "from-env", cfg.AuthToken)
	assert.False(t, cfg.TokenGenerated)
	assert.False(t, cfg.KickOld)
	assert.Equal(t, "http://192.168.1.10:9091", cfg.ResourceBaseURL)
	assert.Equal(t, minCleanupInterval, cfg.CleanupIntervalSeconds)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l2dbridge.yaml")
	content := "ws_path: live2d/\nauth_token: file-token\nresource_path: files\nresource_token: upload-secret\n" +
		"token_file: " + filepath.Join(dir, "auth_token") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/live2d", cfg.WSPath)
	assert.Equal(t, "/files", cfg.ResourcePath)
	assert.Equal(t, "file-token", cfg.AuthToken)
	assert.Equal(t, "upload-secret", cfg.ResourceToken)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		apply func(v map[string]interface{})
	}{
		{"bad port", func(v map[string]interface{}) { v["ws_port"] = 70000 }},
		{"no connections", func(v map[string]interface{}) { v["max_connections"] = 0 }},
		{"webhook without url", func(v map[string]interface{}) { v["host_mode"] = "webhook" }},
		{"unknown host mode", func(v map[string]interface{}) { v["host_mode"] = "grpc" }},
		{"s3 without bucket", func(v map[string]interface{}) { v["blob_backend"] = "s3" }},
		{"bad tts mode", func(v map[string]interface{}) { v["tts_mode"] = "cloud" }},
		{"shared listener", func(v map[string]interface{}) { v["resource_port"] = 9090 }},
		{"bad sample ratio", func(v map[string]interface{}) { v["trace_enabled"] = true; v["trace_sample_ratio"] = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides := map[string]interface{}{"auth_token": "x"}
			tt.apply(overrides)
			v := New()
			for k, val := range overrides {
				v.Set(k, val)
			}
			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}
}
