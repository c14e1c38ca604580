package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigContent = `
[development]
environment = "development"
host = "localhost"
port = 9000
log_level = "trace"
log_to_stdout = true
posts_per_page = 2
comments_close_after_days = 10
list_view = "titles_and_excerpts"
posts_store = "badger"
badger_path = "/tmp/miniblog-badger"
file_box_root_path = "/tmp/miniblog-files"
file_box_base_url = "http://localhost:9000"
postgres_host = "localhost"
postgres_port = "5432"
postgres_db_name = "miniblog"
redis_host = "localhost"
redis_port = "6379"
login_rate_limit_allowed_per_min = 5
comments_rate_limit_allowed_per_min = 10
prometheus_metrics_host = "localhost"
prometheus_metrics_port = "2112"

[production]
environment = "production"
host = ""
port = 9000
log_level = "debug"
logs_path = "/var/log/miniblog/service.log"
sentry_enabled = true
posts_per_page = 4
comments_close_after_days = 10
list_view = "full_posts"
posts_store = "postgres"
file_box_root_path = "/var/data/miniblog/files"
file_box_base_url = "https://miniblog.example.com"
postgres_host = "localhost"
postgres_port = "5432"
postgres_db_name = "miniblog"
redis_host = "localhost"
redis_port = "6379"
login_rate_limit_allowed_per_min = 5
comments_rate_limit_allowed_per_min = 10
prometheus_metrics_host = "localhost"
prometheus_metrics_port = "2112"
tracing_enabled = true
`

func TestLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfigContent), 0o644))

	devCfg, err := Load("development", configPath)
	require.NoError(t, err)
	require.NotNil(t, devCfg)
	assert.Equal(t, "development", devCfg.Environment)
	assert.Equal(t, 9000, devCfg.Port)
	assert.Equal(t, "trace", devCfg.LogLevel)
	assert.Equal(t, 2, devCfg.PostsPerPage)
	assert.Equal(t, "badger", devCfg.PostsStore)
	assert.Equal(t, "/tmp/miniblog-badger", devCfg.BadgerPath)
	assert.Equal(t, "titles_and_excerpts", devCfg.ListView)
	assert.True(t, devCfg.LogToStdout)
	assert.False(t, devCfg.SentryEnabled)

	prodCfg, err := Load("prod", configPath)
	require.NoError(t, err)
	require.NotNil(t, prodCfg)
	assert.Equal(t, "production", prodCfg.Environment)
	assert.Equal(t, "postgres", prodCfg.PostsStore)
	assert.Equal(t, 4, prodCfg.PostsPerPage)
	assert.Equal(t, 10, prodCfg.CommentsCloseAfterDays)
	assert.True(t, prodCfg.SentryEnabled)
	assert.True(t, prodCfg.TracingEnabled)

	_, err = Load("staging", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown env")
}

func TestLoad_fileNotFound(t *testing.T) {
	_, err := Load("development", "/tmp/does-not-exist-miniblog.toml")
	require.Error(t, err)
}
