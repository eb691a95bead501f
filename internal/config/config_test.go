package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-indexer/internal/chunker"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SLACK_BOT_TOKEN", "OPENAI_API_KEY", "PINECONE_API_KEY", "VECTOR_DSN"} {
		t.Setenv(k, "")
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("state:\n  dir: /tmp/si\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/si", cfg.State.Dir)
	assert.Equal(t, "sqlite:///tmp/si/vectors.db", cfg.Vector.DSN)
	assert.Equal(t, filepath.Join("/tmp/si", "failed_upserts.db"), cfg.Queue.Path)
	assert.Equal(t, chunker.DefaultOptions(), cfg.ChunkerOptions())
	assert.Equal(t, 10000, cfg.Sync.MaxProcessedIDs)
	assert.Equal(t, 1, cfg.Sync.Concurrency)
	assert.Equal(t, 25*time.Hour, cfg.StaleAfter())
	assert.Equal(t, 24*time.Hour, cfg.CheckpointOptions().DefaultLookback)
	assert.Equal(t, time.Second, cfg.PageDelay())
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestParse_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("VECTOR_DSN", "memory://")

	cfg, err := Parse([]byte(`
slack:
  token: xoxb-file
embedding:
  api_key: sk-file
vector:
  dsn: sqlite:///x.db
`))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-env", cfg.Slack.Token)
	assert.Equal(t, "sk-file", cfg.Embedding.APIKey)
	assert.Equal(t, "memory://", cfg.Vector.DSN)
	assert.NoError(t, cfg.ValidateForSync())
}

func TestValidate_RejectsBadWindow(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("sync:\n  window_size: 3\n  overlap: 3\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, chunker.ErrInvalidConfig)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("sync:\n  concurrency: -2\nlogging:\n  format: xml\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "sync.concurrency")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_RejectsNegativeInterval(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("sync:\n  interval_seconds: -5\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "sync.interval_seconds")
}

func TestValidateForSync_RequiresCredentials(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("vector:\n  dsn: pinecone://idx.svc.pinecone.io\n"))
	require.NoError(t, err)

	err = cfg.ValidateForSync()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "slack.token")
	assert.Contains(t, err.Error(), "embedding.api_key")
	assert.Contains(t, err.Error(), "pinecone_api_key")
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("sync: [unclosed"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_ExpandsHome(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  dir: ~/state\n"), 0o644))

	cfg, err := Load("~/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state"), cfg.State.Dir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
