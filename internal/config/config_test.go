package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("CREW_TEST_DSN", "postgres://crew@localhost/crew")

	cfg, err := Parse([]byte(`{
		"database": {"postgres": {"dsn": "${CREW_TEST_DSN}"}, "redis": {"url": "${CREW_TEST_REDIS:redis://localhost:6379/0}"}},
		"batch": {"batch_size": 2}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "postgres://crew@localhost/crew", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
	assert.Equal(t, 2, cfg.Batch.BatchSize)
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Batch.Interval())
	assert.Equal(t, time.Hour, cfg.Batch.Window())
	assert.Equal(t, 10*time.Minute, cfg.Batch.RunTimeout())
	assert.Equal(t, 5, cfg.Batch.BatchSize)
	assert.Equal(t, "standard_analysis", cfg.Batch.Workflow)
	assert.Equal(t, 3, cfg.Guard.Window)
	assert.Equal(t, 200, cfg.Guard.PrefixLen)
	assert.Equal(t, "memory", cfg.Worklist.Type)
}

func TestTeamTargetSuppressesDefaultWorkflow(t *testing.T) {
	cfg, err := Parse([]byte(`{"batch": {"team": "analysis"}}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Batch.Workflow)
	assert.Equal(t, "analysis", cfg.Batch.Team)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"worklist":     `{"worklist": {"type": "jira"}}`,
		"lock backend": `{"batch": {"lock_backend": "etcd"}}`,
		"redis url":    `{"batch": {"lock_backend": "redis"}}`,
		"notion key":   `{"worklist": {"type": "notion"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
