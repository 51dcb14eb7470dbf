package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstrinati/bimwarehouse/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  driver: sqlite
  sqlite:
    path: source.db
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPipelineName, cfg.PipelineName)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultListen, cfg.Server.Listen)
	assert.False(t, cfg.Server.RateLimit.Enabled)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
pipeline_name: acme_issues
log_level: debug
source:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: etl
    password: secret
    database: ops
    ssl_mode: disable
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
trackers:
  jira:
    url: https://acme.atlassian.net
    username: bot@acme.com
    token: tok
    projects: [BIM]
  github:
    token: ghtok
    repositories: [acme/models]
server:
  listen: ":9090"
  cors_origins: ["https://dash.acme.com"]
  rate_limit:
    enabled: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme_issues", cfg.PipelineName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.Listen)

	// Enabled rate limiting without an explicit limit gets the default.
	assert.Equal(t, config.DefaultRequestsPerMinute, cfg.Server.RateLimit.RequestsPerMinute)

	require.NotNil(t, cfg.Trackers.Jira)
	assert.Equal(t, []string{"BIM"}, cfg.Trackers.Jira.Projects)
	require.NotNil(t, cfg.Trackers.GitHub)

	dsn := cfg.Source.Postgres.DSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "dbname=ops")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestLoad_RejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing driver",
			content: `
source:
  sqlite:
    path: source.db
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
`,
			wantErr: "source: database driver is required",
		},
		{
			name: "unsupported driver",
			content: `
source:
  driver: oracle
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
`,
			wantErr: "unsupported database driver",
		},
		{
			name: "sqlite without path",
			content: `
source:
  driver: sqlite
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
`,
			wantErr: "sqlite path is required",
		},
		{
			name: "jira without url",
			content: `
source:
  driver: sqlite
  sqlite:
    path: source.db
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
trackers:
  jira:
    username: bot
    token: tok
    projects: [BIM]
`,
			wantErr: "trackers.jira: url is required",
		},
		{
			name: "github repo without owner",
			content: `
source:
  driver: sqlite
  sqlite:
    path: source.db
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
trackers:
  github:
    token: tok
    repositories: [models]
`,
			wantErr: "owner/repo form",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	path := writeConfig(t, `
source:
  driver: sqlite
  sqlite:
    path: source.db
warehouse:
  driver: sqlite
  sqlite:
    path: warehouse.db
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "pipeline_name: issue_warehouse")
	assert.Contains(t, string(out), "path: warehouse.db")
}
