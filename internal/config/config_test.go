package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := Load(Options{Getenv: env(map[string]string{
		EnvSiteID:           "summit",
		"BUTLER_URI_1":      "https://butler.example.org/repo",
		"BUTLER_URI_2":      "file:///data/fixture.yaml",
		EnvDBPath:           "/var/lib/exposurelog.db",
		EnvButlerTimeout:    "2s",
		EnvNegativeCacheTTL: "1m",
		EnvLogLevel:         "debug",
	})})
	require.NoError(t, err)

	assert.Equal(t, "summit", cfg.SiteID)
	assert.Equal(t, []string{"https://butler.example.org/repo", "file:///data/fixture.yaml"}, cfg.ButlerURIs)
	assert.Equal(t, "/var/lib/exposurelog.db", cfg.DBPath)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.Butler.Timeout)
	assert.Equal(t, time.Minute, cfg.Butler.NegativeTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "exposurelog.yaml", `
site_id: base
butler_uris: [https://base.example.org/repo]
sites:
  summit: [https://summit.example.org/repo, https://summit.example.org/embargo]
listen: 127.0.0.1:9000
butler:
  timeout: 3s
  sweep_cron: "*/5 * * * *"
  max_retries: 4
`)
	cfg, err := Load(Options{File: path, Getenv: env(map[string]string{EnvAddr: ":7000"})})
	require.NoError(t, err)

	assert.Equal(t, "base", cfg.SiteID)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 3*time.Second, cfg.Butler.Timeout)
	assert.Equal(t, 4, cfg.Butler.MaxRetries)
	assert.Equal(t, "*/5 * * * *", cfg.Butler.SweepCron)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().Butler.Burst, cfg.Butler.Burst)

	assert.Equal(t, []string{"base", "summit"}, cfg.SiteNames())
	assert.Len(t, cfg.AllSites()["summit"], 2)
}

func TestLoad_DotEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "SITE_ID=tucson\nBUTLER_URI_1=file:///tmp/a.yaml\nEXPOSURELOG_ADDR=:1234\n")
	cfg, err := Load(Options{EnvFile: dotenv, Getenv: env(map[string]string{EnvAddr: ":5678"})})
	require.NoError(t, err)

	assert.Equal(t, "tucson", cfg.SiteID)
	// The process environment wins over .env.
	assert.Equal(t, ":5678", cfg.Listen)

	_, err = Load(Options{EnvFile: filepath.Join(t.TempDir(), "missing.env"), Getenv: env(map[string]string{
		EnvSiteID:      "x",
		"BUTLER_URI_1": "file:///a.yaml",
	})})
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	valid := map[string]string{EnvSiteID: "summit", "BUTLER_URI_1": "https://b.example.org"}
	with := func(k, v string) map[string]string {
		out := map[string]string{}
		for key, val := range valid {
			out[key] = val
		}
		out[k] = v
		return out
	}

	tests := []struct {
		name string
		vars map[string]string
	}{
		{"no site", with(EnvSiteID, "")},
		{"site too long", with(EnvSiteID, "a-site-name-longer-than-16")},
		{"no butler", map[string]string{EnvSiteID: "summit"}},
		{"bad scheme", with("BUTLER_URI_1", "postgresql://db")},
		{"bad level", with(EnvLogLevel, "loud")},
		{"zero timeout", with(EnvButlerTimeout, "0s")},
		{"bad duration", with(EnvNegativeCacheTTL, "soon")},
		{"empty listen", with(EnvAddr, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(Options{Getenv: env(tt.vars)})
			assert.Error(t, err)
		})
	}
}

func TestValidate_Cron(t *testing.T) {
	cfg := Default()
	cfg.SiteID = "summit"
	cfg.ButlerURIs = []string{"https://b.example.org"}
	require.NoError(t, cfg.Validate())

	cfg.Butler.SweepCron = "every minute"
	assert.Error(t, cfg.Validate())
}

func TestValidate_TooManyButlers(t *testing.T) {
	cfg := Default()
	cfg.SiteID = "summit"
	cfg.ButlerURIs = []string{"file:///1", "file:///2", "file:///3", "file:///4"}
	assert.Error(t, cfg.Validate())
}

func TestOpenRegistries(t *testing.T) {
	fixture := writeFile(t, "reg.yaml", "instruments: [LATISS]\nexposures: []\n")
	cfg := Default()
	cfg.SiteID = "summit"
	cfg.ButlerURIs = []string{"file://" + fixture, "https://b.example.org"}
	require.NoError(t, cfg.Validate())

	regs, err := cfg.OpenRegistries()
	require.NoError(t, err)
	require.Len(t, regs["summit"], 2)
	assert.Equal(t, "https://b.example.org", regs["summit"][1].URI())

	cc := cfg.CorrelatorConfig()
	assert.Equal(t, cfg.Butler.Timeout, cc.Timeout)
	assert.Equal(t, cfg.Butler.SweepCron, cc.SweepCron)
}
