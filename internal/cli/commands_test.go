package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/exposurelog/internal/config"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/query"
)

const registryFixture = `instruments: [LATISS]
exposures:
  - obs_id: AT_O_20240315_000001
    instrument: LATISS
    day_obs: 20240315
    seq_num: 1
  - obs_id: AT_O_20240315_000002
    instrument: LATISS
    day_obs: 20240315
    seq_num: 2
`

// setupEnv points the configuration at a fresh database and a fixture
// registry and returns the database path.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fixture := filepath.Join(dir, "butler.yaml")
	require.NoError(t, os.WriteFile(fixture, []byte(registryFixture), 0o644))
	dbPath := filepath.Join(dir, "exposurelog.db")

	t.Setenv(config.EnvSiteID, "test")
	t.Setenv(config.EnvButlerURIPrefix+"1", "file://"+fixture)
	t.Setenv(config.EnvButlerURIPrefix+"2", "")
	t.Setenv(config.EnvButlerURIPrefix+"3", "")
	t.Setenv(config.EnvDBPath, dbPath)
	return dbPath
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func executeJSON[T any](t *testing.T, args ...string) T {
	t.Helper()
	out, err := execute(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestMessageLifecycle(t *testing.T) {
	setupEnv(t)

	added := executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000002", "--instrument", "LATISS",
		"--user-id", "alice", "--text", "Dome flat saturated", "--tag", "flat",
		"--level", "10")
	assert.Equal(t, "test", added.SiteID)
	assert.Equal(t, 20240315, added.DayObs)
	assert.Equal(t, 2, added.SeqNum)
	assert.Equal(t, int64(1), added.RevisionNum)
	assert.Equal(t, []string{"flat"}, added.Tags)
	assert.Equal(t, DefaultUserAgent, added.UserAgent)
	assert.True(t, added.IsHuman)

	edited := executeJSON[message.Revision](t, "edit", added.EntryID,
		"--parent", added.RevisionID, "--text", "Dome flat was fine")
	assert.Equal(t, int64(2), edited.RevisionNum)
	assert.Equal(t, added.RevisionID, edited.ParentID)
	assert.Equal(t, "Dome flat was fine", edited.MessageText)
	assert.Equal(t, []string{"flat"}, edited.Tags, "unchanged fields are copied")
	assert.Equal(t, 10, edited.Level)

	page := executeJSON[query.Page](t, "find", "--tag", "flat")
	require.Len(t, page.Messages, 1)
	assert.Equal(t, edited.RevisionID, page.Messages[0].RevisionID)

	history := executeJSON[[]message.Revision](t, "history", added.EntryID)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsValid)
	assert.True(t, history[1].IsValid)

	tomb := executeJSON[message.Revision](t, "delete", added.EntryID)
	assert.True(t, tomb.Deleted)

	page = executeJSON[query.Page](t, "find", "--tag", "flat")
	assert.Empty(t, page.Messages)
	assert.Equal(t, 0, page.Count)
}

func TestEditStaleParent(t *testing.T) {
	setupEnv(t)

	added := executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000001", "--instrument", "LATISS",
		"--user-id", "alice", "--text", "first")
	executeJSON[message.Revision](t, "edit", added.EntryID, "--text", "second")

	out, err := execute(t, "--format", "json", "edit", added.EntryID,
		"--parent", added.RevisionID, "--text", "third")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
	assert.Equal(t, added.EntryID, resp.Error.EntryID)
}

func TestAddUnknownExposure(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "add", "--obs-id", "AT_O_20240315_000099", "--instrument", "LATISS",
		"--user-id", "alice", "--text", "where is it")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "add message failed")
}

func TestAddRequiresFlags(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "add", "--obs-id", "AT_O_20240315_000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestFindTextOutput(t *testing.T) {
	setupEnv(t)

	executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000001", "--instrument", "LATISS",
		"--user-id", "alice", "--text", "Bias frames look clean")
	executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000002", "--instrument", "LATISS",
		"--user-id", "bob", "--text", "Tracking drifted")

	out, err := execute(t, "find", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracking drifted")
	assert.Contains(t, out, "1 message")
	assert.Contains(t, out, "more: --cursor ")

	out, err = execute(t, "find", "--text", "BIAS")
	require.NoError(t, err)
	assert.Contains(t, out, "Bias frames look clean")
	assert.NotContains(t, out, "Tracking drifted")
}

func TestMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fresh.db")

	out, err := execute(t, "migrate", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")
	assert.FileExists(t, dbPath)

	result := executeJSON[MigrateResult](t, "migrate", "--db", dbPath)
	assert.Equal(t, 1, result.SchemaVersion)
}

func TestConfigCommand(t *testing.T) {
	dbPath := setupEnv(t)

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "site_id: test")
	assert.Contains(t, out, "db_path: "+dbPath)

	cfg := executeJSON[config.Config](t, "config")
	assert.Equal(t, "test", cfg.SiteID)
	assert.Len(t, cfg.ButlerURIs, 1)
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv(config.EnvSiteID, "")

	_, err := execute(t, "find")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestServe(t *testing.T) {
	setupEnv(t)

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", EnvFile: ""},
		Listen:      "127.0.0.1:0",
		Ready:       ready,
	}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/exposurelog/configuration")
	require.NoError(t, err)
	var got logbook.Configuration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "test", got.SiteID)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestFindRangeFlags(t *testing.T) {
	setupEnv(t)

	executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000001", "--instrument", "LATISS",
		"--user-id", "alice", "--text", "Bias frames look clean")
	second := executeJSON[logbook.Added](t, "add",
		"--obs-id", "AT_O_20240315_000002", "--instrument", "LATISS",
		"--user-id", "bob", "--text", "Tracking drifted")

	page := executeJSON[query.Page](t, "find", "--min-seq-num", "2")
	require.Len(t, page.Messages, 1)
	assert.Equal(t, second.EntryID, page.Messages[0].EntryID)

	page = executeJSON[query.Page](t, "find", "--max-seq-num", "2", "--site-id", "test")
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 1, page.Messages[0].SeqNum)

	page = executeJSON[query.Page](t, "find", "--site-id", "other")
	assert.Empty(t, page.Messages)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	page = executeJSON[query.Page](t, "find", "--min-date-added", future)
	assert.Empty(t, page.Messages)
	page = executeJSON[query.Page](t, "find", "--max-date-added", future)
	assert.Len(t, page.Messages, 2)
}

func TestFindBadDate(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "--format", "json", "find", "--min-date-added", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}
