package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intacct-extractor/internal/testutil"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

func writeConfig(t *testing.T, api *testutil.MockIntacctAPI) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	content := fmt.Sprintf(`
authorization:
  id: auth-1
  app_key: client
  app_secret: secret
  data:
    refresh_token: rt-0
api:
  base_url: %s
reliability:
  retry_attempts: 1
  refresh_attempts: 1
state:
  backend: file
  path: %s
output:
  directory: %s
metrics:
  enabled: false
endpoints:
  - endpoint: vendor
    destination:
      load_type: incremental_load
      primary_key: [key]
`, api.URL(), filepath.Join(dir, "state"), filepath.Join(dir, "out"))
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dir
}

func newAPI(t *testing.T) *testutil.MockIntacctAPI {
	t.Helper()
	api := testutil.NewMockIntacctAPI(&testutil.MockObject{
		Name:    "vendor",
		IDField: "key",
		Fields:  []string{"key", "WHENMODIFIED"},
		Records: []map[string]interface{}{
			{"key": "1", "WHENMODIFIED": "2024-01-01T00:00:00Z"},
			{"key": "2", "WHENMODIFIED": "2024-01-02T00:00:00Z"},
		},
	})
	t.Cleanup(api.Close)
	return api
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", errors.New(errors.ErrorTypeConfig, "bad"), exitUser},
		{"authentication", errors.New(errors.ErrorTypeAuthentication, "revoked"), exitUser},
		{"protocol", errors.New(errors.ErrorTypeProtocol, "shape"), exitUser},
		{"transient", errors.New(errors.ErrorTypeTransient, "503"), exitUser},
		{"state", errors.New(errors.ErrorTypeState, "disk"), exitInternal},
		{"plain", fmt.Errorf("boom"), exitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute([]string{"version"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout.String(), "intacct-extractor v"+version)
}

func TestMissingConfigIsUserError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute([]string{"test-connection", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	assert.Equal(t, exitUser, code)
	assert.Contains(t, stderr.String(), "failed to read config file")
}

func TestRunCommand(t *testing.T) {
	api := newAPI(t)
	api.AcceptRefreshToken("rt-0")
	path, dir := writeConfig(t, api)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", "--config", path}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), `"status":"success"`)
	assert.FileExists(t, filepath.Join(dir, "out", "vendor.csv"))

	backend, err := state.NewFileBackend(filepath.Join(dir, "state"), "state")
	require.NoError(t, err)
	doc, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", doc.Credentials.RefreshToken)
	assert.Equal(t, "2024-01-02T00:00:00Z", doc.Objects["vendor"].LastWatermark)
}

func TestRunCommandWithRevokedToken(t *testing.T) {
	api := newAPI(t)
	path, _ := writeConfig(t, api)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", "--config", path}, &stdout, &stderr)
	assert.Equal(t, exitUser, code)
	assert.Contains(t, stderr.String(), "vendor (authentication)")
}

func TestListEndpointsCommand(t *testing.T) {
	api := newAPI(t)
	api.AcceptRefreshToken("rt-0")
	path, _ := writeConfig(t, api)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"list-endpoints", "--config", path}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.JSONEq(t, `[{"value":"vendor","label":"vendor"}]`, stdout.String())
}

func TestListColumnsDefaultsToFirstEndpoint(t *testing.T) {
	api := newAPI(t)
	api.AcceptRefreshToken("rt-0")
	path, _ := writeConfig(t, api)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"list-columns", "--config", path}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.JSONEq(t, `[{"value":"key","label":"key"},{"value":"WHENMODIFIED","label":"WHENMODIFIED"}]`, stdout.String())
}

func TestStateBackendOverride(t *testing.T) {
	api := newAPI(t)
	api.AcceptRefreshToken("rt-0")
	path, dir := writeConfig(t, api)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"test-connection", "--config", path, "--state-backend", "memory"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.JSONEq(t, `{"status":"success"}`, stdout.String())
	assert.NoDirExists(t, filepath.Join(dir, "state"))
}
