package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/core"
	"matrixci/internal/host"
)

func newAgent(t *testing.T, local *host.Local) (*Server, *host.Remote) {
	t.Helper()
	s := NewServer(local, nil)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, host.NewRemote(ts.URL + "/")
}

func TestRemoteHostRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, remote := newAgent(t, &host.Local{Root: root})

	env := core.Environment{OS: "linux", Toolchain: "stable", Entry: core.MatrixEntry{{Name: "os", Value: "linux"}}}
	ws, err := remote.Provision(context.Background(), env)
	require.NoError(t, err)

	res, err := ws.Run(context.Background(), core.Command{Executable: "sh", Args: []string{"-c", "echo $CI_OS $GREETING"}},
		map[string]string{"GREETING": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "linux hi\n", res.Output)

	res, err = ws.Run(context.Background(), core.Command{Executable: "sh", Args: []string{"-c", "echo nope; exit 2"}}, nil)
	require.NoError(t, err, "a non-zero exit is a result, not a transport error")
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "nope\n", res.Output)

	s.mu.Lock()
	held := len(s.workspaces)
	s.mu.Unlock()
	assert.Equal(t, 1, held)

	require.NoError(t, ws.Close())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directory removed on release")

	assert.Error(t, ws.Close(), "second release is unknown to the agent")
}

func TestRemoteProvisionFailure(t *testing.T) {
	_, remote := newAgent(t, &host.Local{Root: t.TempDir(), Platforms: []string{"linux"}})

	_, err := remote.Provision(context.Background(), core.Environment{OS: "windows"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "not available")
}

func TestRemoteRunStartFailureCarriesError(t *testing.T) {
	_, remote := newAgent(t, &host.Local{Root: t.TempDir()})

	ws, err := remote.Provision(context.Background(), core.Environment{OS: "linux"})
	require.NoError(t, err)
	defer ws.Close()

	res, err := ws.Run(context.Background(), core.Command{Executable: "matrixci-no-such-binary"}, nil)
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, err.Error(), "502")
}

func TestAgentRoutes(t *testing.T) {
	s := NewServer(&host.Local{Root: t.TempDir()}, nil)
	defer s.Close()
	h := s.Routes()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/healthz", http.StatusNoContent},
		{"run unknown workspace", http.MethodPost, "/v1/workspaces/missing/run", http.StatusNotFound},
		{"release unknown workspace", http.MethodDelete, "/v1/workspaces/missing", http.StatusNotFound},
		{"provision bad body", http.MethodPost, "/v1/workspaces", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRunnerOnRemoteHost(t *testing.T) {
	_, remote := newAgent(t, &host.Local{Root: t.TempDir()})

	p, err := core.ParsePipeline([]byte(`
triggers: [pull_request]
matrix:
  axes:
    os: [linux]
    toolchain: [stable, beta]
job:
  steps:
    - name: greet
      command: [sh, -c, "echo {{ matrix.toolchain }}"]
    - name: fail-on-beta
      command: [sh, -c, "test $CI_TOOLCHAIN != beta"]
`))
	require.NoError(t, err)
	r, err := core.NewRunner(p, remote, core.Options{})
	require.NoError(t, err)

	result, ok, err := r.Run(context.Background(), core.PullRequestEvent(5, "master"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, core.RunFailed, result.Status)
	assert.Equal(t, 1, result.Count(core.JobSucceeded))
	assert.Equal(t, 1, result.Count(core.JobFailed))
	for _, j := range result.Jobs {
		if j.Entry == "os=linux,toolchain=beta" {
			assert.Equal(t, "fail-on-beta", j.FailedStep)
		}
	}
}
