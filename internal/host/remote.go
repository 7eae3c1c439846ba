package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"matrixci/internal/core"
)

// ProvisionRequest is the agent wire format for creating a workspace.
type ProvisionRequest struct {
	Environment core.Environment `json:"environment"`
}

// ProvisionResponse names the workspace the agent created.
type ProvisionResponse struct {
	ID string `json:"id"`
}

// RunRequest is the agent wire format for running one command.
type RunRequest struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ErrorResponse is returned by the agent on failure. Output carries
// whatever the command printed before it could not complete.
type ErrorResponse struct {
	Error  string `json:"error"`
	Output string `json:"output,omitempty"`
}

// Remote provisions workspaces on an agent over HTTP.
type Remote struct {
	BaseURL string
	Client  *http.Client
}

// NewRemote returns a Remote for the agent at baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

func (r *Remote) Provision(ctx context.Context, env core.Environment) (core.Workspace, error) {
	var resp ProvisionResponse
	if err := r.do(ctx, http.MethodPost, "/v1/workspaces", ProvisionRequest{Environment: env}, &resp); err != nil {
		return nil, fmt.Errorf("agent provision: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("agent provision: empty workspace id")
	}
	return &remoteWorkspace{remote: r, id: resp.ID}, nil
}

type remoteWorkspace struct {
	remote *Remote
	id     string
}

func (w *remoteWorkspace) Run(ctx context.Context, cmd core.Command, env map[string]string) (core.CommandResult, error) {
	var res core.CommandResult
	err := w.remote.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(w.id)+"/run",
		RunRequest{Executable: cmd.Executable, Args: cmd.Args, Env: env}, &res)
	if err != nil {
		var remoteErr *agentError
		if errors.As(err, &remoteErr) {
			return core.CommandResult{ExitCode: -1, Output: remoteErr.output}, err
		}
		return core.CommandResult{ExitCode: -1}, err
	}
	return res, nil
}

func (w *remoteWorkspace) Close() error {
	// Release even when the job's context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.remote.do(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(w.id), nil, nil)
}

type agentError struct {
	status  int
	message string
	output  string
}

func (e *agentError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.status, e.message)
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &agentError{status: resp.StatusCode, message: e.Error, output: e.Output}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}
