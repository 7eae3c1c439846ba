package core

import (
	"context"
	"sync"
)

// fakeHost records every command it runs. Commands named in fail exit 1,
// and when gate is non-nil every command waits for it to close. With
// ignoreCtx set, gated commands keep waiting after cancellation.
type fakeHost struct {
	mu          sync.Mutex
	calls       map[string][]string
	running     int
	maxRunning  int
	provisioned int
	released    int

	fail         func(env Environment, cmd Command) bool
	provisionErr func(env Environment) error
	gate         chan struct{}
	ignoreCtx    bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{calls: make(map[string][]string)}
}

func (h *fakeHost) Provision(_ context.Context, env Environment) (Workspace, error) {
	if h.provisionErr != nil {
		if err := h.provisionErr(env); err != nil {
			return nil, err
		}
	}
	h.mu.Lock()
	h.provisioned++
	h.mu.Unlock()
	return &fakeWorkspace{host: h, env: env}, nil
}

func (h *fakeHost) commands(entryKey string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls[entryKey]...)
}

func (h *fakeHost) active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

type fakeWorkspace struct {
	host *fakeHost
	env  Environment
}

func (w *fakeWorkspace) Run(ctx context.Context, cmd Command, _ map[string]string) (CommandResult, error) {
	h := w.host
	h.mu.Lock()
	h.calls[w.env.Entry.Key()] = append(h.calls[w.env.Entry.Key()], cmd.String())
	h.running++
	if h.running > h.maxRunning {
		h.maxRunning = h.running
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running--
		h.mu.Unlock()
	}()

	if h.gate != nil && h.ignoreCtx {
		<-h.gate
	} else if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return CommandResult{ExitCode: -1}, ctx.Err()
		}
	}
	if h.fail != nil && h.fail(w.env, cmd) {
		return CommandResult{ExitCode: 1, Output: "boom\n"}, nil
	}
	return CommandResult{Output: "ok: " + cmd.String() + "\n"}, nil
}

func (w *fakeWorkspace) Close() error {
	w.host.mu.Lock()
	w.host.released++
	w.host.mu.Unlock()
	return nil
}
