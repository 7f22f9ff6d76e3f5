// Package prochost starts and supervises the terminal and debug-adapter
// processes behind shared workspace resources. The collaboration engine
// only fans process I/O out to attachees; isolation and lifecycle live
// here.
package prochost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collabspace/utils"
)

// ErrUnknownProcess is returned for operations on a process id the host is
// not tracking (never started, or already stopped).
var ErrUnknownProcess = errors.New("prochost: unknown process")

// Spec describes a process to start.
type Spec struct {
	Command string
	Args    []string
	Cwd     string
}

// OutputFunc receives a chunk of combined stdout/stderr output.
type OutputFunc func(data []byte)

// Host starts and stops processes and streams their I/O.
type Host interface {
	Start(ctx context.Context, spec Spec) (string, error)
	Write(processID string, data []byte) error
	OnOutput(processID string, fn OutputFunc) error
	Stop(processID string) error
}

// ExecHost runs processes locally via os/exec. Output is pumped on a
// dedicated goroutine per stream and delivered to registered callbacks in
// arrival order.
type ExecHost struct {
	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	group *errgroup.Group

	mu        sync.Mutex
	callbacks []OutputFunc
}

// NewExecHost creates a Host backed by local processes.
func NewExecHost() *ExecHost {
	return &ExecHost{procs: make(map[string]*process)}
}

// Start launches the process described by spec and begins pumping its
// output. The returned id is valid until Stop or process exit.
func (h *ExecHost) Start(_ context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return "", errors.New("prochost: empty command")
	}
	// Deliberately not CommandContext: the process outlives the request
	// that created it and is reaped by Stop or its own exit.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("prochost: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("prochost: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("prochost: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("prochost: start %s: %w", spec.Command, err)
	}

	p := &process{
		id:    uuid.New().String(),
		cmd:   cmd,
		stdin: stdin,
		group: &errgroup.Group{},
	}
	p.group.Go(func() error { return p.pump(stdout) })
	p.group.Go(func() error { return p.pump(stderr) })

	h.mu.Lock()
	h.procs[p.id] = p
	h.mu.Unlock()

	// Reap the process once both streams drain so a self-exiting process
	// does not linger as a zombie.
	go func() {
		_ = p.group.Wait()
		if err := cmd.Wait(); err != nil {
			utils.LogInfo("process exited", "process_id", p.id, "err", err)
		}
		h.mu.Lock()
		delete(h.procs, p.id)
		h.mu.Unlock()
	}()

	return p.id, nil
}

func (p *process) pump(r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			callbacks := append([]OutputFunc(nil), p.callbacks...)
			p.mu.Unlock()
			for _, fn := range callbacks {
				fn(chunk)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Write forwards data to the process's stdin.
func (h *ExecHost) Write(processID string, data []byte) error {
	p, ok := h.lookup(processID)
	if !ok {
		return ErrUnknownProcess
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("prochost: write to %s: %w", processID, err)
	}
	return nil
}

// OnOutput registers a callback for the process's combined output. Output
// produced before registration is not replayed.
func (h *ExecHost) OnOutput(processID string, fn OutputFunc) error {
	p, ok := h.lookup(processID)
	if !ok {
		return ErrUnknownProcess
	}
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
	return nil
}

// Stop terminates the process. Stopping an unknown id is a no-op so
// teardown paths can be idempotent.
func (h *ExecHost) Stop(processID string) error {
	p, ok := h.lookup(processID)
	if !ok {
		return nil
	}
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	h.mu.Lock()
	delete(h.procs, processID)
	h.mu.Unlock()
	return nil
}

func (h *ExecHost) lookup(processID string) (*process, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[processID]
	return p, ok
}
