package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/scarson/taskq/internal/queue"
)

// ReadyFDEnv names the environment variable that tells a worker process
// which inherited file descriptor to write its readiness byte to.
const ReadyFDEnv = "TASKQ_READY_FD"

// ListenerIDEnv carries the listener identity a worker process registers
// under. The supervisor derives it from its own identity and the worker's
// slot, so a replacement worker reuses the identity of the one it replaces.
const ListenerIDEnv = "TASKQ_LISTENER_ID"

// readyFD is the child's descriptor for ExtraFiles[0].
const readyFD = 3

// errExitedBeforeReady is returned by WaitReady when the worker closed its end
// of the readiness pipe, normally by exiting, without signalling.
var errExitedBeforeReady = errors.New("worker exited before it began listening")

// Handle is the supervisor's view of one worker process.
type Handle interface {
	Pid() int
	// Alive reports, without blocking, whether the process is still running.
	Alive() bool
	// WaitReady blocks until the worker has begun polling, the worker exits,
	// or ctx is done.
	WaitReady(ctx context.Context) error
	// Signal delivers sig to the worker's process group.
	Signal(sig syscall.Signal) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is the process exit status, or -1 while it is running or if
	// it was killed by a signal.
	ExitCode() int
}

// Spawner starts worker processes. slot is the worker's position in
// [0, Concurrency); it is stable across replacements.
type Spawner interface {
	Spawn(ctx context.Context, slot int) (Handle, error)
}

// ExecSpawner starts workers by executing Path with Args in a new session.
// The child inherits the write end of a pipe as fd 3 and the current
// environment plus Env, ReadyFDEnv and ListenerIDEnv.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
	// ListenerPrefix is joined with the slot to form the worker's listener
	// ID. Defaults to queue.DefaultListenerID() of the spawning process.
	ListenerPrefix string
	Stdout         io.Writer
	Stderr         io.Writer
}

// Spawn starts one worker process for slot and returns without waiting for it.
func (s *ExecSpawner) Spawn(_ context.Context, slot int) (Handle, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ready pipe: %w", err)
	}

	cmd := exec.Command(s.Path, s.Args...) //nolint:gosec // Path is our own executable
	prefix := s.ListenerPrefix
	if prefix == "" {
		prefix = queue.DefaultListenerID()
	}
	cmd.Env = append(append(os.Environ(), s.Env...),
		ReadyFDEnv+"="+strconv.Itoa(readyFD),
		fmt.Sprintf("%s=%s_%d", ListenerIDEnv, prefix, slot),
	)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// A new session detaches the worker from our controlling terminal, so a
	// Ctrl-C aimed at the supervisor does not reach tasks directly; the
	// supervisor forwards signals itself on shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// Only the child may hold the write end, otherwise a dead child would
	// never produce EOF.
	_ = w.Close()

	p := &process{
		cmd:      cmd,
		done:     make(chan struct{}),
		ready:    make(chan error, 1),
		exitCode: -1,
	}
	go p.wait()
	go p.awaitReady(r)
	return p, nil
}

type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	ready    chan error
	exitCode int // written before done is closed
}

func (p *process) wait() {
	_ = p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.done)
}

func (p *process) awaitReady(r *os.File) {
	defer r.Close() //nolint:errcheck
	buf := make([]byte, 1)
	n, err := r.Read(buf)
	switch {
	case n == 1:
		p.ready <- nil
	case err == nil || errors.Is(err, io.EOF):
		p.ready <- errExitedBeforeReady
	default:
		p.ready <- fmt.Errorf("read ready pipe: %w", err)
	}
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) WaitReady(ctx context.Context) error {
	select {
	case err := <-p.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal targets the process group so that anything the task started, such
// as a shell pipeline, receives the signal too.
func (p *process) Signal(sig syscall.Signal) error {
	if !p.Alive() {
		return nil
	}
	if err := syscall.Kill(-p.Pid(), sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal worker %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) ExitCode() int {
	if p.Alive() {
		return -1
	}
	return p.exitCode
}

// SignalReady writes the readiness byte to the descriptor named by
// ReadyFDEnv and closes it. It is a no-op when the variable is unset, so a
// worker started by hand works too.
func SignalReady() error {
	v := os.Getenv(ReadyFDEnv)
	if v == "" {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", ReadyFDEnv, err)
	}
	f := os.NewFile(uintptr(fd), "taskq-ready")
	if f == nil {
		return fmt.Errorf("invalid ready fd %d", fd)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write([]byte{1}); err != nil {
		return fmt.Errorf("write ready byte: %w", err)
	}
	return nil
}
