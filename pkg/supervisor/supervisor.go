// Package supervisor runs a local node as a child process.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/erc7824/nodelink/pkg/log"
)

var (
	ErrAlreadyRunning = errors.New("node process already running")
	ErrNoBinary       = errors.New("node binary not configured")
)

// Supervisor owns at most one child process at a time.
type Supervisor struct {
	cfg Config
	lg  log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

func New(cfg Config, lg log.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, lg: log.OrNoop(lg).WithName("supervisor")}
}

// Start launches the node. The child's output is forwarded to the logger.
// The context is only used for logging; the child outlives it and must be
// stopped with Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Binary == "" {
		return ErrNoBinary
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && !isClosed(s.exited) {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args()...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Binary, err)
	}

	lg := s.lg.WithKV("pid", cmd.Process.Pid)
	lg.Info("node process started", "cmd", s.cfg.String())
	log.FromContext(ctx).Debug("spawned managed node", "pid", cmd.Process.Pid)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go forward(&pipes, stdout, lg)
	go forward(&pipes, stderr, lg)

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.exitErr = nil

	go func() {
		pipes.Wait()
		err := cmd.Wait()

		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(exited)

		lg.Info("node process exited", "error", err)
	}()
	return nil
}

// Running reports whether a child is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !isClosed(s.exited)
}

// Pid returns the child's pid, or 0 when nothing runs.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil || isClosed(s.exited) {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited is closed when the current child terminates. It is nil before the
// first Start.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Stop asks the child to terminate and kills its process group if it is
// still alive after the grace period or when ctx ends. Stopping when
// nothing runs is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()

	if cmd == nil || isClosed(exited) {
		return nil
	}

	s.lg.Info("stopping node process", "pid", cmd.Process.Pid)
	if err := terminate(cmd); err != nil {
		s.lg.Warn("graceful stop failed", "error", err)
	}

	timer := time.NewTimer(s.cfg.grace())
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.lg.Warn("node did not exit in time, killing", "pid", cmd.Process.Pid, "grace", s.cfg.grace())
	if err := killProcGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill node: %w", err)
	}
	<-exited
	return nil
}

func forward(wg *sync.WaitGroup, r io.Reader, lg log.Logger) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lg.Debug(sc.Text())
	}
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
