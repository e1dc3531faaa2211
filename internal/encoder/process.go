package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// maxLogLine bounds how much partial output is buffered before it is flushed
// as a line.
const maxLogLine = 4096

// proc is one launched encoder process in its own process group.
type proc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
	exited    chan struct{}
	waitErr   error
	stdinOnce sync.Once
}

func spawn(inv Invocation, waitDelay time.Duration, logger *slog.Logger) (*proc, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, err
	}

	p := &proc{
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now().UTC(),
		exited:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		if w, ok := cmd.Stdout.(*logWriter); ok {
			w.Flush()
		}
		if w, ok := cmd.Stderr.(*logWriter); ok {
			w.Flush()
		}
		close(p.exited)
	}()
	return p, nil
}

func (p *proc) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitStatus reports the exit code and, when the process was killed by a
// signal, that signal. It must only be called after exited is closed.
func (p *proc) exitStatus() (int, syscall.Signal) {
	state := p.cmd.ProcessState
	if state == nil {
		return -1, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal()
	}
	return state.ExitCode(), 0
}

// quit asks the encoder to finish by writing its interactive quit command.
func (p *proc) quit() {
	p.stdinOnce.Do(func() {
		_, _ = io.WriteString(p.stdin, "q\n")
		_ = p.stdin.Close()
	})
}

// terminate escalates from the quit command to SIGTERM and finally SIGKILL
// against the whole process group.
func (p *proc) terminate(ctx context.Context, grace, termWait time.Duration, logger *slog.Logger) {
	p.quit()
	if waitExit(ctx, p.exited, grace) {
		return
	}
	pid := p.pid()
	logger.Warn("encoder ignored quit, sending SIGTERM", "pid", pid, "grace", grace)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		logger.Warn("signal encoder group", "pid", pid, "signal", "SIGTERM", "error", err)
	}
	if waitExit(ctx, p.exited, termWait) {
		return
	}
	logger.Warn("encoder still running, sending SIGKILL", "pid", pid)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		logger.Warn("signal encoder group", "pid", pid, "signal", "SIGKILL", "error", err)
	}
}

func waitExit(ctx context.Context, exited <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// signalGroup delivers sig to every process in the group led by pid. A group
// that no longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ProcessAlive reports whether the operating system still knows pid.
func ProcessAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && exists
}

// TerminateGroup stops an encoder this process did not launch, such as one
// left behind by an earlier daemon. It sends SIGTERM to the group, waits up
// to wait for the leader to disappear and then sends SIGKILL.
func TerminateGroup(ctx context.Context, pid int, wait time.Duration) error {
	if pid <= 0 || !ProcessAlive(ctx, pid) {
		return nil
	}
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate encoder group %d: %w", pid, err)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !ProcessAlive(ctx, pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill encoder group %d: %w", pid, err)
	}
	return nil
}

// logWriter forwards process output to the logger one line at a time.
type logWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			w.buf = append(w.buf, p...)
			if len(w.buf) >= maxLogLine {
				w.emit(w.buf)
				w.buf = w.buf[:0]
			}
			break
		}
		w.buf = append(w.buf, p[:idx]...)
		w.emit(w.buf)
		w.buf = w.buf[:0]
		p = p[idx+1:]
	}
	return total, nil
}

// Flush logs any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = w.buf[:0]
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.Info("encoder output", "stream", w.stream, "line", string(line))
}
