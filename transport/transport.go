// Package transport spawns an LSP server subprocess and multiplexes
// concurrent requests and notifications over its stdio, translating the
// JSON-RPC 2.0 wire protocol into a Go API built on context.Context,
// channels, and goroutines.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/jsonrpc"
)

// ProcessLaunchInfo describes how to start a backend's language server
// subprocess: the executable, its arguments, and the working directory the
// process should run from (normally the workspace root).
type ProcessLaunchInfo struct {
	Command string
	Args    []string
	Dir     string
}

// lifecycle abstracts "the thing Transport is talking to has exited" so the
// same read/write/shutdown plumbing works whether that thing is a real
// os/exec subprocess or, in tests, an in-process mocklsp.Server connected
// through io.Pipe.
type lifecycle interface {
	// wait blocks until the underlying process/goroutine has exited.
	wait()
	// kill forcibly terminates it. Called only if graceful shutdown stalls.
	kill() error
}

type cmdLifecycle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (c *cmdLifecycle) wait() { <-c.done }

func (c *cmdLifecycle) kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// pipeLifecycle backs a Transport wired directly to reader/writer pipes
// (mocklsp in tests) with no real process to kill; Stop's exit notification
// is expected to make the peer close its side, which readStdout observes
// as io.EOF and signals through done.
type pipeLifecycle struct {
	done chan struct{}
}

func (p *pipeLifecycle) wait() { <-p.done }
func (p *pipeLifecycle) kill() error { return nil }

// Transport owns a running subprocess (or, in tests, a pipe-connected mock)
// and the Multiplexer that speaks JSON-RPC over its stdin/stdout. Stderr,
// when present, is logged line by line rather than parsed, matching how LSP
// servers use it purely for diagnostics text.
type Transport struct {
	*Multiplexer

	logger *zap.Logger
	stdin  io.WriteCloser
	life   lifecycle

	stopOnce sync.Once
}

// Spawn starts the subprocess described by info and begins servicing its
// stdout and stderr in background goroutines. The returned Transport is
// ready for SendRequest/SendNotification immediately; callers still need to
// perform the LSP initialize handshake themselves.
func Spawn(info ProcessLaunchInfo, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(info.Command, info.Args...)
	cmd.Dir = info.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: info.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: info.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: info.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: info.Command, Err: err}
	}

	life := &cmdLifecycle{cmd: cmd, done: make(chan struct{})}

	t := &Transport{
		Multiplexer: New(stdin, logger),
		logger:      logger,
		stdin:       stdin,
		life:        life,
	}

	go t.readStdout(stdout)
	go t.readStderr(stderr)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("backend process exited", zap.Error(err))
		}
		close(life.done)
		t.Multiplexer.Shutdown(ErrCancelled)
	}()

	return t, nil
}

// NewFromPipes wires a Transport directly to an in-process peer (mocklsp in
// tests) instead of a real subprocess. No process is started or killed;
// Stop relies on the exit notification making the peer close its end,
// which readStdout observes as io.EOF.
func NewFromPipes(stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	life := &pipeLifecycle{done: make(chan struct{})}
	t := &Transport{
		Multiplexer: New(stdin, logger),
		logger:      logger,
		stdin:       stdin,
		life:        life,
	}
	go func() {
		t.readStdout(stdout)
		close(life.done)
		t.Multiplexer.Shutdown(ErrCancelled)
	}()
	return t
}

func (t *Transport) readStdout(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		raw, err := jsonrpc.DecodeFrame(r)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("stdout reader stopped", zap.Error(err))
			}
			return
		}
		t.HandleInbound(raw)
	}
}

func (t *Transport) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	// Analyzer stderr lines (pyright/pyrefly/ty logging, stack traces) can
	// exceed bufio.Scanner's default 64KiB line cap.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Error("backend stderr", zap.String("line", scanner.Text()))
	}
}

// Stop performs the LSP graceful shutdown sequence (shutdown request, exit
// notification), waits briefly for the peer to exit on its own, and
// force-kills it otherwise. Safe to call more than once.
func (t *Transport) Stop(ctx context.Context) error {
	var stopErr error
	t.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := t.SendRequest(shutdownCtx, "shutdown", nil); err != nil {
			t.logger.Debug("shutdown request failed", zap.Error(err))
		}
		if err := t.SendNotification(ctx, "exit", nil); err != nil {
			t.logger.Debug("exit notification failed", zap.Error(err))
		}

		waited := make(chan struct{})
		go func() {
			t.life.wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			t.logger.Warn("backend did not exit after shutdown/exit, killing")
			if err := t.life.kill(); err != nil {
				stopErr = fmt.Errorf("kill backend process: %w", err)
			}
			<-waited
		}

		_ = t.stdin.Close()
	})
	return stopErr
}
