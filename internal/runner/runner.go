// Package runner owns the lifecycle of one worker OS process: start it with
// a serialized configuration on stdin, stream its output into the output
// store, and report how it ended.
package runner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/pkg/model"
)

// Result reports how a worker process ended.
type Result struct {
	ItemID   int64
	State    model.ItemState // FINISHED, FAILED or CANCELLED
	ExitCode int
	Err      error // *model.JobFailure or *model.LostWorkerError when FAILED
}

// Runner executes one item in an isolated OS process.
type Runner struct {
	itemID int64
	argv   []string
	config []byte
	out    *output.Store
	logger *slog.Logger
	grace  time.Duration

	cmd  *exec.Cmd
	done chan Result

	mu        sync.Mutex
	cancelled bool
	waited    bool
}

// New creates a runner for one item. argv is the job entry point command;
// config is the encoded configuration document written to its stdin.
func New(itemID int64, argv []string, config []byte, out *output.Store, grace time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		itemID: itemID,
		argv:   append([]string(nil), argv...),
		config: config,
		out:    out,
		grace:  grace,
		logger: logger.With("component", "runner", "item_id", itemID),
		done:   make(chan Result, 1),
	}
}

// Start launches the worker process and the capture goroutines. The result
// is delivered exactly once on Done.
func (r *Runner) Start() error {
	if len(r.argv) == 0 {
		return errors.New("empty worker command")
	}

	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("CONFIGURUN_ITEM_ID=%d", r.itemID))
	// Own process group, so cancellation reaches the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	r.cmd = cmd
	r.logger.Debug("worker started", "pid", cmd.Process.Pid)

	// Hand the configuration document to the entry point and close stdin so
	// it sees EOF after one document.
	go func() {
		_, werr := stdin.Write(r.config)
		if werr != nil {
			r.logger.Warn("write configuration to worker", "error", werr)
		}
		stdin.Close()
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pump(&pumps, stdout, model.StreamStdout)
	go r.pump(&pumps, stderr, model.StreamStderr)

	go func() {
		pumps.Wait() // capture everything before declaring the process done
		r.done <- r.wait()
	}()
	return nil
}

// Done delivers the single terminal result of the worker.
func (r *Runner) Done() <-chan Result {
	return r.done
}

// Cancel requests termination: SIGTERM, a bounded grace period, then
// SIGKILL. The item reports cancelled regardless of how the process exits.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.cancelled || r.cmd == nil || r.cmd.Process == nil {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	proc := r.cmd.Process
	r.mu.Unlock()

	r.logger.Info("cancelling worker", "pid", proc.Pid, "grace", r.grace)
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		r.logger.Debug("sigterm", "error", err)
	}

	go func() {
		timer := time.NewTimer(r.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.mu.Lock()
			exited := r.waited
			r.mu.Unlock()
			if !exited {
				r.logger.Warn("grace period expired, killing worker", "pid", proc.Pid)
				_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
			}
		case res := <-r.done:
			// Already finished; put the result back for the real consumer.
			r.done <- res
		}
	}()
}

// pump copies one stream into the output store in arrival order.
func (r *Runner) pump(wg *sync.WaitGroup, rd io.Reader, tag model.StreamTag) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if _, aerr := r.out.Append(r.itemID, tag, chunk); aerr != nil {
				r.logger.Error("append output", "stream", tag, "error", aerr)
			}
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("stream closed", "stream", tag, "error", err)
			}
			return
		}
	}
}

// wait reaps the process and classifies the outcome.
func (r *Runner) wait() Result {
	err := r.cmd.Wait()

	r.mu.Lock()
	r.waited = true
	cancelled := r.cancelled
	r.mu.Unlock()

	res := Result{ItemID: r.itemID}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.State = model.ItemStateFinished
		res.ExitCode = 0

	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		switch {
		case cancelled:
			res.State = model.ItemStateCancelled
		case signalled(exitErr):
			// Died from a signal we never sent: the worker is lost, not a
			// normal job failure.
			res.State = model.ItemStateFailed
			res.Err = &model.LostWorkerError{ItemID: r.itemID, Detail: exitErr.Error()}
		default:
			res.State = model.ItemStateFailed
			res.Err = &model.JobFailure{ItemID: r.itemID, ExitCode: res.ExitCode}
		}

	default:
		// Wait itself failed: no completion signal was ever observed.
		res.ExitCode = -1
		if cancelled {
			res.State = model.ItemStateCancelled
		} else {
			res.State = model.ItemStateFailed
			res.Err = &model.LostWorkerError{ItemID: r.itemID, Detail: err.Error()}
		}
	}

	r.logger.Debug("worker done", "state", res.State, "exit_code", res.ExitCode)
	return res
}

// signalled reports whether the process was terminated by a signal.
func signalled(err *exec.ExitError) bool {
	ws, ok := err.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
