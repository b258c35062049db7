package runner

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/pkg/model"
)

func testSetup(t *testing.T) (*output.Store, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	out, err := output.Open(filepath.Join(t.TempDir(), "output"), logger)
	if err != nil {
		t.Fatalf("open output store: %v", err)
	}
	t.Cleanup(func() { out.Close() })
	return out, logger
}

func runWorker(t *testing.T, out *output.Store, logger *slog.Logger, itemID int64, script string, config []byte, grace time.Duration) Result {
	t.Helper()
	r := New(itemID, []string{"sh", "-c", script}, config, out, grace, logger)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case res := <-r.Done():
		return res
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not finish")
		return Result{}
	}
}

func collectOutput(t *testing.T, out *output.Store, itemID int64, tag model.StreamTag) string {
	t.Helper()
	recs, err := out.Read(itemID, -1)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var sb strings.Builder
	for _, rec := range recs {
		if rec.Stream == tag {
			sb.Write(rec.Data)
		}
	}
	return sb.String()
}

func TestRun_Success(t *testing.T) {
	out, logger := testSetup(t)

	res := runWorker(t, out, logger, 1, `cat >/dev/null; echo done`, []byte(`{}`), time.Second)
	if res.State != model.ItemStateFinished {
		t.Fatalf("state = %s, want finished (err: %v)", res.State, res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", res.ExitCode)
	}
	if got := collectOutput(t, out, 1, model.StreamStdout); got != "done\n" {
		t.Errorf("stdout = %q, want %q", got, "done\n")
	}
}

func TestRun_ConfigOnStdin(t *testing.T) {
	out, logger := testSetup(t)

	config := []byte(`{"experiment":"alpha","epochs":3}`)
	res := runWorker(t, out, logger, 2, `cat`, config, time.Second)
	if res.State != model.ItemStateFinished {
		t.Fatalf("state = %s, want finished", res.State)
	}
	if got := collectOutput(t, out, 2, model.StreamStdout); got != string(config) {
		t.Errorf("stdout = %q, want the config document", got)
	}
}

func TestRun_ItemIDInEnvironment(t *testing.T) {
	out, logger := testSetup(t)

	res := runWorker(t, out, logger, 42, `cat >/dev/null; echo "$CONFIGURUN_ITEM_ID"`, []byte(`{}`), time.Second)
	if res.State != model.ItemStateFinished {
		t.Fatalf("state = %s, want finished", res.State)
	}
	if got := collectOutput(t, out, 42, model.StreamStdout); got != "42\n" {
		t.Errorf("stdout = %q, want %q", got, "42\n")
	}
}

func TestRun_NonZeroExitIsJobFailure(t *testing.T) {
	out, logger := testSetup(t)

	res := runWorker(t, out, logger, 3, `cat >/dev/null; echo oops >&2; exit 3`, []byte(`{}`), time.Second)
	if res.State != model.ItemStateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", res.ExitCode)
	}
	var jf *model.JobFailure
	if !errors.As(res.Err, &jf) {
		t.Fatalf("err = %v, want JobFailure", res.Err)
	}
	if got := collectOutput(t, out, 3, model.StreamStderr); got != "oops\n" {
		t.Errorf("stderr = %q, want %q", got, "oops\n")
	}
}

func TestRun_SignalDeathIsLostWorker(t *testing.T) {
	out, logger := testSetup(t)

	// The worker kills itself; from the queue's side the process vanished
	// without a completion signal.
	res := runWorker(t, out, logger, 4, `kill -9 $$`, []byte(`{}`), time.Second)
	if res.State != model.ItemStateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	var lw *model.LostWorkerError
	if !errors.As(res.Err, &lw) {
		t.Fatalf("err = %v, want LostWorkerError", res.Err)
	}
	if lw.ItemID != 4 {
		t.Errorf("item_id = %d, want 4", lw.ItemID)
	}
}

func TestCancel_TermHonored(t *testing.T) {
	out, logger := testSetup(t)

	r := New(5, []string{"sh", "-c", `cat >/dev/null; sleep 30`}, []byte(`{}`), out, 5*time.Second, logger)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	r.Cancel()

	select {
	case res := <-r.Done():
		if res.State != model.ItemStateCancelled {
			t.Errorf("state = %s, want cancelled", res.State)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("took %s, SIGTERM should have ended it quickly", elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestCancel_KillAfterGrace(t *testing.T) {
	out, logger := testSetup(t)

	// The worker ignores SIGTERM; only the SIGKILL after the grace period
	// can end it.
	r := New(6, []string{"sh", "-c", `trap "" TERM; cat >/dev/null; while :; do :; done`}, []byte(`{}`), out, 300*time.Millisecond, logger)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	r.Cancel()

	select {
	case res := <-r.Done():
		if res.State != model.ItemStateCancelled {
			t.Errorf("state = %s, want cancelled", res.State)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker survived the grace period kill")
	}
}

func TestStart_MissingBinary(t *testing.T) {
	out, logger := testSetup(t)

	r := New(7, []string{"/nonexistent/worker-binary"}, []byte(`{}`), out, time.Second, logger)
	if err := r.Start(); err == nil {
		t.Fatal("start of missing binary succeeded")
	}
}
