package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// runShell starts a monitored shell command and returns the session.
func runShell(t *testing.T, script string, opts Options) *Session {
	t.Helper()
	s, err := Start(context.Background(), "/bin/sh", []string{"-c", script}, opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

// drain reads the event stream to completion with a deadline.
func drain(t *testing.T, s *Session) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func serialLines(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Source == SourceSerial {
			out = append(out, ev.Line)
		}
	}
	return out
}

func TestCapturesStdoutAndStderr(t *testing.T) {
	s := runShell(t, "echo out-line; echo err-line >&2", Options{})
	events := drain(t, s)

	lines := serialLines(events)
	if len(lines) != 2 {
		t.Fatalf("expected 2 serial lines, got %v", lines)
	}
	seen := map[string]bool{}
	for _, l := range lines {
		seen[l] = true
	}
	if !seen["out-line"] || !seen["err-line"] {
		t.Errorf("stderr not merged into serial stream: %v", lines)
	}

	st := s.Wait()
	if st.Reason != ReasonExited || st.ExitCode != 0 || st.Err != nil {
		t.Errorf("status: %+v", st)
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	s := runShell(t, "i=0; while [ $i -lt 50 ]; do echo line $i; i=$((i+1)); done", Options{BufferSize: 4})
	events := drain(t, s)
	s.Wait()

	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestNoLinesDroppedUnderPressure(t *testing.T) {
	// A small buffer forces the producers to block rather than drop.
	const n = 500
	s := runShell(t, fmt.Sprintf("i=0; while [ $i -lt %d ]; do echo payload $i; i=$((i+1)); done", n), Options{BufferSize: 8})
	events := drain(t, s)
	s.Wait()

	if len(events) != n {
		t.Errorf("expected %d events, got %d", n, len(events))
	}
}

func TestHighlightTagging(t *testing.T) {
	s := runShell(t, "echo '[OK] boot complete'; echo 'plain line'", Options{
		Highlights: []HighlightRule{
			{Name: "ok", Pattern: regexp.MustCompile(regexp.QuoteMeta("[OK]"))},
		},
	})
	events := drain(t, s)
	s.Wait()

	tags := map[string]string{}
	for _, ev := range events {
		tags[ev.Line] = ev.Tag
	}
	if tags["[OK] boot complete"] != "ok" {
		t.Errorf("matching line not tagged: %v", tags)
	}
	if tags["plain line"] != "" {
		t.Errorf("non-matching line tagged %q", tags["plain line"])
	}
}

func TestTraceLogMerged(t *testing.T) {
	traceLog := filepath.Join(t.TempDir(), "trace.log")
	script := fmt.Sprintf("echo serial-line; sleep 0.4; echo 'trace-entry v=0e' >> %s; sleep 1", traceLog)

	s := runShell(t, script, Options{TraceLog: traceLog})
	events := drain(t, s)
	s.Wait()

	var gotSerial, gotTrace bool
	for _, ev := range events {
		switch {
		case ev.Source == SourceSerial && ev.Line == "serial-line":
			gotSerial = true
		case ev.Source == SourceTraceLog && ev.Line == "trace-entry v=0e":
			gotTrace = true
		}
	}
	if !gotSerial {
		t.Error("serial line missing")
	}
	if !gotTrace {
		t.Error("trace log line missing from merged stream")
	}
}

func TestTraceLogCreatedNotTruncated(t *testing.T) {
	traceLog := filepath.Join(t.TempDir(), "trace.log")
	if err := os.WriteFile(traceLog, []byte("preexisting\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := runShell(t, "true", Options{TraceLog: traceLog})
	drain(t, s)
	s.Wait()

	data, err := os.ReadFile(traceLog)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "preexisting\n" {
		t.Errorf("trace log was modified: %q", data)
	}
}

func TestCancelEscalatesToKill(t *testing.T) {
	// The subprocess ignores SIGTERM; only SIGKILL ends it.
	s := runShell(t, `trap "" TERM; echo ready; while :; do :; done`, Options{
		GracePeriod: 200 * time.Millisecond,
	})

	// Wait for the process to be up before canceling.
	select {
	case <-s.Events():
	case <-time.After(10 * time.Second):
		t.Fatal("subprocess never produced output")
	}

	start := time.Now()
	s.Cancel()
	s.Cancel() // idempotent
	drain(t, s)
	st := s.Wait()

	if st.Reason != ReasonCanceled {
		t.Errorf("reason: got %v", st.Reason)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancel took %v despite 200ms grace period", elapsed)
	}
}

func TestInactivityTimeout(t *testing.T) {
	s := runShell(t, "echo hi; exec sleep 30", Options{
		InactivityTimeout: 300 * time.Millisecond,
	})
	drain(t, s)
	st := s.Wait()

	if st.Reason != ReasonTimedOut {
		t.Errorf("reason: got %v, want timed out", st.Reason)
	}
}

func TestContextCancelStopsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, "/bin/sh", []string{"-c", "echo up; exec sleep 30"}, Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-s.Events():
	case <-time.After(10 * time.Second):
		t.Fatal("subprocess never produced output")
	}
	cancel()
	drain(t, s)

	if st := s.Wait(); st.Reason != ReasonCanceled {
		t.Errorf("reason: got %v, want canceled", st.Reason)
	}
}

func TestOversizeLineEndsCaptureWithWarning(t *testing.T) {
	var buf bytes.Buffer
	lg := log.New(&buf)

	// One line past the scanner's 1 MiB cap, then more output the reader
	// must drain without wedging the subprocess.
	script := "echo before; head -c 2097152 /dev/zero | tr '\\0' 'a'; echo; echo after"
	s := runShell(t, script, Options{Logger: lg})
	events := drain(t, s)
	st := s.Wait()

	if st.Reason != ReasonExited || st.ExitCode != 0 {
		t.Errorf("status: %+v", st)
	}
	lines := serialLines(events)
	if len(lines) == 0 || lines[0] != "before" {
		t.Errorf("lines before the oversize one lost: %v", lines)
	}
	if !strings.Contains(buf.String(), "serial capture ended early") {
		t.Errorf("oversize line not logged: %q", buf.String())
	}
}

func TestNonZeroExit(t *testing.T) {
	s := runShell(t, "exit 3", Options{})
	drain(t, s)
	st := s.Wait()

	if st.Reason != ReasonExited || st.ExitCode != 3 {
		t.Errorf("status: %+v", st)
	}
	var pe *ProcessError
	if !errors.As(st.Err, &pe) {
		t.Errorf("expected ProcessError for non-zero exit, got %v", st.Err)
	}
}

func TestStartFailure(t *testing.T) {
	_, err := Start(context.Background(), "/no/such/emulator", nil, Options{})
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProcessError, got %v", err)
	}
}

func TestSourceString(t *testing.T) {
	if SourceSerial.String() != "serial" || SourceTraceLog.String() != "cpu_log" {
		t.Error("source names wrong")
	}
	if ReasonExited.String() != "exited" || ReasonCanceled.String() != "canceled" || ReasonTimedOut.String() != "timed out" {
		t.Error("reason names wrong")
	}
}
