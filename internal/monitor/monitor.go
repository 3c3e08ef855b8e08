// Package monitor supervises one emulator subprocess and merges its
// serial output with the growing trace log into a single ordered event
// stream.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nxadm/tail"
)

// Source identifies which stream produced a line.
type Source int

const (
	SourceSerial Source = iota // subprocess stdout/stderr
	SourceTraceLog             // emulator trace-log file
)

func (s Source) String() string {
	if s == SourceTraceLog {
		return "cpu_log"
	}
	return "serial"
}

// Event is one line from either source. Tag carries the name of the first
// highlight rule that matched; the line content itself is never altered.
type Event struct {
	Source Source
	Line   string
	Tag    string
	Seq    int
	Time   time.Time
}

// HighlightRule tags passthrough lines for colorized display by the
// caller.
type HighlightRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Reason says why a session ended.
type Reason int

const (
	ReasonExited   Reason = iota // subprocess exited on its own
	ReasonCanceled               // Cancel was called
	ReasonTimedOut               // inactivity timeout fired
)

func (r Reason) String() string {
	switch r {
	case ReasonCanceled:
		return "canceled"
	case ReasonTimedOut:
		return "timed out"
	}
	return "exited"
}

// Status is the terminal state of a session.
type Status struct {
	Reason   Reason
	ExitCode int
	Err      error
}

// ProcessError reports a subprocess that failed to start or terminated
// abnormally.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("emulator process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Options configures a monitoring session.
type Options struct {
	TraceLog          string // file the emulator writes trace data into
	Highlights        []HighlightRule
	InactivityTimeout time.Duration // 0 disables
	GracePeriod       time.Duration // SIGTERM to SIGKILL escalation
	BufferSize        int           // merged event channel capacity
	Logger            *log.Logger
}

const (
	defaultGracePeriod = 5 * time.Second
	defaultBufferSize  = 256
	// drainDelay gives the trace-log tailer one more poll after the
	// subprocess exits so nothing written before exit is dropped.
	drainDelay = 300 * time.Millisecond
)

type rawLine struct {
	source Source
	line   string
}

// Session owns the emulator subprocess and the two stream readers. One
// producer side (the mux goroutine) and one consumer (the caller reading
// Events) share it; there is no other access.
type Session struct {
	cmd  *exec.Cmd
	opts Options
	lg   *log.Logger

	events chan Event
	raw    chan rawLine

	stdoutDone chan struct{}
	tailDone   chan struct{}
	stopTail   chan struct{}
	procExited chan struct{}
	done       chan struct{}

	cancelOnce sync.Once
	stopOnce   sync.Once

	mu     sync.Mutex
	reason Reason
	ended  bool
	status Status
}

// Start launches the emulator and begins capturing both sources. The
// trace log is created if missing and the tailer seeks to its current
// end; the monitor never truncates it.
func Start(ctx context.Context, name string, args []string, opts Options) (*Session, error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.New(io.Discard)
	}

	if opts.TraceLog != "" {
		// Create without truncating so an emulator that appends is
		// not disturbed.
		f, err := os.OpenFile(opts.TraceLog, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("trace log: %w", err)
		}
		f.Close()
	}

	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Op: "pipe", Err: err}
	}
	cmd.Stderr = cmd.Stdout // merge stderr into the serial stream

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Op: "start", Err: err}
	}
	lg.Debug("emulator started", "pid", cmd.Process.Pid)

	s := &Session{
		cmd:        cmd,
		opts:       opts,
		lg:         lg,
		events:     make(chan Event, opts.BufferSize),
		raw:        make(chan rawLine, opts.BufferSize),
		stdoutDone: make(chan struct{}),
		tailDone:   make(chan struct{}),
		stopTail:   make(chan struct{}),
		procExited: make(chan struct{}),
		done:       make(chan struct{}),
	}

	go s.readStdout(stdout)
	if opts.TraceLog != "" {
		go s.tailTraceLog()
	} else {
		close(s.tailDone)
	}
	go s.mux()
	go s.supervise(ctx)
	return s, nil
}

// Events returns the merged event stream. The channel closes only after
// the subprocess has exited and both sources are drained.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel requests termination: SIGTERM first, SIGKILL after the grace
// period. Idempotent.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.setReason(ReasonCanceled)
		s.terminate()
	})
}

// Wait blocks until the session is fully closed and returns its status.
func (s *Session) Wait() Status {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) readStdout(r io.Reader) {
	defer close(s.stdoutDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.raw <- rawLine{source: SourceSerial, line: sc.Text()}
	}
	if err := sc.Err(); err != nil {
		s.lg.Warn("serial capture ended early", "err", err)
		// Keep the pipe drained so the subprocess is not blocked on a
		// dead reader.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Session) tailTraceLog() {
	defer close(s.tailDone)

	t, err := tail.TailFile(s.opts.TraceLog, tail.Config{
		Follow:    true,
		ReOpen:    false,
		Poll:      true,
		MustExist: false,
		Location:  &tail.SeekInfo{Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		s.lg.Warn("trace log tail failed", "err", err)
		return
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok || line == nil {
				return
			}
			if line.Err != nil {
				continue
			}
			s.raw <- rawLine{source: SourceTraceLog, line: line.Text}
		case <-s.stopTail:
			// Drain whatever the tailer already buffered, then quit.
			for {
				select {
				case line, ok := <-t.Lines:
					if !ok || line == nil || line.Err != nil {
						return
					}
					s.raw <- rawLine{source: SourceTraceLog, line: line.Text}
				default:
					return
				}
			}
		}
	}
}

// mux is the single writer of the event channel: it merges both raw
// producers, assigns sequence numbers, applies highlight tagging, and
// arms the inactivity timeout.
func (s *Session) mux() {
	var timeoutC <-chan time.Time
	var timer *time.Timer
	if s.opts.InactivityTimeout > 0 {
		timer = time.NewTimer(s.opts.InactivityTimeout)
		timeoutC = timer.C
		defer timer.Stop()
	}

	seq := 0
	for {
		select {
		case r, ok := <-s.raw:
			if !ok {
				close(s.events)
				return
			}
			seq++
			s.events <- Event{
				Source: r.source,
				Line:   r.line,
				Tag:    s.tagFor(r.line),
				Seq:    seq,
				Time:   time.Now(),
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.opts.InactivityTimeout)
			}
		case <-timeoutC:
			s.lg.Warn("no output from either source", "timeout", s.opts.InactivityTimeout)
			s.setReason(ReasonTimedOut)
			s.terminate()
			timeoutC = nil // keep draining until raw closes
		}
	}
}

// supervise reaps the subprocess and closes the stream in order: stdout
// EOF, process wait, trace-log drain, raw channel close.
func (s *Session) supervise(ctx context.Context) {
	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-ctxDone:
		}
	}()

	<-s.stdoutDone
	err := s.cmd.Wait()
	close(s.procExited)

	// Give the tailer one last chance at lines written just before exit.
	time.Sleep(drainDelay)
	s.stopOnce.Do(func() { close(s.stopTail) })
	<-s.tailDone
	close(s.raw)

	s.finalize(err)
	close(s.done)
}

func (s *Session) finalize(waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Reason: s.reason, ExitCode: s.cmd.ProcessState.ExitCode()}
	if waitErr != nil && st.Reason == ReasonExited {
		st.Err = &ProcessError{Op: "wait", Err: waitErr}
	}
	s.status = st
	s.lg.Debug("session closed", "reason", st.Reason, "exit", st.ExitCode)
}

// setReason records the first terminal reason; later ones lose.
func (s *Session) setReason(r Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		s.reason = r
	}
}

// terminate asks the subprocess to exit, escalating to SIGKILL after the
// grace period. Safe to call multiple times.
func (s *Session) terminate() {
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.procExited:
		case <-time.After(s.opts.GracePeriod):
			s.lg.Warn("emulator ignored SIGTERM, killing")
			_ = s.cmd.Process.Kill()
		}
	}()
}

func (s *Session) tagFor(line string) string {
	for _, h := range s.opts.Highlights {
		if h.Pattern != nil && h.Pattern.MatchString(line) {
			return h.Name
		}
	}
	return ""
}
