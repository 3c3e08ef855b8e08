package analysis

import (
	"context"
	"testing"
	"time"

	"anvil/internal/monitor"
)

func eventChan(lines []string) chan monitor.Event {
	ch := make(chan monitor.Event, len(lines))
	for i, line := range lines {
		ch <- monitor.Event{Source: monitor.SourceSerial, Line: line, Seq: i}
	}
	return ch
}

func collect(t *testing.T, ch <-chan Diagnosis) []Diagnosis {
	t.Helper()
	var out []Diagnosis
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("session did not finish")
		}
	}
}

var crashDump = []string{
	"[OK] pmm: initialized",
	"KERNEL PANIC: Page Fault (#PF)",
	"RIP: 0xffffffff80012a40",
	"CR2: 0x0000000000000000",
	"",
}

func TestSessionStopOnFirst(t *testing.T) {
	lines := append([]string{}, crashDump...)
	lines = append(lines, crashDump...) // second crash must be ignored
	events := eventChan(lines)
	close(events)

	s := NewSession(nil, SessionConfig{StopOnFirst: true})
	got := collect(t, s.Run(context.Background(), events))

	if len(got) != 1 {
		t.Fatalf("expected 1 diagnosis, got %d", len(got))
	}
	if got[0].Event.Code != "#PF" || got[0].RuleID != "null_pointer" {
		t.Errorf("diagnosis: %q rule %q", got[0].Event.Code, got[0].RuleID)
	}
}

func TestSessionKeepGoing(t *testing.T) {
	lines := append([]string{}, crashDump...)
	lines = append(lines,
		"check_exception old: 0xffffffff new v=0d",
		"RIP: 0x401000",
		"",
	)
	events := eventChan(lines)
	close(events)

	s := NewSession(nil, SessionConfig{})
	got := collect(t, s.Run(context.Background(), events))

	if len(got) != 2 {
		t.Fatalf("expected 2 diagnoses, got %d", len(got))
	}
	if got[0].Event.Vector != 0x0E || got[1].Event.Vector != 0x0D {
		t.Errorf("vectors: %#x %#x", got[0].Event.Vector, got[1].Event.Vector)
	}
}

func TestSessionFlushesPartialDump(t *testing.T) {
	// Stream ends mid-dump: no blank line ever arrives.
	events := eventChan([]string{
		"check_exception old: 0xffffffff new v=08",
		"RIP: 0xffffffff80012a40",
	})
	close(events)

	s := NewSession(nil, SessionConfig{})
	got := collect(t, s.Run(context.Background(), events))

	if len(got) != 1 {
		t.Fatalf("expected flushed diagnosis, got %d", len(got))
	}
	if got[0].Event.Code != "#DF" || got[0].RuleID != "double_fault" {
		t.Errorf("diagnosis: %q rule %q", got[0].Event.Code, got[0].RuleID)
	}
}

func TestSessionContextCancel(t *testing.T) {
	events := make(chan monitor.Event) // never closed, never written
	ctx, cancel := context.WithCancel(context.Background())

	s := NewSession(nil, SessionConfig{})
	out := s.Run(ctx, events)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected closed channel, got diagnosis")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored context cancellation")
	}
}

func TestSessionNoCrash(t *testing.T) {
	events := eventChan([]string{
		"[OK] boot complete",
		"[INFO] idle loop",
	})
	close(events)

	s := NewSession(nil, SessionConfig{})
	if got := collect(t, s.Run(context.Background(), events)); len(got) != 0 {
		t.Errorf("clean boot produced %d diagnoses", len(got))
	}
}
