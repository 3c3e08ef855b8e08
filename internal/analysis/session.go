package analysis

import (
	"context"

	"anvil/internal/elfx"
	"anvil/internal/monitor"
)

// SessionConfig controls one diagnostic session.
type SessionConfig struct {
	// ContextInstructions is the disassembly window size either side of
	// RIP.
	ContextInstructions int
	// StopOnFirst ends the session after the first diagnosis.
	StopOnFirst bool
}

// Session wires a monitor event stream into the exception detector and
// diagnoses each fault as it is recognized.
type Session struct {
	engine   *Engine
	detector *Detector
	cfg      SessionConfig
}

// NewSession builds a session over a loaded kernel image. The image may
// be nil; diagnoses then carry no symbol or disassembly enrichment.
func NewSession(im *elfx.Image, cfg SessionConfig) *Session {
	return &Session{
		engine:   NewEngine(im, cfg.ContextInstructions),
		detector: NewDetector(),
		cfg:      cfg,
	}
}

// Detector exposes the session's detector for interrupt context queries.
func (s *Session) Detector() *Detector { return s.detector }

// Run consumes monitor events until the stream closes or ctx is
// canceled, emitting one Diagnosis per detected fault. The returned
// channel is closed when the session ends; a partial dump pending at
// stream end is flushed as a final event.
func (s *Session) Run(ctx context.Context, events <-chan monitor.Event) <-chan Diagnosis {
	out := make(chan Diagnosis)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					if fe := s.detector.Flush(); fe != nil {
						select {
						case out <- s.engine.Diagnose(*fe):
						case <-ctx.Done():
						}
					}
					return
				}
				fe := s.detector.Feed(ev.Line)
				if fe == nil {
					continue
				}
				select {
				case out <- s.engine.Diagnose(*fe):
				case <-ctx.Done():
					return
				}
				if s.cfg.StopOnFirst {
					return
				}
			}
		}
	}()
	return out
}
