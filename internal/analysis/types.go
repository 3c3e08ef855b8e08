// Package analysis turns raw emulator telemetry into crash diagnoses.
// It resolves faulting addresses against the kernel image, detects CPU
// exceptions in the merged log stream, and matches fault signatures
// against a rule base.
package analysis

import (
	"fmt"
	"time"

	"anvil/internal/disasm"
)

// FaultEvent is one detected CPU exception. It is fully materialized by
// the detector before any rule matching sees it and never mutated after.
type FaultEvent struct {
	Vector   int
	Name     string // "Page Fault"
	Code     string // "#PF"
	Time     time.Time
	Rip      *uint64
	ErrCode  *uint64
	Cr2      *uint64
	Regs     map[string]uint64 // general registers found in the dump
	RawLines []string          // source text that produced this event
	Context  []string          // scanning lines seen before the dump began
}

func (e FaultEvent) String() string {
	s := fmt.Sprintf("%s (%s)", e.Name, e.Code)
	if e.Rip != nil {
		s += fmt.Sprintf(" RIP=0x%x", *e.Rip)
	}
	if e.Cr2 != nil {
		s += fmt.Sprintf(" CR2=0x%x", *e.Cr2)
	}
	return s
}

// ResolvedSymbol attributes an address to a function in the kernel image.
type ResolvedSymbol struct {
	Name   string
	Addr   uint64
	Offset uint64 // query address minus symbol address
	File   string // empty when no debug info
	Line   int
}

func (s ResolvedSymbol) String() string {
	loc := ""
	if s.File != "" {
		loc = fmt.Sprintf(" (%s:%d)", s.File, s.Line)
	}
	if s.Offset != 0 {
		return fmt.Sprintf("%s+0x%x%s", s.Name, s.Offset, loc)
	}
	return s.Name + loc
}

// Diagnosis is the engine's best-effort explanation of one FaultEvent.
type Diagnosis struct {
	Event       FaultEvent
	Symbol      *ResolvedSymbol
	Window      disasm.Stream // code around RIP
	Cause       string
	Suggestions []string
	RuleID      string // empty when no rule matched
	Severity    Severity
	Time        time.Time
}
