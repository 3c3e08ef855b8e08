package analysis

import (
	"fmt"
	"strings"
	"time"

	"anvil/internal/disasm"
	"anvil/internal/elfx"
)

// maxInstLen is the longest legal x86 instruction encoding. Backing up
// count*maxInstLen bytes guarantees the window reaches count instructions
// before RIP once decoding resynchronizes.
const maxInstLen = 15

// DefaultContext is the default instruction count either side of RIP.
const DefaultContext = 8

// Engine turns FaultEvents into Diagnoses. It never fails: when nothing
// matches, the diagnosis falls back to generic guidance for the vector
// family.
type Engine struct {
	im       *elfx.Image
	resolver *Resolver
	context  int // instructions either side of RIP
}

// NewEngine builds an engine over a loaded kernel image. The image may be
// nil, in which case symbol and disassembly enrichment degrade to absent.
func NewEngine(im *elfx.Image, contextInstructions int) *Engine {
	if contextInstructions <= 0 {
		contextInstructions = DefaultContext
	}
	e := &Engine{im: im, context: contextInstructions}
	if im != nil {
		e.resolver = NewResolver(im)
	}
	return e
}

// Diagnose produces a best-effort diagnosis for one fault. All enrichment
// steps degrade rather than fail; this function never returns an error.
func (e *Engine) Diagnose(ev FaultEvent) Diagnosis {
	d := Diagnosis{Event: ev, Time: time.Now(), Severity: SeverityCritical}

	if ev.Rip != nil && e.im != nil {
		d.Symbol = e.resolver.Resolve(*ev.Rip)
		d.Window = e.window(*ev.Rip)
	}

	// Rules see the preceding log context as well as the dump itself.
	raw := make([]string, 0, len(ev.Context)+len(ev.RawLines))
	raw = append(raw, ev.Context...)
	raw = append(raw, ev.RawLines...)
	rep := &Report{Event: ev, Symbol: d.Symbol, Raw: strings.Join(raw, "\n")}

	if rule := MatchRule(rep); rule != nil {
		d.RuleID = rule.ID
		d.Cause = Expand(rep, rule.Cause)
		d.Severity = rule.Severity
		for _, s := range rule.Suggestions {
			d.Suggestions = append(d.Suggestions, Expand(rep, s))
		}
	} else {
		d.Cause = fmt.Sprintf("unclassified %s (%s)", strings.ToLower(ev.Name), ev.Code)
		d.Suggestions = familySuggestions(ev.Vector)
	}

	d.Suggestions = append(d.Suggestions, e.contextSuggestions(d)...)
	if len(d.Suggestions) == 0 {
		d.Suggestions = []string{"Inspect the surrounding log context for more information"}
	}
	return d
}

// window builds the disassembly window centered on rip, clipped at the
// enclosing section's bounds. Returns nil when rip is not in mapped code.
func (e *Engine) window(rip uint64) disasm.Stream {
	sec := e.im.SectionAt(rip)
	if sec == nil || !sec.Exec() {
		return nil
	}

	start := rip - uint64(e.context*maxInstLen)
	if start < sec.Addr || start > rip {
		start = sec.Addr
	}
	end := rip + uint64((e.context+1)*maxInstLen)
	if end > sec.Addr+sec.Size {
		end = sec.Addr + sec.Size
	}
	if end <= start {
		return nil
	}

	code, ok := e.im.SliceVA(start, end-start)
	if !ok {
		return nil
	}
	stream := disasm.Decode(code, start, 0)

	// Find RIP in the decoded stream; if the backward decode never
	// resynchronized on it, decode forward from RIP instead.
	at := -1
	for i, inst := range stream {
		if inst.VA == rip {
			at = i
			break
		}
	}
	if at < 0 {
		code, ok = e.im.SliceVA(rip, end-rip)
		if !ok {
			return nil
		}
		return disasm.Decode(code, rip, e.context+1)
	}

	lo := at - e.context
	if lo < 0 {
		lo = 0
	}
	hi := at + e.context + 1
	if hi > len(stream) {
		hi = len(stream)
	}
	return stream[lo:hi]
}

// contextSuggestions adds advice derived from the resolved context,
// mirroring what a developer would check first by hand.
func (e *Engine) contextSuggestions(d Diagnosis) []string {
	var out []string
	if d.Symbol != nil {
		out = append(out, fmt.Sprintf("Review the code of '%s'", d.Symbol.Name))
	}
	if d.Event.Vector == 0x0E && d.Event.Cr2 != nil && d.RuleID != "null_pointer" && *d.Event.Cr2 < 0x1000 {
		out = append(out, "CR2 is in the zero page: likely a null pointer dereference")
	}
	return out
}

// familySuggestions gives generic guidance by vector family when no rule
// matched: faults can often be retried after a fix, traps are advisory,
// aborts mean the machine state is gone.
func familySuggestions(vector int) []string {
	switch vector {
	case 0x01, 0x03, 0x04:
		return []string{
			"This vector is a trap: execution continued past the reporting instruction",
			"Check for stray breakpoints or debug registers left armed",
		}
	case 0x08, 0x12:
		return []string{
			"This vector is an abort: machine state is unreliable, diagnose the first fault that led here",
			"Check the earlier log context for the original exception",
		}
	default:
		return []string{
			"This vector is a fault: the saved RIP points at the faulting instruction",
			"Correlate RIP with the disassembly window to identify the operation that trapped",
		}
	}
}
