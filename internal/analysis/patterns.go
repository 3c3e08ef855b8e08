package analysis

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity classifies how bad a matched signature is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Report is the context a rule predicate evaluates: the materialized
// event, the resolved symbol (may be nil), and the joined raw text of
// both the preceding log context and the dump lines.
type Report struct {
	Event  FaultEvent
	Symbol *ResolvedSymbol
	Raw    string
}

// Rule is one known fault signature. Rules are evaluated in declaration
// order and the first match wins; new signatures are additive data.
type Rule struct {
	ID          string
	Match       func(*Report) bool
	Cause       string
	Suggestions []string
	Severity    Severity
}

var (
	heapRe = regexp.MustCompile(`(?i)slab.*corrupt|heap.*invalid|alloc.*fail`)
	msrRe  = regexp.MustCompile(`(?i)unimplemented.*msr|ignored.*msr`)
	iretRe = regexp.MustCompile(`(?i)iret.*invalid|\biret\b`)
	cr0Re  = regexp.MustCompile(`(?i)cr0.*update.*(wp|pe).*multiple|cr0.*(clear|set){2,}`)
)

// kernelSpace is the start of the higher-half kernel mapping.
const kernelSpace = 0xffff800000000000

// Rules is the fault-signature table, most specific first.
var Rules = []Rule{
	{
		ID: "sse_in_kernel",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x06 && r.Event.Rip != nil && *r.Event.Rip >= kernelSpace
		},
		Cause: "SSE/AVX instruction executed in kernel code at {rip}",
		Suggestions: []string{
			"The kernel forbids SSE/AVX before the FPU is enabled; check the target spec uses soft-float",
			"Check {symbol} for f32/f64 operations the compiler vectorized",
			"Run 'anvil inspect <kernel> --check-sse' to list every offending instruction",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "null_pointer",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x0E && r.Event.Cr2 != nil && *r.Event.Cr2 < 0x1000
		},
		Cause: "Null pointer dereference: page fault on {cr2}",
		Suggestions: []string{
			"Check for unhandled Option/Result values near {symbol}",
			"Check for uninitialized pointers or use-after-free",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "stack_overflow_guard",
		Match: func(r *Report) bool {
			if r.Event.Vector != 0x0E {
				return false
			}
			if strings.Contains(strings.ToLower(r.Raw), "guard") {
				return true
			}
			return r.Event.Cr2 != nil && *r.Event.Cr2 != 0 && *r.Event.Cr2&0xfff == 0
		},
		Cause: "Stack overflow: fault on a guard page at {cr2}",
		Suggestions: []string{
			"Look for unbounded recursion in {symbol}",
			"Move large stack allocations to the heap",
			"Grow the kernel stack if the frame really needs the space",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "iret_corruption",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x0D && iretRe.MatchString(r.Raw)
		},
		Cause: "Corrupted interrupt stack frame on IRET",
		Suggestions: []string{
			"Check interrupt handlers for stack imbalance before IRET",
			"Check for stack overflow during interrupt handling",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "double_fault",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x08
		},
		Cause: "Double Fault ({code}): an exception occurred while handling another",
		Suggestions: []string{
			"Usually a kernel stack overflow or a corrupted IDT",
			"Check for infinite recursion and verify the IST stack for vector 8",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "heap_corruption",
		Match: func(r *Report) bool {
			return heapRe.MatchString(r.Raw)
		},
		Cause: "Heap allocator corruption detected",
		Suggestions: []string{
			"Check recent allocations for double-free, use-after-free, or overflow",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "timer_storm",
		Match: func(r *Report) bool {
			return strings.Count(r.Raw, "INT=0x20") >= 10
		},
		Cause: "Timer IRQ storm: excessive timer interrupts",
		Suggestions: []string{
			"Check the timer frequency and that the handler acknowledges the interrupt",
		},
		Severity: SeverityWarning,
	},
	{
		ID: "page_fault",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x0E
		},
		Cause: "Page Fault ({code}): access to unmapped or protected memory at {cr2}",
		Suggestions: []string{
			"Inspect CR2 for the faulting address; common causes are null pointers, stack overflow, and unmapped regions",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "general_protection",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x0D
		},
		Cause: "General Protection Fault ({code})",
		Suggestions: []string{
			"Common causes: invalid segment selector, privileged instruction outside ring 0, malformed descriptor",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "invalid_opcode",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x06
		},
		Cause: "Invalid Opcode ({code}) at {rip}",
		Suggestions: []string{
			"Common causes: corrupted code, a jump into data, or an instruction this CPU does not support",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "divide_error",
		Match: func(r *Report) bool {
			return r.Event.Vector == 0x00
		},
		Cause: "Divide Error ({code}): division by zero or quotient overflow",
		Suggestions: []string{
			"Check divisions near {symbol} for a zero divisor or a result too large for the destination",
		},
		Severity: SeverityCritical,
	},
	{
		ID: "cr0_flip",
		Match: func(r *Report) bool {
			return cr0Re.MatchString(r.Raw)
		},
		Cause: "CR0 write-protect toggled repeatedly",
		Suggestions: []string{
			"Frequent CR0.WP flips can be copy-on-write handling or a bug in page mapping updates",
		},
		Severity: SeverityWarning,
	},
	{
		ID: "unimplemented_msr",
		Match: func(r *Report) bool {
			return msrRe.MatchString(r.Raw)
		},
		Cause: "Kernel touched an MSR the emulator does not implement",
		Suggestions: []string{
			"Usually safe to ignore unless it precedes a crash",
		},
		Severity: SeverityInfo,
	},
}

// MatchRule returns the first rule matching the report, or nil.
func MatchRule(r *Report) *Rule {
	for i := range Rules {
		if Rules[i].Match(r) {
			return &Rules[i]
		}
	}
	return nil
}

// Expand fills {rip}, {cr2}, {symbol}, {vector}, {code} placeholders from
// the report. Unknown values render as "unknown".
func Expand(r *Report, template string) string {
	rep := strings.NewReplacer(
		"{rip}", hexOr(r.Event.Rip),
		"{cr2}", hexOr(r.Event.Cr2),
		"{symbol}", symbolOr(r.Symbol),
		"{vector}", fmt.Sprintf("%d", r.Event.Vector),
		"{code}", r.Event.Code,
	)
	return rep.Replace(template)
}

func hexOr(v *uint64) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("0x%x", *v)
}

func symbolOr(s *ResolvedSymbol) string {
	if s == nil {
		return "the faulting function"
	}
	return s.Name
}
