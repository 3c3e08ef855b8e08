package cmd

import (
	"bytes"
	"strings"
	"testing"

	"anvil/internal/analysis"
	"anvil/internal/disasm"
)

func u64(v uint64) *uint64 { return &v }

func TestBuildReport(t *testing.T) {
	rip := uint64(0xffffffff80012a40)
	d := analysis.Diagnosis{
		Event: analysis.FaultEvent{
			Vector: 0x0E,
			Name:   "Page Fault",
			Code:   "#PF",
			Rip:    &rip,
			Cr2:    u64(0),
			Regs:   map[string]uint64{"RAX": 0, "RSP": 0xffffffff80046e10},
		},
		Symbol: &analysis.ResolvedSymbol{
			Name: "kernel::mm::vmm::init", Addr: 0xffffffff80012a00, Offset: 0x40,
			File: "src/mm/vmm.rs", Line: 87,
		},
		Window: disasm.Stream{
			{VA: rip - 1, Len: 1, Op: "nop"},
			{VA: rip, Len: 3, Op: "mov", Args: "(%rax),%rbx"},
		},
		Cause:       "Null pointer dereference: page fault on 0x0",
		Suggestions: []string{"Check for unhandled Option/Result values"},
		RuleID:      "null_pointer",
		Severity:    analysis.SeverityCritical,
	}

	md := buildReport(d)

	for _, want := range []string{
		"# Page Fault (#PF)",
		"`0xffffffff80012a40`",
		"`0x0000000000000000`", // CR2 rendered even when zero
		"kernel::mm::vmm::init+0x40",
		"src/mm/vmm.rs:87",
		"critical",
		"null_pointer",
		"## Probable cause",
		"Null pointer dereference",
		"1. Check for unhandled Option/Result values",
		"RSP",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
	// The window is not part of the markdown body; printDiagnosis emits it
	// through the assembly highlighter.
	if strings.Contains(md, "(%rax),%rbx") {
		t.Errorf("disassembly leaked into the markdown body:\n%s", md)
	}
}

func TestPrintDiagnosisPlainWindow(t *testing.T) {
	rip := uint64(0xffffffff80012a40)
	d := analysis.Diagnosis{
		Event: analysis.FaultEvent{Vector: 0x0E, Name: "Page Fault", Code: "#PF", Rip: &rip},
		Window: disasm.Stream{
			{VA: rip - 1, Len: 1, Op: "nop"},
			{VA: rip, Len: 3, Op: "mov", Args: "(%rax),%rbx"},
		},
		Cause:    "Page Fault (#PF): access to unmapped or protected memory",
		Severity: analysis.SeverityCritical,
	}

	var buf bytes.Buffer
	printDiagnosis(&buf, d, true)
	out := buf.String()

	for _, want := range []string{
		"# Page Fault (#PF)",
		"Code around RIP:",
		"→ 0xffffffff80012a40  mov      (%rax),%rbx",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plain output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output carries escape sequences:\n%q", out)
	}
}

func TestPrintDiagnosisStyledWindow(t *testing.T) {
	rip := uint64(0x1001)
	d := analysis.Diagnosis{
		Event: analysis.FaultEvent{Vector: 0x06, Name: "Invalid Opcode", Code: "#UD", Rip: &rip},
		Window: disasm.Stream{
			{VA: 0x1000, Len: 1, Op: "nop"},
			{VA: 0x1001, Len: 1, Op: "ret"},
		},
		Cause:    "Invalid Opcode (#UD) at 0x1001",
		Severity: analysis.SeverityCritical,
	}

	var buf bytes.Buffer
	printDiagnosis(&buf, d, false)
	out := buf.String()

	if !strings.Contains(out, "Code around RIP:") {
		t.Errorf("window heading missing:\n%s", out)
	}
	if !strings.Contains(out, "ret") {
		t.Errorf("window content missing:\n%s", out)
	}
}

func TestBuildReportMinimalEvent(t *testing.T) {
	d := analysis.Diagnosis{
		Event:    analysis.FaultEvent{Vector: 0x08, Name: "Double Fault", Code: "#DF"},
		Cause:    "Double Fault (#DF): an exception occurred while handling another",
		Severity: analysis.SeverityCritical,
	}
	md := buildReport(d)

	if !strings.Contains(md, "# Double Fault (#DF)") {
		t.Errorf("header missing:\n%s", md)
	}
	for _, absent := range []string{"RIP", "CR2", "Symbol", "Code around", "Registers"} {
		if strings.Contains(md, absent) {
			t.Errorf("report should omit %q when data is absent:\n%s", absent, md)
		}
	}
}
