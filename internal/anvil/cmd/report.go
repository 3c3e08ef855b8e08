package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"anvil/internal/analysis"
	"anvil/internal/anvil/styles"
	"anvil/internal/ui/colorize"
)

// reportWidth is the wrap width for rendered diagnosis reports.
const reportWidth = 100

// buildReport renders a diagnosis as markdown, without the disassembly
// window; that is printed separately through the assembly highlighter.
// The text is derivable from the Diagnosis fields alone so other tooling
// can do the same.
func buildReport(d analysis.Diagnosis) string {
	var b strings.Builder
	ev := d.Event

	fmt.Fprintf(&b, "# %s (%s)\n\n", ev.Name, ev.Code)

	if ev.Rip != nil {
		fmt.Fprintf(&b, "- **RIP**: `0x%016x`\n", *ev.Rip)
	}
	if ev.Cr2 != nil {
		fmt.Fprintf(&b, "- **CR2**: `0x%016x`\n", *ev.Cr2)
	}
	if ev.ErrCode != nil {
		fmt.Fprintf(&b, "- **Error code**: `0x%x`\n", *ev.ErrCode)
	}
	if d.Symbol != nil {
		fmt.Fprintf(&b, "- **Symbol**: `%s`\n", d.Symbol)
		if d.Symbol.File != "" {
			fmt.Fprintf(&b, "- **Source**: `%s:%d`\n", d.Symbol.File, d.Symbol.Line)
		}
	}
	fmt.Fprintf(&b, "- **Severity**: %s\n", d.Severity)
	if d.RuleID != "" {
		fmt.Fprintf(&b, "- **Matched rule**: %s\n", d.RuleID)
	}

	fmt.Fprintf(&b, "\n## Probable cause\n\n%s\n", d.Cause)

	if len(d.Suggestions) > 0 {
		fmt.Fprintf(&b, "\n## Suggestions\n\n")
		for i, s := range d.Suggestions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}

	if len(ev.Regs) > 0 {
		fmt.Fprintf(&b, "\n## Registers\n\n```\n")
		names := make([]string, 0, len(ev.Regs))
		for name := range ev.Regs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%-7s = 0x%016x\n", name, ev.Regs[name])
		}
		fmt.Fprintf(&b, "```\n")
	}

	return b.String()
}

// printDiagnosis writes the report, rendered through glamour unless plain
// output was requested, then the disassembly window through the chroma
// highlighter.
func printDiagnosis(w io.Writer, d analysis.Diagnosis, plain bool) {
	md := buildReport(d)
	rendered := false
	if !plain && !colorize.NoColor() {
		if r := styles.GetReportRenderer(reportWidth); r != nil {
			if out, err := r.Render(md); err == nil {
				fmt.Fprint(w, out)
				rendered = true
			}
		}
	}
	if !rendered {
		fmt.Fprintln(w, md)
	}

	if len(d.Window) > 0 {
		rip := uint64(0)
		if d.Event.Rip != nil {
			rip = *d.Event.Rip
		}
		fmt.Fprintln(w, "Code around RIP:")
		if plain {
			fmt.Fprintln(w, colorize.WindowText(d.Window, rip))
		} else {
			fmt.Fprintln(w, colorize.Window(d.Window, rip))
		}
	}
}
