package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"anvil/internal/analysis"
	"anvil/internal/elfx"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <kernel-elf>",
	Short: "Static checks on a compiled kernel image",
	Long: `Inspect loads the kernel ELF without booting it and reports structural
facts: sections, symbols, entry point, and instruction-level checks such
as SSE usage in code that runs before the FPU is enabled.`,
	Example: `
# Section map and entry point
anvil inspect build/kernel.elf --sections

# Find SSE instructions the early kernel must not execute
anvil inspect build/kernel.elf --check-sse
  `,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("sections", false, "List sections with address, offset, and size")
	inspectCmd.Flags().Bool("symbols", false, "List symbols sorted by address, demangled")
	inspectCmd.Flags().Bool("check-sse", false, "Scan executable sections for SSE/AVX instructions")
	inspectCmd.Flags().Bool("entry", false, "Print the entry point only")

	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]

	im, err := elfx.Open(path)
	if err != nil {
		var fe *elfx.FormatError
		switch {
		case errors.Is(err, elfx.ErrNotFound):
			return fmt.Errorf("kernel binary not found: %s", path)
		case errors.As(err, &fe):
			return fmt.Errorf("kernel binary is not a valid ELF: %w", fe)
		}
		return err
	}
	defer im.Close()

	out := cmd.OutOrStdout()

	entryOnly, _ := cmd.Flags().GetBool("entry")
	if entryOnly {
		fmt.Fprintf(out, "0x%016x\n", im.Entry)
		return nil
	}

	sections, _ := cmd.Flags().GetBool("sections")
	symbols, _ := cmd.Flags().GetBool("symbols")
	checkSSE, _ := cmd.Flags().GetBool("check-sse")
	if !sections && !symbols && !checkSSE {
		// No selector: print the summary.
		fmt.Fprintf(out, "%s\n", im.Path)
		fmt.Fprintf(out, "  entry:    0x%016x\n", im.Entry)
		fmt.Fprintf(out, "  sections: %d (%d executable)\n", len(im.Sections), len(im.ExecSections()))
		fmt.Fprintf(out, "  symbols:  %d\n", len(im.Syms))
		return nil
	}

	if sections {
		fmt.Fprintf(out, "%-20s %-18s %-10s %-10s flags\n", "NAME", "ADDR", "OFFSET", "SIZE")
		for _, s := range im.Sections {
			exec := ""
			if s.Exec() {
				exec = "X"
			}
			fmt.Fprintf(out, "%-20s 0x%016x 0x%-8x 0x%-8x %s\n", s.Name, s.Addr, s.Off, s.Size, exec)
		}
	}

	if symbols {
		for _, sym := range im.Syms {
			fmt.Fprintf(out, "0x%016x %8d %s\n", sym.Addr, sym.Size, analysis.CachedDemangle(sym.Name))
		}
	}

	if checkSSE {
		violations := im.CheckSSE()
		if len(violations) == 0 {
			fmt.Fprintln(out, "No SSE/AVX instructions in executable sections")
			return nil
		}
		slog.Warn("SSE instructions found", "count", len(violations))
		for _, v := range violations {
			where := v.Symbol
			if where == "" {
				where = "?"
			}
			fmt.Fprintf(out, "0x%016x  %-30s  in %s\n", v.Addr, v.Text, analysis.CachedDemangle(where))
		}
		return fmt.Errorf("%d SSE/AVX instruction(s) found; early kernel code must not use them", len(violations))
	}

	return nil
}
