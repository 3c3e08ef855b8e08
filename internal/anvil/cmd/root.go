// Package cmd implements the anvil command line interface.
package cmd

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	anvillog "anvil/internal/anvil/log"
)

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Crash diagnostics for a hobby kernel under QEMU",
	Long: `Anvil supervises qemu-system-x86_64 running a kernel image, watches the
serial console and the QEMU interrupt trace concurrently, and turns CPU
exceptions into readable diagnoses: faulting symbol, source location,
code around RIP, probable cause, and suggested fixes.`,
	Example: `
# Boot the kernel and diagnose the first crash
anvil run build/kernel.elf --image dist/

# Static checks on the compiled kernel
anvil inspect build/kernel.elf --check-sse
  `,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		logFile, _ := cmd.Flags().GetString("log-file")
		anvillog.Setup(logFile, debug)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Append logs to a file instead of stderr")
	rootCmd.PersistentFlags().Bool("plain", false, "Plain output, no markdown rendering")
}

func Execute() {
	// Bypass fang's markdown rendering when asked for plain output or
	// when output is being piped.
	plain := false
	for _, arg := range os.Args[1:] {
		if arg == "--plain" {
			plain = true
			break
		}
	}
	if !plain && !term.IsTerminal(os.Stdout.Fd()) {
		plain = true
	}

	if plain {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
	} else {
		if err := fang.Execute(
			context.Background(),
			rootCmd,
			fang.WithNotifySignal(os.Interrupt),
		); err != nil {
			os.Exit(1)
		}
	}
}
