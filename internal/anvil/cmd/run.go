package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"anvil/internal/analysis"
	"anvil/internal/elfx"
	"anvil/internal/logging"
	"anvil/internal/monitor"
	"anvil/internal/ui/colorize"
)

var runCmd = &cobra.Command{
	Use:   "run <kernel-elf>",
	Short: "Boot the kernel under QEMU and diagnose crashes live",
	Long: `Run launches qemu-system-x86_64 with interrupt tracing enabled, merges
the serial console with the trace log, and prints a diagnosis for every
CPU exception the kernel hits.`,
	Example: `
# Diagnose the first crash and stop
anvil run build/kernel.elf --image dist/

# Keep running through multiple exceptions, 60s inactivity timeout
anvil run build/kernel.elf --image dist/ --keep-going --timeout 60s
  `,
	Args: cobra.ExactArgs(1),
	RunE: runDiagnose,
}

func init() {
	runCmd.Flags().String("image", "", "Boot directory exposed to QEMU as a FAT drive")
	runCmd.Flags().String("qemu", "", "Emulator binary (default qemu-system-x86_64)")
	runCmd.Flags().String("memory", "512M", "Guest memory size")
	runCmd.Flags().String("trace-log", "", "QEMU -D trace log path (default: temp file)")
	runCmd.Flags().StringSlice("debug-flags", nil, "QEMU -d categories (default int,cpu_reset)")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Inactivity timeout, 0 disables")
	runCmd.Flags().Duration("grace", 5*time.Second, "SIGTERM to SIGKILL grace period")
	runCmd.Flags().Int("context", analysis.DefaultContext, "Instructions shown either side of RIP")
	runCmd.Flags().Bool("keep-going", false, "Do not stop at the first exception")
	runCmd.Flags().Bool("gdb", false, "Open the QEMU gdb stub and pause at reset")
	runCmd.Flags().Bool("echo", true, "Echo serial output while monitoring")

	rootCmd.AddCommand(runCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	kernelPath := args[0]

	// Structural failures loading the binary are fatal before any
	// monitoring begins.
	im, err := elfx.Open(kernelPath)
	if err != nil {
		var fe *elfx.FormatError
		switch {
		case errors.Is(err, elfx.ErrNotFound):
			return fmt.Errorf("kernel binary not found: %s", kernelPath)
		case errors.As(err, &fe):
			return fmt.Errorf("kernel binary is not a valid ELF: %w", fe)
		}
		return err
	}
	defer im.Close()
	slog.Info("Kernel image loaded", "path", kernelPath, "symbols", len(im.Syms), "entry", fmt.Sprintf("%#x", im.Entry))

	traceLog, _ := cmd.Flags().GetString("trace-log")
	if traceLog == "" {
		f, err := os.CreateTemp("", "anvil-trace-*.log")
		if err != nil {
			return err
		}
		traceLog = f.Name()
		f.Close()
		defer os.Remove(traceLog)
	}

	image, _ := cmd.Flags().GetString("image")
	qemuBin, _ := cmd.Flags().GetString("qemu")
	memory, _ := cmd.Flags().GetString("memory")
	debugFlags, _ := cmd.Flags().GetStringSlice("debug-flags")
	gdb, _ := cmd.Flags().GetBool("gdb")

	qcfg := monitor.QemuConfig{
		Binary:     qemuBin,
		Image:      image,
		Memory:     memory,
		DebugFlags: debugFlags,
		TraceLog:   traceLog,
		EnableGDB:  gdb,
	}
	bin, qemuArgs := qcfg.Command()
	slog.Debug("Emulator command", "bin", bin, "args", strings.Join(qemuArgs, " "))

	timeout, _ := cmd.Flags().GetDuration("timeout")
	grace, _ := cmd.Flags().GetDuration("grace")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	monLog := logging.NewLogger()
	defer monLog.Close()

	mon, err := monitor.Start(ctx, bin, qemuArgs, monitor.Options{
		TraceLog:          traceLog,
		Highlights:        colorize.DefaultHighlights(),
		InactivityTimeout: timeout,
		GracePeriod:       grace,
		Logger:            monLog.Logger,
	})
	if err != nil {
		return err
	}

	contextInsts, _ := cmd.Flags().GetInt("context")
	keepGoing, _ := cmd.Flags().GetBool("keep-going")
	echo, _ := cmd.Flags().GetBool("echo")
	plain, _ := cmd.Flags().GetBool("plain")

	session := analysis.NewSession(im, analysis.SessionConfig{
		ContextInstructions: contextInsts,
		StopOnFirst:         !keepGoing,
	})

	// Tee: echo passthrough lines while forwarding every event to the
	// detector. The monitor has exactly one consumer.
	forward := make(chan monitor.Event, 64)
	go func() {
		defer close(forward)
		for ev := range mon.Events() {
			if echo && ev.Source == monitor.SourceSerial {
				if line := colorize.Serial(ev.Line, ev.Tag); line != "" {
					fmt.Println(line)
				}
			}
			forward <- ev
		}
	}()

	count := 0
	for d := range session.Run(ctx, forward) {
		count++
		printDiagnosis(cmd.OutOrStdout(), d, plain)
		if !keepGoing {
			mon.Cancel()
		}
	}
	// The session may stop before the monitor does; drain the remainder
	// so the monitor can close down.
	mon.Cancel()
	for range forward {
	}

	status := mon.Wait()
	switch status.Reason {
	case monitor.ReasonTimedOut:
		fmt.Fprintf(cmd.OutOrStdout(), "\nSession ended: no output for %s (inactivity timeout)\n", timeout)
	case monitor.ReasonCanceled:
		slog.Debug("Session canceled", "diagnoses", count)
	default:
		if status.Err != nil && count == 0 {
			return status.Err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nEmulator exited with code %d\n", status.ExitCode)
	}

	// Interrupt activity helps explain sessions that hang without ever
	// faulting.
	if counts := session.Detector().IRQCounts(); len(counts) > 0 {
		busiest, n := 0, 0
		for irq, c := range counts {
			if c > n {
				busiest, n = irq, c
			}
		}
		slog.Debug("Hardware interrupts serviced",
			"distinct", len(counts),
			"busiest", fmt.Sprintf("0x%02x", busiest),
			"count", n)
		if recent := session.Detector().RecentInterrupts(); len(recent) > 0 {
			slog.Debug("Last interrupt", "line", recent[len(recent)-1])
		}
	}

	if count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No CPU exceptions detected")
	}
	return nil
}
