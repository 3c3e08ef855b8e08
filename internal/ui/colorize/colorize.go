// Package colorize renders disassembly windows and serial passthrough
// lines for terminal display. Coloring is strictly cosmetic: callers keep
// the plain text and every function degrades to it.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"anvil/internal/disasm"
)

// getAssemblyLexer returns an x86 assembly lexer with fallbacks.
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"gas", "GAS", "Gas", "nasm"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks.
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter.
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// NoColor reports whether colorizing is disabled for this process.
func NoColor() bool {
	return os.Getenv("ANVIL_NO_COLOR") != ""
}

// Assembly applies syntax highlighting to x86 assembly text.
func Assembly(code string) (string, error) {
	if NoColor() {
		return code, nil
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return code, nil
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// WindowText formats a disassembly window without color, marking the
// faulting instruction. Layout: address, mnemonic, operands in fixed
// columns, "→" on the RIP line.
func WindowText(stream disasm.Stream, rip uint64) string {
	var b strings.Builder
	for _, inst := range stream {
		marker := " "
		if inst.VA == rip {
			marker = "→"
		}
		fmt.Fprintf(&b, "%s 0x%016x  %-8s %s\n", marker, inst.VA, inst.Op, inst.Args)
	}
	return b.String()
}

// Window is WindowText run through the assembly highlighter.
func Window(stream disasm.Stream, rip uint64) string {
	text := WindowText(stream, rip)
	if colored, err := Assembly(text); err == nil {
		return colored
	}
	return text
}
