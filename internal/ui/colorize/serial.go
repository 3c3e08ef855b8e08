package colorize

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"

	"anvil/internal/monitor"
)

// ansiCleaner strips escape sequences emitted by the guest firmware and
// kernel so they cannot fight with our own styling.
var ansiCleaner = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z=]`)

// registerDumpRe spots raw CPU-state lines that leak into the serial
// stream; they belong to the trace log and only add noise here.
var registerDumpRe = regexp.MustCompile(`RAX=|EAX=|CR3=|Servicing`)

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	styleTrace = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	styleDebug = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHex   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// tagStyles maps highlight tags to their display style.
var tagStyles = map[string]lipgloss.Style{
	"ok":    styleOK,
	"fail":  styleFail,
	"error": styleFail,
	"warn":  styleWarn,
	"info":  styleInfo,
	"trace": styleTrace,
	"debug": styleDebug,
}

// tagTokens maps highlight tags to the literal token that gets styled.
var tagTokens = map[string]string{
	"ok":    "[OK]",
	"fail":  "[FAIL]",
	"error": "[ERROR]",
	"warn":  "[WARN]",
	"info":  "[INFO]",
	"trace": "[TRACE]",
	"debug": "[DEBUG]",
}

var hexRe = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)

// DefaultHighlights returns the passthrough highlight rules for kernel
// serial output. The monitor uses them to tag events; rendering stays
// here.
func DefaultHighlights() []monitor.HighlightRule {
	rules := []monitor.HighlightRule{}
	for tag, token := range tagTokens {
		rules = append(rules, monitor.HighlightRule{
			Name:    tag,
			Pattern: regexp.MustCompile(regexp.QuoteMeta(token)),
		})
	}
	return rules
}

// Clean strips escape codes and non-printable bytes from a serial line.
// Returns "" for lines that are pure noise and should be suppressed.
func Clean(line string) string {
	line = ansiCleaner.ReplaceAllString(line, "")

	var b strings.Builder
	for _, ch := range line {
		if ch >= 32 && ch <= 126 {
			b.WriteRune(ch)
		}
	}
	line = b.String()

	if strings.TrimSpace(line) == "" {
		return ""
	}
	if registerDumpRe.MatchString(line) {
		return ""
	}
	return line
}

// Serial renders one tagged serial line: the tag token gets its style,
// hex literals are brightened, content is otherwise untouched.
func Serial(line, tag string) string {
	line = Clean(line)
	if line == "" {
		return ""
	}
	if NoColor() {
		return line
	}

	if style, ok := tagStyles[tag]; ok {
		if token, ok := tagTokens[tag]; ok {
			line = strings.Replace(line, token, style.Render(token), 1)
		}
	}
	line = hexRe.ReplaceAllStringFunc(line, func(m string) string {
		return styleHex.Render(m)
	})
	return line
}
