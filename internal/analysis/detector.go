package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// vectorNames maps exception vectors to (name, mnemonic).
var vectorNames = map[int][2]string{
	0x00: {"Divide Error", "#DE"},
	0x01: {"Debug", "#DB"},
	0x02: {"NMI", "NMI"},
	0x03: {"Breakpoint", "#BP"},
	0x04: {"Overflow", "#OF"},
	0x05: {"Bound Range", "#BR"},
	0x06: {"Invalid Opcode", "#UD"},
	0x07: {"Device Not Available", "#NM"},
	0x08: {"Double Fault", "#DF"},
	0x0A: {"Invalid TSS", "#TS"},
	0x0B: {"Segment Not Present", "#NP"},
	0x0C: {"Stack Fault", "#SS"},
	0x0D: {"General Protection", "#GP"},
	0x0E: {"Page Fault", "#PF"},
	0x10: {"x87 FPU Error", "#MF"},
	0x11: {"Alignment Check", "#AC"},
	0x12: {"Machine Check", "#MC"},
	0x13: {"SIMD Exception", "#XM"},
	0x14: {"Virtualization", "#VE"},
}

var mnemonicVectors = map[string]int{
	"#DE": 0x00, "#DB": 0x01, "NMI": 0x02, "#BP": 0x03, "#OF": 0x04,
	"#BR": 0x05, "#UD": 0x06, "#NM": 0x07, "#DF": 0x08, "#TS": 0x0A,
	"#NP": 0x0B, "#SS": 0x0C, "#GP": 0x0D, "#PF": 0x0E, "#MF": 0x10,
	"#AC": 0x11, "#MC": 0x12, "#XM": 0x13, "#VE": 0x14,
}

var (
	// QEMU -d int style headers.
	headerRe = regexp.MustCompile(`(?i)check_exception.*?v=([0-9a-f]+)|\bv=([0-9a-f]{2})\s+e=([0-9a-f]+)`)
	// Kernel panic output names the exception by mnemonic.
	mnemonicRe = regexp.MustCompile(`#(DE|DB|BP|OF|BR|UD|NM|DF|TS|NP|SS|GP|PF|MF|AC|MC|XM|VE)\b`)

	ripRe  = regexp.MustCompile(`(?i)\bRIP\s*[=:]\s*(?:0x)?([0-9a-f]+)`)
	cr2Re  = regexp.MustCompile(`(?i)\bCR2\s*[=:]\s*(?:0x)?([0-9a-f]+)`)
	rspRe  = regexp.MustCompile(`(?i)\bRSP\s*[=:]\s*(?:0x)?([0-9a-f]+)`)
	errRe  = regexp.MustCompile(`(?i)\be=([0-9a-f]+)`)
	regsRe = regexp.MustCompile(`(?i)\b(RAX|RBX|RCX|RDX|RSI|RDI|RBP|RSP|R8|R9|R10|R11|R12|R13|R14|R15|CS|SS|RFLAGS)\s*[=:]\s*(?:0x)?([0-9a-f]+)`)
	irqRe  = regexp.MustCompile(`Servicing hardware INT=0x([0-9a-f]+)`)
)

// maxAccumulate bounds how many lines one exception dump may span.
const maxAccumulate = 64

// maxRecentIRQs bounds the interrupt context kept for diagnosis.
const maxRecentIRQs = 10

// maxContextLines bounds the non-interrupt scanning lines kept as event
// context.
const maxContextLines = 16

// Detector is a stateful scanner over the merged log stream. It starts in
// a scanning state, switches to accumulating when an exception header
// appears, and emits one FaultEvent when the dump ends (blank line, line
// budget, or a new header). It holds no state across sessions.
type Detector struct {
	cur *pendingEvent

	// Register context seen while scanning. QEMU prints the register
	// dump around the check_exception line, so these back-fill fields
	// the accumulated block itself lacks.
	lastRip *uint64
	lastCr2 *uint64
	lastRsp *uint64

	recentLines []string
	recentIRQs  []string
	irqCounts   map[int]int
}

type pendingEvent struct {
	vector  int
	errCode *uint64
	rip     *uint64
	cr2     *uint64
	regs    map[string]uint64
	lines   []string
}

func NewDetector() *Detector {
	return &Detector{irqCounts: make(map[int]int)}
}

// Feed consumes one line and returns a FaultEvent when a complete dump has
// been recognized, nil otherwise. At most one event is emitted per line.
func (d *Detector) Feed(line string) *FaultEvent {
	line = strings.TrimRight(line, "\r\n")
	d.trackContext(line)

	if d.cur != nil {
		if strings.TrimSpace(line) == "" {
			return d.emit()
		}
		if vec, ec, ok := parseHeader(line); ok && len(d.cur.lines) > 0 {
			ev := d.emit()
			d.begin(vec, ec, line)
			return ev
		}
		d.accumulate(line)
		if len(d.cur.lines) >= maxAccumulate {
			return d.emit()
		}
		return nil
	}

	if vec, ec, ok := parseHeader(line); ok {
		d.begin(vec, ec, line)
		return nil
	}
	d.remember(line)
	return nil
}

// remember keeps a bounded window of scanning lines; the emitted event
// carries them as context so rules can match output that preceded the
// dump. Interrupt lines are tracked separately so a burst does not crowd
// everything else out.
func (d *Detector) remember(line string) {
	if strings.TrimSpace(line) == "" || irqRe.MatchString(line) {
		return
	}
	d.recentLines = append(d.recentLines, line)
	if len(d.recentLines) > maxContextLines {
		d.recentLines = d.recentLines[1:]
	}
}

// Flush emits a pending partial event at end of stream.
func (d *Detector) Flush() *FaultEvent {
	if d.cur == nil {
		return nil
	}
	return d.emit()
}

// RecentInterrupts returns the most recent hardware interrupt lines seen.
func (d *Detector) RecentInterrupts() []string {
	out := make([]string, len(d.recentIRQs))
	copy(out, d.recentIRQs)
	return out
}

// IRQCounts returns how many times each hardware IRQ was serviced.
func (d *Detector) IRQCounts() map[int]int {
	out := make(map[int]int, len(d.irqCounts))
	for k, v := range d.irqCounts {
		out[k] = v
	}
	return out
}

func (d *Detector) trackContext(line string) {
	if m := ripRe.FindStringSubmatch(line); m != nil {
		if v, ok := parseHex(m[1]); ok {
			d.lastRip = &v
		}
	}
	if m := cr2Re.FindStringSubmatch(line); m != nil {
		if v, ok := parseHex(m[1]); ok {
			d.lastCr2 = &v
		}
	}
	if m := rspRe.FindStringSubmatch(line); m != nil {
		if v, ok := parseHex(m[1]); ok {
			d.lastRsp = &v
		}
	}
	if m := irqRe.FindStringSubmatch(line); m != nil {
		d.recentIRQs = append(d.recentIRQs, line)
		if len(d.recentIRQs) > maxRecentIRQs {
			d.recentIRQs = d.recentIRQs[1:]
		}
		if irq, err := strconv.ParseUint(m[1], 16, 32); err == nil {
			d.irqCounts[int(irq)]++
		}
	}
}

// parseHeader recognizes an exception header line and extracts the vector
// and, when present, the error code.
func parseHeader(line string) (vector int, errCode *uint64, ok bool) {
	if m := headerRe.FindStringSubmatch(line); m != nil {
		vecStr := m[1]
		if vecStr == "" {
			vecStr = m[2]
		}
		v, err := strconv.ParseUint(vecStr, 16, 32)
		if err != nil {
			return 0, nil, false
		}
		if m[3] != "" {
			if ec, ok := parseHex(m[3]); ok {
				errCode = &ec
			}
		}
		return int(v), errCode, true
	}
	if m := mnemonicRe.FindStringSubmatch(line); m != nil {
		if vec, found := mnemonicVectors["#"+m[1]]; found {
			return vec, nil, true
		}
	}
	return 0, nil, false
}

func (d *Detector) begin(vector int, errCode *uint64, line string) {
	d.cur = &pendingEvent{
		vector:  vector,
		errCode: errCode,
		regs:    make(map[string]uint64),
	}
	d.accumulate(line)
}

// accumulate records the line and pulls out any fields it carries.
// A field that fails to parse simply stays absent.
func (d *Detector) accumulate(line string) {
	p := d.cur
	p.lines = append(p.lines, line)

	if m := ripRe.FindStringSubmatch(line); m != nil {
		if v, ok := parseHex(m[1]); ok {
			p.rip = &v
		}
	}
	if m := cr2Re.FindStringSubmatch(line); m != nil {
		if v, ok := parseHex(m[1]); ok {
			p.cr2 = &v
		}
	}
	if p.errCode == nil {
		if m := errRe.FindStringSubmatch(line); m != nil {
			if v, ok := parseHex(m[1]); ok {
				p.errCode = &v
			}
		}
	}
	for _, m := range regsRe.FindAllStringSubmatch(line, -1) {
		if v, ok := parseHex(m[2]); ok {
			p.regs[strings.ToUpper(m[1])] = v
		}
	}
}

func (d *Detector) emit() *FaultEvent {
	p := d.cur
	d.cur = nil

	ctx := make([]string, 0, len(d.recentLines)+len(d.recentIRQs))
	ctx = append(ctx, d.recentLines...)
	ctx = append(ctx, d.recentIRQs...)

	name, code := vectorName(p.vector)
	ev := &FaultEvent{
		Vector:   p.vector,
		Name:     name,
		Code:     code,
		Time:     time.Now(),
		Rip:      p.rip,
		ErrCode:  p.errCode,
		Cr2:      p.cr2,
		Regs:     p.regs,
		RawLines: p.lines,
		Context:  ctx,
	}
	// Back-fill from scanning context; the dump itself wins.
	if ev.Rip == nil {
		ev.Rip = d.lastRip
	}
	if ev.Cr2 == nil {
		ev.Cr2 = d.lastCr2
	}
	if _, found := ev.Regs["RSP"]; !found && d.lastRsp != nil {
		ev.Regs["RSP"] = *d.lastRsp
	}
	return ev
}

func vectorName(vector int) (string, string) {
	if nc, ok := vectorNames[vector]; ok {
		return nc[0], nc[1]
	}
	return fmt.Sprintf("Exception %d", vector), fmt.Sprintf("#0x%02X", vector)
}

func parseHex(s string) (uint64, bool) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
