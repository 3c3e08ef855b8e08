package monitor

import "strings"

// QemuConfig describes one qemu-system-x86_64 invocation. Zero values
// fall back to the defaults the kernel's boot flow expects.
type QemuConfig struct {
	Binary     string   // emulator executable
	Image      string   // boot directory exposed as a FAT drive
	Memory     string
	Serial     string
	DebugFlags []string // -d categories, e.g. int,cpu_reset
	TraceLog   string   // -D target file
	EnableGDB  bool
	ExtraArgs  []string
}

const (
	defaultQemuBinary = "qemu-system-x86_64"
	defaultMemory     = "512M"
	defaultSerial     = "stdio"
)

var defaultDebugFlags = []string{"int", "cpu_reset"}

// Command returns the executable and argument list for this
// configuration.
func (c QemuConfig) Command() (string, []string) {
	bin := c.Binary
	if bin == "" {
		bin = defaultQemuBinary
	}
	mem := c.Memory
	if mem == "" {
		mem = defaultMemory
	}
	serial := c.Serial
	if serial == "" {
		serial = defaultSerial
	}
	flags := c.DebugFlags
	if len(flags) == 0 {
		flags = defaultDebugFlags
	}

	args := []string{
		"-m", mem,
		"-serial", serial,
		"-monitor", "none",
		"-no-reboot",
		"-no-shutdown",
	}
	if c.Image != "" {
		args = append(args, "-drive", "file=fat:rw:"+c.Image+",format=raw")
	}
	args = append(args, "-d", strings.Join(flags, ","))
	if c.TraceLog != "" {
		args = append(args, "-D", c.TraceLog)
	}
	if c.EnableGDB {
		// -s opens the gdb stub on :1234, -S pauses at reset.
		args = append(args, "-s", "-S")
	}
	args = append(args, c.ExtraArgs...)
	return bin, args
}
