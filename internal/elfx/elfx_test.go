package elfx

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"anvil/internal/disasm"
)

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "no-such-kernel.elf"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenNotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	if err := os.WriteFile(path, []byte("this is not an executable"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("expected *FormatError, got %v", err)
	}
}

func TestOpenSelf(t *testing.T) {
	// The test binary itself is a convenient real ELF with a symbol table.
	im, err := Open("/proc/self/exe")
	if err != nil {
		t.Skipf("cannot open test binary: %v", err)
	}
	defer im.Close()

	if len(im.Sections) == 0 {
		t.Fatal("no sections loaded")
	}
	if !sort.SliceIsSorted(im.Syms, func(i, j int) bool {
		return im.Syms[i].Addr < im.Syms[j].Addr
	}) {
		t.Error("symbol table not sorted by address")
	}
	for _, s := range im.Syms {
		if s.Name == "" && len(im.Syms) > 1 {
			t.Error("unnamed symbol survived filtering")
			break
		}
	}
}

// testImage builds an in-memory image around a code buffer mapped at base.
func testImage(code []byte, base uint64) *Image {
	return &Image{
		All: code,
		Loads: []Seg{
			{Vaddr: base, Off: 0, Filesz: uint64(len(code)), Flags: elf.PF_R | elf.PF_X},
		},
		Sections: []Section{
			{
				Name:  ".text",
				Addr:  base,
				Off:   0,
				Size:  uint64(len(code)),
				Type:  elf.SHT_PROGBITS,
				Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			},
		},
	}
}

func TestVA2OffAndSliceVA(t *testing.T) {
	im := testImage([]byte{0x90, 0x90, 0xc3}, 0xffffffff80010000)

	off, ok := im.VA2Off(0xffffffff80010002)
	if !ok || off != 2 {
		t.Errorf("VA2Off: got (%d, %v)", off, ok)
	}
	if _, ok := im.VA2Off(0xffffffff80020000); ok {
		t.Error("VA2Off succeeded for unmapped address")
	}

	b, ok := im.SliceVA(0xffffffff80010001, 2)
	if !ok || len(b) != 2 || b[0] != 0x90 || b[1] != 0xc3 {
		t.Errorf("SliceVA: got (%x, %v)", b, ok)
	}
	if _, ok := im.SliceVA(0xffffffff80010001, 100); ok {
		t.Error("SliceVA succeeded past end of file")
	}
}

func TestScanInstructions(t *testing.T) {
	// nop; ret; nop
	im := testImage([]byte{0x90, 0xc3, 0x90}, 0x1000)

	hits := im.ScanInstructions(func(inst disasm.Inst) bool {
		return inst.Op == "nop"
	})
	want := []uint64{0x1000, 0x1002}
	if len(hits) != 2 || hits[0] != want[0] || hits[1] != want[1] {
		t.Errorf("expected %v, got %v", want, hits)
	}
}

func TestCheckSSE(t *testing.T) {
	// nop; movaps %xmm0,%xmm1; ret
	code := []byte{0x90, 0x0f, 0x28, 0xc8, 0xc3}
	im := testImage(code, 0x1000)
	im.Syms = []Sym{{Name: "kernel_main", Addr: 0x1000, Size: uint64(len(code))}}

	violations := im.CheckSSE()
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %v", len(violations), violations)
	}
	v := violations[0]
	if v.Addr != 0x1001 {
		t.Errorf("violation address: got %#x", v.Addr)
	}
	if v.Symbol != "kernel_main" {
		t.Errorf("violation symbol: got %q", v.Symbol)
	}
}

func TestCheckSSEClean(t *testing.T) {
	im := testImage([]byte{0x90, 0xc3}, 0x1000)
	if v := im.CheckSSE(); len(v) != 0 {
		t.Errorf("expected no violations, got %v", v)
	}
}
