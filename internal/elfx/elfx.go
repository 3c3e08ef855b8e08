// Package elfx provides helpers for opening ELF kernel images, exposing
// their section and symbol tables, and mapping virtual addresses to file
// offsets.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"syscall"

	"anvil/internal/disasm"
)

// ErrNotFound reports a missing image file.
var ErrNotFound = errors.New("binary not found")

// FormatError reports a file that is not a recognized ELF container.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: not a valid ELF image: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Image is a loaded kernel binary. It is immutable once opened and lives
// for the duration of one diagnostic session.
type Image struct {
	Path     string
	File     *elf.File
	All      []byte
	Loads    []Seg
	Sections []Section
	Syms     []Sym // sorted by address ascending, ties in first-seen order
	Entry    uint64
	f        *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name  string
	Addr  uint64
	Off   uint64
	Size  uint64
	Type  elf.SectionType
	Flags elf.SectionFlag
}

// Exec reports whether the section holds executable code.
func (s Section) Exec() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// Contains reports whether va lies inside the section.
func (s Section) Contains(va uint64) bool {
	return s.Size != 0 && va >= s.Addr && va < s.Addr+s.Size
}

type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// Open loads an ELF kernel image. It returns ErrNotFound when the path
// does not exist and a *FormatError when the file is not ELF.
func Open(path string) (*Image, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, Entry: f.Entry, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL || s.Name == "" {
			continue
		}
		im.Sections = append(im.Sections, Section{
			Name:  s.Name,
			Addr:  s.Addr,
			Off:   s.Offset,
			Size:  s.Size,
			Type:  s.Type,
			Flags: s.Flags,
		})
	}

	im.loadSymbols()
	return im, nil
}

// loadSymbols reads .symtab, drops unusable entries, and sorts by address.
func (im *Image) loadSymbols() {
	syms, err := im.File.Symbols()
	if err != nil {
		return // stripped binary
	}

	for _, sym := range syms {
		// Section entries and the like carry no name; undefined
		// symbols carry no address. Neither helps attribution.
		if sym.Name == "" || sym.Value == 0 {
			if len(syms) > 1 {
				continue
			}
		}
		im.Syms = append(im.Syms, Sym{
			Name: sym.Name,
			Addr: sym.Value,
			Size: sym.Size,
		})
	}

	sort.SliceStable(im.Syms, func(i, j int) bool {
		return im.Syms[i].Addr < im.Syms[j].Addr
	})
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// VA2Off translates a virtual address into a file offset using PT_LOAD
// segments, falling back to section headers for images without program
// headers. It returns false if the VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	for _, s := range im.Sections {
		if s.Flags&elf.SHF_ALLOC != 0 && s.Contains(va) {
			return s.Off + (va - s.Addr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file for the virtual address
// range [va, va+size). It returns (nil, false) if the VA is unmapped or the
// range runs past the file.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// SectionAt returns the section containing va, or nil.
func (im *Image) SectionAt(va uint64) *Section {
	for i := range im.Sections {
		if im.Sections[i].Contains(va) {
			return &im.Sections[i]
		}
	}
	return nil
}

// ExecSections returns the executable sections in file order.
func (im *Image) ExecSections() []Section {
	var out []Section
	for _, s := range im.Sections {
		if s.Exec() && s.Type != elf.SHT_NOBITS {
			out = append(out, s)
		}
	}
	return out
}

// ScanInstructions decodes every executable section and returns the
// addresses of instructions matching pred. Placeholder bytes are skipped.
func (im *Image) ScanInstructions(pred func(disasm.Inst) bool) []uint64 {
	var hits []uint64
	for _, sec := range im.ExecSections() {
		code, ok := im.SliceVA(sec.Addr, sec.Size)
		if !ok {
			continue
		}
		d := disasm.NewDecoder(code, sec.Addr)
		for {
			inst, ok := d.Next()
			if !ok {
				break
			}
			if inst.Bad {
				continue
			}
			if pred(inst) {
				hits = append(hits, inst.VA)
			}
		}
	}
	return hits
}

// sseRe matches SSE/AVX mnemonics and vector registers the kernel must not
// touch before it enables them.
var sseRe = regexp.MustCompile(`(?i)\b(movaps|movups|movss|movsd|addps|addss|subps|subss|mulps|mulss|divps|divss|pxor|movdqa|movdqu|paddd|psubd)\b|%?(xmm|ymm|zmm)[0-9]+|\bv(mov|add|sub|mul|div)\w*\b`)

// Violation is a forbidden vector instruction found in the image.
type Violation struct {
	Addr   uint64
	Text   string
	Symbol string
}

// CheckSSE scans the executable sections for SSE/AVX usage.
func (im *Image) CheckSSE() []Violation {
	var out []Violation
	for _, sec := range im.ExecSections() {
		code, ok := im.SliceVA(sec.Addr, sec.Size)
		if !ok {
			continue
		}
		d := disasm.NewDecoder(code, sec.Addr)
		for {
			inst, ok := d.Next()
			if !ok {
				break
			}
			if inst.Bad || !sseRe.MatchString(inst.Text) {
				continue
			}
			out = append(out, Violation{
				Addr:   inst.VA,
				Text:   inst.Text,
				Symbol: im.symbolFor(inst.VA),
			})
		}
	}
	return out
}

// symbolFor names the nearest symbol at or below va, for scan reports.
func (im *Image) symbolFor(va uint64) string {
	i := sort.Search(len(im.Syms), func(i int) bool {
		return im.Syms[i].Addr > va
	})
	if i == 0 {
		return ""
	}
	return im.Syms[i-1].Name
}
