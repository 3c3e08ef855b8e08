package analysis

import (
	"debug/dwarf"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"anvil/internal/elfx"
)

// demangleCache avoids re-demangling hot symbols. Rust and C++ kernels
// mangle aggressively and the same frames show up in every crash.
var demangleCache = struct {
	mu sync.RWMutex
	m  map[string]string
}{m: make(map[string]string)}

// CachedDemangle demangles a symbol name, caching the result. Names that
// are not mangled come back unchanged.
func CachedDemangle(mangled string) string {
	demangleCache.mu.RLock()
	if d, ok := demangleCache.m[mangled]; ok {
		demangleCache.mu.RUnlock()
		return d
	}
	demangleCache.mu.RUnlock()

	d := demangle.Filter(mangled, demangle.NoClones)

	demangleCache.mu.Lock()
	demangleCache.m[mangled] = d
	demangleCache.mu.Unlock()
	return d
}

// Resolver maps virtual addresses to symbols and source locations in one
// kernel image. Resolution is a pure function of (image, address).
// Not goroutine-safe; diagnosis of a fault is strictly sequential.
type Resolver struct {
	im     *elfx.Image
	dw     *dwarf.Data
	dwTry  bool
}

func NewResolver(im *elfx.Image) *Resolver {
	return &Resolver{im: im}
}

// Resolve returns the symbol enclosing addr under the nearest-below
// policy: the symbol with the greatest address <= addr, requiring
// containment when the symbol records a size. Returns nil (not an error)
// for addresses below the lowest symbol.
func (r *Resolver) Resolve(addr uint64) *ResolvedSymbol {
	syms := r.im.Syms
	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].Addr > addr
	})
	if i == 0 {
		return nil
	}
	// Ties share an address; prefer the first-seen entry.
	for i >= 2 && syms[i-2].Addr == syms[i-1].Addr {
		i--
	}
	s := syms[i-1]
	if s.Size > 0 && addr >= s.Addr+s.Size {
		return nil
	}

	rs := &ResolvedSymbol{
		Name:   CachedDemangle(s.Name),
		Addr:   s.Addr,
		Offset: addr - s.Addr,
	}
	if file, line, ok := r.lineFor(addr); ok {
		rs.File = file
		rs.Line = line
	}
	return rs
}

// lineFor maps addr to a source location via DWARF line tables.
// Best-effort: any failure just means no location.
func (r *Resolver) lineFor(addr uint64) (string, int, bool) {
	if !r.dwTry {
		r.dwTry = true
		if r.im.File != nil {
			if dw, err := r.im.File.DWARF(); err == nil {
				r.dw = dw
			}
		}
	}
	if r.dw == nil {
		return "", 0, false
	}

	reader := r.dw.Reader()
	for {
		cu, err := reader.Next()
		if err != nil || cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		lr, err := r.dw.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}
		var entry dwarf.LineEntry
		if err := lr.SeekPC(addr, &entry); err == nil && entry.File != nil {
			return entry.File.Name, entry.Line, true
		}
	}
	return "", 0, false
}
