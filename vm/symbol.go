package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: Interned symbols
// ---------------------------------------------------------------------------

// SymbolTable interns symbol names. Every symbol gets a dense id and, once
// it is first used as a value, a single heap cell, so equal symbols are the
// same reference. Those cells are collector roots.
type SymbolTable struct {
	mu      sync.RWMutex
	ids     map[string]uint32
	entries []symbolEntry
}

type symbolEntry struct {
	name string
	cell Ref // NoRef until materialized
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		ids:     make(map[string]uint32),
		entries: make([]symbolEntry, 0, 256),
	}
}

// Intern returns the id of name, assigning the next one if it is new.
func (st *SymbolTable) Intern(name string) uint32 {
	if id, ok := st.Lookup(name); ok {
		return id
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.ids[name]; ok {
		return id
	}
	id := uint32(len(st.entries))
	st.ids[name] = id
	st.entries = append(st.entries, symbolEntry{name: name})
	return id
}

// Lookup returns the id of name without interning it.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.ids[name]
	return id, ok
}

// Name returns the name behind id, or "" for an unknown id.
func (st *SymbolTable) Name(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.entries) {
		return ""
	}
	return st.entries[id].name
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// Cell returns the cell of id, allocating it on first use.
func (st *SymbolTable) Cell(h *Heap, id uint32) Ref {
	st.mu.RLock()
	n := len(st.entries)
	var r Ref
	if int(id) < n {
		r = st.entries[id].cell
	}
	st.mu.RUnlock()
	if int(id) >= n {
		faultf("symbol id %d out of range", id)
	}
	if r != NoRef {
		return r
	}

	// Allocation may collect, which rewrites entries through ScanRoots, so
	// the lock is not held across it.
	r = h.newSymbolCell(id)
	st.mu.Lock()
	st.entries[id].cell = r
	st.mu.Unlock()
	return r
}

// InternCell interns name and returns its cell.
func (st *SymbolTable) InternCell(h *Heap, name string) Ref {
	return st.Cell(h, st.Intern(name))
}

// ScanRoots reports every materialized symbol cell.
func (st *SymbolTable) ScanRoots(visit func(*Ref)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.entries {
		if st.entries[i].cell != NoRef {
			visit(&st.entries[i].cell)
		}
	}
}
