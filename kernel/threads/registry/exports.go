package registry

import (
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
)

// Filter sizing for the export directory
const (
	exportFilterCapacity = 4096
	exportFilterFPRate   = 0.01
)

// Symbol is one registered export.
type Symbol struct {
	Name        string
	Destination foundation.Destination
}

// ExportDirectory is the append-only global symbol table. Lookups are by
// exact name and the earliest registration of a name wins.
type ExportDirectory struct {
	symbols []Symbol
	filter  *bloom.BloomFilter
	misses  uint64
}

// NewExportDirectory creates an empty directory.
func NewExportDirectory() *ExportDirectory {
	return &ExportDirectory{
		filter: bloom.NewWithEstimates(exportFilterCapacity, exportFilterFPRate),
	}
}

// Add appends a symbol. Duplicate names are kept but shadowed.
func (d *ExportDirectory) Add(name string, dst foundation.Destination) {
	d.symbols = append(d.symbols, Symbol{Name: name, Destination: dst})
	d.filter.AddString(name)
}

// Lookup returns the destination of the first symbol registered as name.
func (d *ExportDirectory) Lookup(name string) (foundation.Destination, bool) {
	if !d.filter.TestString(name) {
		d.misses++
		return 0, false
	}
	for _, s := range d.symbols {
		if s.Name == name {
			return s.Destination, true
		}
	}
	return 0, false
}

// Len returns the number of registered symbols.
func (d *ExportDirectory) Len() int {
	return len(d.symbols)
}

// Symbols returns a copy of the registered symbols in registration order.
func (d *ExportDirectory) Symbols() []Symbol {
	out := make([]Symbol, len(d.symbols))
	copy(out, d.symbols)
	return out
}

// FilteredMisses returns how many lookups the filter answered without a scan.
func (d *ExportDirectory) FilteredMisses() uint64 {
	return d.misses
}
