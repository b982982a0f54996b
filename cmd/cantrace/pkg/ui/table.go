package ui

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/roffe/canbus"
)

type rowKey struct {
	id       uint32
	extended bool
}

type row struct {
	last    *canbus.Frame
	count   uint64
	period  float64
	changed []bool
}

// Table keeps the latest frame per identifier along with a receive count,
// the interval between the last two frames and which bytes changed.
type Table struct {
	mu    sync.Mutex
	rows  map[rowKey]*row
	total uint64
}

func NewTable() *Table {
	return &Table{rows: make(map[rowKey]*row)}
}

// Update records f. It is safe to call from the receive goroutine while the
// screen renders.
func (t *Table) Update(f *canbus.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	k := rowKey{f.Identifier, f.Extended}
	r, ok := t.rows[k]
	if !ok {
		t.rows[k] = &row{last: f.Clone(), count: 1, changed: make([]bool, len(f.Data))}
		return
	}
	r.count++
	r.period = f.Timestamp - r.last.Timestamp
	r.changed = make([]bool, len(f.Data))
	for i := range f.Data {
		r.changed[i] = i >= len(r.last.Data) || r.last.Data[i] != f.Data[i]
	}
	r.last = f.Clone()
}

// Total returns the number of frames seen.
func (t *Table) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Len returns the number of distinct identifiers seen.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[rowKey]*row)
	t.total = 0
}

// Render writes one line per identifier in ascending order. Changed bytes
// are marked with hl when it is non-nil.
func (t *Table) Render(w io.Writer, hl func(string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]rowKey, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b rowKey) int {
		if a.extended != b.extended {
			if a.extended {
				return 1
			}
			return -1
		}
		return int(int64(a.id) - int64(b.id))
	})
	fmt.Fprintf(w, "%-8s %8s %9s %3s  %s\n", "ID", "Count", "Period", "DLC", "Data")
	for _, k := range keys {
		r := t.rows[k]
		id := fmt.Sprintf("%03X", k.id)
		if k.extended {
			id = fmt.Sprintf("%08X", k.id)
		}
		var data strings.Builder
		for i, b := range r.last.Data {
			s := fmt.Sprintf("%02X", b)
			if hl != nil && i < len(r.changed) && r.changed[i] {
				s = hl(s)
			}
			if i > 0 {
				data.WriteByte(' ')
			}
			data.WriteString(s)
		}
		fmt.Fprintf(w, "%-8s %8d %9.4f %3d  %s\n", id, r.count, r.period, r.last.DLC, data.String())
	}
}
