package wasm

import (
	"fmt"
	"sort"
)

// TableLayout is table 0 as initialized by active element segments.
type TableLayout struct {
	// Slots maps a table slot to the function index placed there.
	Slots map[uint32]uint32
	// Size is the declared minimum size of table 0.
	Size uint32
	// Present reports whether the module has a table 0 at all.
	Present bool
	// Unresolved counts active segments whose offset is not a constant,
	// e.g. global.get of an imported global.
	Unresolved int
}

// SortedSlots returns populated slot numbers in ascending order.
func (l *TableLayout) SortedSlots() []uint32 {
	out := make([]uint32, 0, len(l.Slots))
	for s := range l.Slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseTable recovers the contents of table 0 after instantiation-time
// element initialization.
func ParseTable(bin []byte) (*TableLayout, error) {
	sections, err := Sections(bin)
	if err != nil {
		return nil, err
	}

	layout := &TableLayout{Slots: make(map[uint32]uint32)}
	for _, s := range sections {
		r := &reader{data: bin[:s.End], pos: s.Start}
		switch s.ID {
		case SectionImport:
			err = parseTableImports(r, layout)
		case SectionTable:
			if !layout.Present {
				err = parseTableSection(r, layout)
			}
		case SectionElement:
			err = parseElements(r, layout)
		}
		if err != nil {
			return nil, fmt.Errorf("section 0x%02x at offset %d: %w", s.ID, s.Head, err)
		}
	}
	return layout, nil
}

func parseTableImports(r *reader, layout *TableLayout) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if _, err := r.name(); err != nil {
			return err
		}
		if _, err := r.name(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case ExternFunc:
			_, err = r.u32()
		case ExternTable:
			if _, err = r.byte(); err != nil {
				return err
			}
			var min uint32
			if min, err = r.limits(); err == nil && !layout.Present {
				layout.Present = true
				layout.Size = min
			}
		case ExternMemory:
			_, err = r.limits()
		case ExternGlobal:
			_, err = r.bytes(2)
		case ExternTag:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			return fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *reader, layout *TableLayout) error {
	count, err := r.u32()
	if err != nil || count == 0 {
		return err
	}
	b, err := r.byte()
	if err != nil {
		return err
	}
	if b == 0x40 {
		// table with initializer expression: 0x40 0x00 reftype limits expr
		if _, err := r.byte(); err != nil {
			return err
		}
		if _, err := r.byte(); err != nil {
			return err
		}
	}
	min, err := r.limits()
	if err != nil {
		return err
	}
	layout.Present = true
	layout.Size = min
	return nil
}

func parseElements(r *reader, layout *TableLayout) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.u32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("element segment %d: unknown flags %d", i, flags)
		}

		active := flags&0x01 == 0
		explicitTable := flags&0x02 != 0
		exprs := flags&0x04 != 0

		table := uint32(0)
		offset := int64(-1)
		if active {
			if explicitTable {
				if table, err = r.u32(); err != nil {
					return err
				}
			}
			if offset, err = constOffset(r); err != nil {
				return err
			}
		}
		if !active || explicitTable {
			// elemkind (index form) or reftype (expression form)
			if _, err := r.byte(); err != nil {
				return err
			}
		}

		n, err := r.u32()
		if err != nil {
			return err
		}
		apply := active && table == 0
		if apply && offset < 0 {
			layout.Unresolved++
			apply = false
		}
		for j := uint32(0); j < n; j++ {
			fn, isFunc, err := elemFunc(r, exprs)
			if err != nil {
				return err
			}
			if !apply {
				continue
			}
			slot := uint32(offset) + j
			if isFunc {
				layout.Slots[slot] = fn
			} else {
				delete(layout.Slots, slot)
			}
		}
	}
	return nil
}

// constOffset reads an offset expression. It returns -1 when the
// expression is valid but not an i32.const.
func constOffset(r *reader) (int64, error) {
	start := r.pos
	op, err := r.byte()
	if err != nil {
		return 0, err
	}
	if op == OpI32Const {
		v, err := r.s32()
		if err != nil {
			return 0, err
		}
		end, err := r.byte()
		if err != nil {
			return 0, err
		}
		if end == OpEnd {
			return int64(uint32(v)), nil
		}
	}
	r.pos = start
	if err := r.skipExpr(); err != nil {
		return 0, err
	}
	return -1, nil
}

func elemFunc(r *reader, expr bool) (uint32, bool, error) {
	if !expr {
		fn, err := r.u32()
		return fn, true, err
	}
	start := r.pos
	op, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	if op == OpRefFunc {
		fn, err := r.u32()
		if err != nil {
			return 0, false, err
		}
		if end, err := r.byte(); err == nil && end == OpEnd {
			return fn, true, nil
		}
	}
	r.pos = start
	return 0, false, r.skipExpr()
}
