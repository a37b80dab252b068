package wasm

import (
	"fmt"
	"strconv"
)

// SlotExportPrefix prefixes the synthetic exports created for table slots.
const SlotExportPrefix = "wasi-parallel:slot/"

// SlotExportName returns the export name under which slot is exposed.
func SlotExportName(slot uint32) string {
	return SlotExportPrefix + strconv.FormatUint(uint64(slot), 10)
}

// sectionOrder ranks known sections by their required position.
var sectionOrder = map[byte]int{
	SectionType:      1,
	SectionImport:    2,
	SectionFunction:  3,
	SectionTable:     4,
	SectionMemory:    5,
	SectionTag:       6,
	SectionGlobal:    7,
	SectionExport:    8,
	SectionStart:     9,
	SectionElement:   10,
	SectionDataCount: 11,
	SectionCode:      12,
	SectionData:      13,
}

// ExportSlots returns bin with every populated slot of layout exported as
// a function named by name(slot). Existing exports are kept; a slot whose
// name is already exported is left alone. Returns bin unchanged if there is
// nothing to export.
func ExportSlots(bin []byte, layout *TableLayout, name func(uint32) string) ([]byte, error) {
	if layout == nil || len(layout.Slots) == 0 {
		return bin, nil
	}
	sections, err := Sections(bin)
	if err != nil {
		return nil, err
	}

	var exportSec *Section
	insertAt := len(bin)
	for i := range sections {
		s := &sections[i]
		if s.ID == SectionExport {
			exportSec = s
			break
		}
		if rank, ok := sectionOrder[s.ID]; ok && rank > sectionOrder[SectionExport] {
			insertAt = s.Head
			break
		}
	}

	var entries []byte
	var count uint32
	existing := make(map[string]bool)
	if exportSec != nil {
		r := &reader{data: bin[:exportSec.End], pos: exportSec.Start}
		if count, err = r.u32(); err != nil {
			return nil, fmt.Errorf("export section: %w", err)
		}
		bodyStart := r.pos
		for i := uint32(0); i < count; i++ {
			n, err := r.name()
			if err != nil {
				return nil, fmt.Errorf("export %d: %w", i, err)
			}
			if _, err := r.byte(); err != nil {
				return nil, err
			}
			if _, err := r.u32(); err != nil {
				return nil, err
			}
			existing[n] = true
		}
		entries = append(entries, bin[bodyStart:exportSec.End]...)
	}

	added := 0
	for _, slot := range layout.SortedSlots() {
		n := name(slot)
		if existing[n] {
			continue
		}
		entries = append(entries, EncodeName(n)...)
		entries = append(entries, ExternFunc)
		entries = append(entries, EncodeULEB128(layout.Slots[slot])...)
		count++
		added++
	}
	if added == 0 {
		return bin, nil
	}

	body := EncodeULEB128(count)
	body = append(body, entries...)
	section := []byte{SectionExport}
	section = append(section, EncodeULEB128(uint32(len(body)))...)
	section = append(section, body...)

	out := make([]byte, 0, len(bin)+len(section))
	if exportSec != nil {
		out = append(out, bin[:exportSec.Head]...)
		out = append(out, section...)
		out = append(out, bin[exportSec.End:]...)
		return out, nil
	}
	out = append(out, bin[:insertAt]...)
	out = append(out, section...)
	out = append(out, bin[insertAt:]...)
	return out, nil
}
