package cart

import (
	"bytes"
	"encoding/gob"
)

// ROMOnly is a flat 32 KiB cartridge with no banking hardware. A RAM
// array is kept when the header declares one (a few such carts exist).
type ROMOnly struct {
	rom   []byte
	ram   []byte
	dirty bool
}

func NewROMOnly(rom []byte, ramSize int) *ROMOnly {
	r := &ROMOnly{rom: rom}
	if ramSize > 0 {
		r.ram = make([]byte, ramSize)
	}
	return r
}

func (r *ROMOnly) ReadROM(addr uint16) byte {
	if int(addr) < len(r.rom) {
		return r.rom[addr]
	}
	return 0xFF
}

// WriteROM is ignored: there is no controller to decode it.
func (r *ROMOnly) WriteROM(addr uint16, v byte) {}

func (r *ROMOnly) ReadRAM(addr uint16) byte {
	if int(addr) < len(r.ram) {
		return r.ram[addr]
	}
	return 0xFF
}

func (r *ROMOnly) WriteRAM(addr uint16, v byte) {
	if int(addr) < len(r.ram) {
		r.ram[addr] = v
		r.dirty = true
	}
}

func (r *ROMOnly) Dirty() bool { return r.dirty }
func (r *ROMOnly) ClearDirty() { r.dirty = false }

func (r *ROMOnly) ExportRAM() []byte {
	if len(r.ram) == 0 {
		return nil
	}
	out := make([]byte, len(r.ram))
	copy(out, r.ram)
	return out
}

func (r *ROMOnly) ImportRAM(data []byte) {
	if len(r.ram) == 0 || len(data) == 0 {
		return
	}
	copy(r.ram, data)
}

type romOnlyState struct {
	RAM []byte
}

func (r *ROMOnly) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(romOnlyState{RAM: r.ExportRAM()})
	return buf.Bytes()
}

func (r *ROMOnly) LoadState(data []byte) {
	var s romOnlyState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	r.ImportRAM(s.RAM)
}
