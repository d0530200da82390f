package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC5 implements 9-bit ROM banking (up to 8 MiB) and 4-bit RAM banking.
// Unlike MBC1/MBC3, bank 0 is selectable in the switchable region.
type MBC5 struct {
	rom []byte
	ram []byte

	romBank    uint16 // 9 bits
	ramBank    byte   // 4 bits
	ramEnabled bool
	dirty      bool
}

func NewMBC5(rom []byte, ramSize int) *MBC5 {
	m := &MBC5{rom: rom, romBank: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	return m
}

func (m *MBC5) ReadROM(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		off := int(m.romBank)*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC5) WriteROM(addr uint16, v byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = v&0x0F == 0x0A
	case addr < 0x3000:
		m.romBank = m.romBank&0x100 | uint16(v)
	case addr < 0x4000:
		if v&0x01 != 0 {
			m.romBank |= 0x100
		} else {
			m.romBank &^= 0x100
		}
	case addr < 0x6000:
		m.ramBank = v & 0x0F
	}
}

func (m *MBC5) ramOffset(addr uint16) int {
	return int(m.ramBank)*0x2000 + int(addr&0x1FFF)
}

func (m *MBC5) ReadRAM(addr uint16) byte {
	if !m.ramEnabled || len(m.ram) == 0 {
		return 0xFF
	}
	if off := m.ramOffset(addr); off < len(m.ram) {
		return m.ram[off]
	}
	return 0xFF
}

func (m *MBC5) WriteRAM(addr uint16, v byte) {
	if !m.ramEnabled || len(m.ram) == 0 {
		return
	}
	if off := m.ramOffset(addr); off < len(m.ram) {
		m.ram[off] = v
		m.dirty = true
	}
}

func (m *MBC5) Dirty() bool { return m.dirty }
func (m *MBC5) ClearDirty() { m.dirty = false }

func (m *MBC5) ExportRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC5) ImportRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc5State struct {
	RAM        []byte
	RomBank    uint16
	RamBank    byte
	RamEnabled bool
}

func (m *MBC5) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc5State{
		RAM: m.ExportRAM(), RomBank: m.romBank, RamBank: m.ramBank, RamEnabled: m.ramEnabled,
	})
	return buf.Bytes()
}

func (m *MBC5) LoadState(data []byte) {
	var s mbc5State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ImportRAM(s.RAM)
	m.romBank, m.ramBank, m.ramEnabled = s.RomBank, s.RamBank, s.RamEnabled
}
