package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC1 implements MBC1 ROM/RAM banking: a 5-bit ROM bank number, a 2-bit
// upper-bank/RAM-bank register, and a 1-bit mode select that decides
// which of the two the upper register steers.
type MBC1 struct {
	rom []byte
	ram []byte

	romBankLow5       byte // 0 remaps to 1
	ramBankOrRomHigh2 byte
	modeSelect        byte // 0: ROM banking, 1: RAM banking
	ramEnabled        bool
	dirty             bool
}

func NewMBC1(rom []byte, ramSize int) *MBC1 {
	m := &MBC1{rom: rom, romBankLow5: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	return m
}

func (m *MBC1) ReadROM(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if m.modeSelect == 0 {
			if int(addr) < len(m.rom) {
				return m.rom[addr]
			}
			return 0xFF
		}
		// Mode 1 applies the upper bits to the fixed region too.
		bank := int(m.ramBankOrRomHigh2&0x03) << 5
		off := bank*0x4000 + int(addr)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBankLow5 | (m.ramBankOrRomHigh2&0x03)<<5)
		off := bank*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC1) WriteROM(addr uint16, v byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = v&0x0F == 0x0A
	case addr < 0x4000:
		m.romBankLow5 = v & 0x1F
		if m.romBankLow5 == 0 {
			m.romBankLow5 = 1
		}
	case addr < 0x6000:
		m.ramBankOrRomHigh2 = v & 0x03
	case addr < 0x8000:
		m.modeSelect = v & 0x01
	}
}

func (m *MBC1) ramOffset(addr uint16) int {
	bank := 0
	if m.modeSelect == 1 {
		bank = int(m.ramBankOrRomHigh2 & 0x03)
	}
	return bank*0x2000 + int(addr&0x1FFF)
}

func (m *MBC1) ReadRAM(addr uint16) byte {
	if !m.ramEnabled || len(m.ram) == 0 {
		return 0xFF
	}
	if off := m.ramOffset(addr); off < len(m.ram) {
		return m.ram[off]
	}
	return 0xFF
}

func (m *MBC1) WriteRAM(addr uint16, v byte) {
	if !m.ramEnabled || len(m.ram) == 0 {
		return
	}
	if off := m.ramOffset(addr); off < len(m.ram) {
		m.ram[off] = v
		m.dirty = true
	}
}

func (m *MBC1) Dirty() bool { return m.dirty }
func (m *MBC1) ClearDirty() { m.dirty = false }

func (m *MBC1) ExportRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC1) ImportRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc1State struct {
	RAM        []byte
	RomLow5    byte
	High2      byte
	Mode       byte
	RamEnabled bool
}

func (m *MBC1) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc1State{
		RAM: m.ExportRAM(), RomLow5: m.romBankLow5,
		High2: m.ramBankOrRomHigh2, Mode: m.modeSelect, RamEnabled: m.ramEnabled,
	})
	return buf.Bytes()
}

func (m *MBC1) LoadState(data []byte) {
	var s mbc1State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ImportRAM(s.RAM)
	m.romBankLow5, m.ramBankOrRomHigh2 = s.RomLow5, s.High2
	if m.romBankLow5 == 0 {
		m.romBankLow5 = 1
	}
	m.modeSelect, m.ramEnabled = s.Mode, s.RamEnabled
}
