package cart

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"
)

// rtcClock holds the MBC3 real-time-clock counters. Days is 9 bits; an
// overflow past 0x1FF sets the sticky carry.
type rtcClock struct {
	Seconds         int
	Minutes         int
	Hours           int
	Days            int
	Carry           bool
	Halt            bool
	LastUnixSeconds int64
}

// MBC3 implements ROM/RAM banking plus the battery-backed RTC. The clock
// advances lazily from wall-clock deltas on each register access rather
// than being ticked by the emulated machine.
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits, 0 remaps to 1
	ramSelect  byte // 0x00-0x03 RAM bank, 0x08-0x0C RTC register
	dirty      bool

	rtc        rtcClock
	latched    rtcClock
	hasLatch   bool
	latchArmed bool // last latch-register write was 0

	now func() int64
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, romBank: 1, now: func() int64 { return time.Now().Unix() }}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.rtc.LastUnixSeconds = m.now()
	return m
}

// SetClock replaces the wall-clock source, for tests.
func (m *MBC3) SetClock(now func() int64) {
	m.now = now
	m.rtc.LastUnixSeconds = now()
}

// advanceRTC folds the elapsed wall-clock time into the counters. A host
// clock that went backward resets the reference point without advancing.
func (m *MBC3) advanceRTC() {
	nowSec := m.now()
	delta := nowSec - m.rtc.LastUnixSeconds
	m.rtc.LastUnixSeconds = nowSec
	if delta <= 0 || m.rtc.Halt {
		return
	}
	total := int64(m.rtc.Seconds) + delta
	m.rtc.Seconds = int(total % 60)
	total /= 60
	total += int64(m.rtc.Minutes)
	m.rtc.Minutes = int(total % 60)
	total /= 60
	total += int64(m.rtc.Hours)
	m.rtc.Hours = int(total % 24)
	total /= 24
	total += int64(m.rtc.Days)
	if total > 0x1FF {
		m.rtc.Carry = true
		total &= 0x1FF
	}
	m.rtc.Days = int(total)
}

func (m *MBC3) ReadROM(addr uint16) byte {
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

func (m *MBC3) WriteROM(addr uint16, v byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = v&0x0F == 0x0A
	case addr < 0x4000:
		b := v & 0x7F
		if b == 0 {
			b = 1
		}
		m.romBank = b
	case addr < 0x6000:
		m.ramSelect = v
	case addr < 0x8000:
		// Latch sequence: 0 then 1 snapshots the live clock.
		if v == 0x00 {
			m.latchArmed = true
		} else if v == 0x01 && m.latchArmed {
			m.advanceRTC()
			m.latched = m.rtc
			m.hasLatch = true
			m.latchArmed = false
		} else {
			m.latchArmed = false
		}
	}
}

func (m *MBC3) ReadRAM(addr uint16) byte {
	if !m.ramEnabled {
		return 0xFF
	}
	if m.ramSelect >= 0x08 && m.ramSelect <= 0x0C {
		return m.readRTCReg(m.ramSelect)
	}
	if m.ramSelect > 0x03 || len(m.ram) == 0 {
		return 0xFF
	}
	off := int(m.ramSelect)*0x2000 + int(addr&0x1FFF)
	if off < len(m.ram) {
		return m.ram[off]
	}
	return 0xFF
}

func (m *MBC3) WriteRAM(addr uint16, v byte) {
	if !m.ramEnabled {
		return
	}
	if m.ramSelect >= 0x08 && m.ramSelect <= 0x0C {
		m.writeRTCReg(m.ramSelect, v)
		m.dirty = true
		return
	}
	if m.ramSelect > 0x03 || len(m.ram) == 0 {
		return
	}
	off := int(m.ramSelect)*0x2000 + int(addr&0x1FFF)
	if off < len(m.ram) {
		m.ram[off] = v
		m.dirty = true
	}
}

// readRTCReg returns the latched snapshot when one exists, falling back
// to the live (advanced) clock before the first latch.
func (m *MBC3) readRTCReg(reg byte) byte {
	src := &m.rtc
	if m.hasLatch {
		src = &m.latched
	} else {
		m.advanceRTC()
	}
	switch reg {
	case 0x08:
		return byte(src.Seconds)
	case 0x09:
		return byte(src.Minutes)
	case 0x0A:
		return byte(src.Hours)
	case 0x0B:
		return byte(src.Days)
	case 0x0C:
		var v byte = byte(src.Days>>8) & 0x01
		if src.Halt {
			v |= 1 << 6
		}
		if src.Carry {
			v |= 1 << 7
		}
		return v
	}
	return 0xFF
}

func (m *MBC3) writeRTCReg(reg byte, v byte) {
	m.advanceRTC()
	switch reg {
	case 0x08:
		m.rtc.Seconds = int(v) % 60
	case 0x09:
		m.rtc.Minutes = int(v) % 60
	case 0x0A:
		m.rtc.Hours = int(v) % 24
	case 0x0B:
		m.rtc.Days = m.rtc.Days&0x100 | int(v)
	case 0x0C:
		m.rtc.Days = m.rtc.Days&0xFF | int(v&0x01)<<8
		m.rtc.Halt = v&(1<<6) != 0
		m.rtc.Carry = v&(1<<7) != 0
	}
}

func (m *MBC3) Dirty() bool { return m.dirty }
func (m *MBC3) ClearDirty() { m.dirty = false }

func (m *MBC3) ExportRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) ImportRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

// rtcMetadata is the externally visible persistence schema for the RTC.
type rtcMetadata struct {
	Type string     `json:"type"`
	RTC  rtcPayload `json:"rtc"`
}

type rtcPayload struct {
	Seconds         int   `json:"seconds"`
	Minutes         int   `json:"minutes"`
	Hours           int   `json:"hours"`
	Days            int   `json:"days"`
	Carry           bool  `json:"carry"`
	Halt            bool  `json:"halt"`
	LastUnixSeconds int64 `json:"lastUnixSeconds"`
}

const rtcMetadataType = "mbc3_rtc_v1"

// ExportMetadata serializes the live RTC counters (advanced to now).
func (m *MBC3) ExportMetadata() []byte {
	m.advanceRTC()
	out, _ := json.Marshal(rtcMetadata{
		Type: rtcMetadataType,
		RTC: rtcPayload{
			Seconds: m.rtc.Seconds, Minutes: m.rtc.Minutes, Hours: m.rtc.Hours,
			Days: m.rtc.Days, Carry: m.rtc.Carry, Halt: m.rtc.Halt,
			LastUnixSeconds: m.rtc.LastUnixSeconds,
		},
	})
	return out
}

// ImportMetadata restores RTC counters from an ExportMetadata payload and
// clears any latched snapshot.
func (m *MBC3) ImportMetadata(data []byte) error {
	var meta rtcMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("decode RTC metadata: %w", err)
	}
	if meta.Type != rtcMetadataType {
		return fmt.Errorf("unknown RTC metadata type %q", meta.Type)
	}
	p := meta.RTC
	if p.Seconds < 0 || p.Seconds > 59 || p.Minutes < 0 || p.Minutes > 59 ||
		p.Hours < 0 || p.Hours > 23 || p.Days < 0 || p.Days > 0x1FF || p.LastUnixSeconds < 0 {
		return fmt.Errorf("RTC metadata field out of range")
	}
	m.rtc = rtcClock{
		Seconds: p.Seconds, Minutes: p.Minutes, Hours: p.Hours,
		Days: p.Days, Carry: p.Carry, Halt: p.Halt,
		LastUnixSeconds: p.LastUnixSeconds,
	}
	m.hasLatch = false
	m.latchArmed = false
	return nil
}

type mbc3State struct {
	RAM        []byte
	RomBank    byte
	RamSelect  byte
	RamEnabled bool
	RTC        rtcClock
	Latched    rtcClock
	HasLatch   bool
	LatchArmed bool
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: m.ExportRAM(), RomBank: m.romBank, RamSelect: m.ramSelect,
		RamEnabled: m.ramEnabled, RTC: m.rtc, Latched: m.latched,
		HasLatch: m.hasLatch, LatchArmed: m.latchArmed,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ImportRAM(s.RAM)
	m.romBank, m.ramSelect, m.ramEnabled = s.RomBank, s.RamSelect, s.RamEnabled
	if m.romBank == 0 {
		m.romBank = 1
	}
	m.rtc, m.latched = s.RTC, s.Latched
	m.hasLatch, m.latchArmed = s.HasLatch, s.LatchArmed
}
