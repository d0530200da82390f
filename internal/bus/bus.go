// Package bus implements the unified DMG address space: routing into the
// cartridge, PPU, APU, timer, serial port, joypad and interrupt
// controller, the work/high RAM it owns itself, and the OAM DMA engine
// with its bus-blocking rules.
package bus

import (
	"github.com/dmgcore/gbcore/internal/apu"
	"github.com/dmgcore/gbcore/internal/cart"
	"github.com/dmgcore/gbcore/internal/interrupt"
	"github.com/dmgcore/gbcore/internal/joypad"
	"github.com/dmgcore/gbcore/internal/ppu"
	"github.com/dmgcore/gbcore/internal/serial"
	"github.com/dmgcore/gbcore/internal/timer"
)

// dmaStartDelay is the cycle count between the FF46 write and the first
// byte transfer; dmaBlockDelay is the one M-cycle grace period before the
// bus-blocking rules assert.
const (
	dmaStartDelay = 12
	dmaBlockDelay = 4
	dmaBytes      = 160
)

type dmaEngine struct {
	active     bool
	page       byte
	sourceBase uint16
	byteIndex  int
	cycleAccum int
	startDelay int
	blockDelay int
}

// Bus routes read8/write8 by address and owns WRAM, HRAM, the optional
// boot ROM overlay, and the OAM DMA engine.
type Bus struct {
	cart cart.Cartridge
	ppu  *ppu.PPU
	apu  *apu.APU
	tmr  *timer.Timer
	ser  *serial.Port
	joy  *joypad.Joypad
	ic   *interrupt.Controller

	wram [0x2000]byte
	hram [0x7F]byte

	boot        []byte
	bootEnabled bool

	dma dmaEngine
}

// New wires a bus to the components owning each address region. The
// cartridge slot starts empty; ROM reads return 0xFF until SetCartridge.
func New(p *ppu.PPU, a *apu.APU, t *timer.Timer, s *serial.Port, j *joypad.Joypad, ic *interrupt.Controller) *Bus {
	return &Bus{ppu: p, apu: a, tmr: t, ser: s, joy: j, ic: ic}
}

// SetCartridge installs a mapper, replacing any prior installation.
func (b *Bus) SetCartridge(c cart.Cartridge) { b.cart = c }

// Cart returns the installed mapper, or nil.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// SetBootROM installs a 256-byte boot ROM mapped over [0x0000, 0x0100)
// and enables it; a write to 0xFF50 unmaps it.
func (b *Bus) SetBootROM(data []byte) {
	if len(data) < 0x100 {
		b.boot = nil
		b.bootEnabled = false
		return
	}
	b.boot = make([]byte, 0x100)
	copy(b.boot, data[:0x100])
	b.bootEnabled = true
}

// BootEnabled reports whether the boot ROM overlay is still mapped.
func (b *Bus) BootEnabled() bool { return b.bootEnabled }

// DMAActive reports whether an OAM DMA transfer is in flight.
func (b *Bus) DMAActive() bool { return b.dma.active }

// dmaBlocking reports whether the DMA bus-blocking rules are asserted
// (one M-cycle after the triggering write).
func (b *Bus) dmaBlocking() bool { return b.dma.active && b.dma.blockDelay == 0 }

// dmaSourceVRAM reports whether the in-flight DMA reads from VRAM, which
// leaves the external bus free for the CPU.
func (b *Bus) dmaSourceVRAM() bool {
	return b.dma.sourceBase >= 0x8000 && b.dma.sourceBase < 0xA000
}

// dmaConflictByte is the byte the DMA engine is currently fetching; CPU
// reads on the contested bus observe it.
func (b *Bus) dmaConflictByte() byte {
	idx := b.dma.byteIndex
	if idx >= dmaBytes {
		idx = dmaBytes - 1
	}
	return b.rawRead(b.dma.sourceBase + uint16(idx))
}

// Read returns the byte at addr with all access gating applied: PPU mode
// blocking for VRAM/OAM and the DMA rules from the engine state.
func (b *Bus) Read(addr uint16) byte {
	if b.dmaBlocking() {
		if addr >= 0xFE00 && addr < 0xFEA0 {
			return 0xFF
		}
		if b.dmaSourceVRAM() {
			if addr >= 0x8000 && addr < 0xA000 {
				return 0xFF
			}
		} else if addr < 0xFF80 {
			// DMA owns the external bus: the CPU sees whatever byte the
			// engine is fetching. HRAM and IE stay reachable.
			return b.dmaConflictByte()
		}
	}
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x100 {
			return b.boot[addr]
		}
		if b.cart == nil {
			return 0xFF
		}
		return b.cart.ReadROM(addr)
	case addr < 0xA000:
		if b.ppu.VRAMBlockedForCPU() {
			return 0xFF
		}
		return b.ppu.ReadVRAM(addr)
	case addr < 0xC000:
		if b.cart == nil {
			return 0xFF
		}
		return b.cart.ReadRAM(addr)
	case addr < 0xE000:
		return b.wram[addr-0xC000]
	case addr < 0xFE00:
		return b.wram[addr-0xE000]
	case addr < 0xFEA0:
		if b.ppu.OAMBlockedForCPU() {
			return 0xFF
		}
		return b.ppu.ReadOAM(addr)
	case addr < 0xFF00:
		return 0xFF
	case addr < 0xFF80:
		return b.readIO(addr)
	case addr < 0xFFFF:
		return b.hram[addr-0xFF80]
	default:
		return b.ic.ReadIE()
	}
}

// Write stores v at addr with the same gating as Read.
func (b *Bus) Write(addr uint16, v byte) {
	if b.dmaBlocking() && !b.dmaSourceVRAM() && addr < 0xFF80 && addr != 0xFF46 {
		return
	}
	switch {
	case addr < 0x8000:
		if b.cart != nil {
			b.cart.WriteROM(addr, v)
		}
	case addr < 0xA000:
		if b.ppu.VRAMBlockedForCPU() {
			return
		}
		b.ppu.WriteVRAM(addr, v)
	case addr < 0xC000:
		if b.cart != nil {
			b.cart.WriteRAM(addr, v)
		}
	case addr < 0xE000:
		b.wram[addr-0xC000] = v
	case addr < 0xFE00:
		b.wram[addr-0xE000] = v
	case addr < 0xFEA0:
		if b.ppu.OAMBlockedForCPU() || b.dmaBlocking() {
			return
		}
		b.ppu.WriteOAM(addr, v)
	case addr < 0xFF00:
		// forbidden region
	case addr < 0xFF80:
		b.writeIO(addr, v)
	case addr < 0xFFFF:
		b.hram[addr-0xFF80] = v
	default:
		b.ic.WriteIE(v)
	}
}

func (b *Bus) readIO(addr uint16) byte {
	switch {
	case addr == 0xFF00:
		return b.joy.Read()
	case addr == 0xFF01:
		return b.ser.ReadSB()
	case addr == 0xFF02:
		return b.ser.ReadSC()
	case addr == 0xFF04:
		return b.tmr.ReadDIV()
	case addr == 0xFF05:
		return b.tmr.ReadTIMA()
	case addr == 0xFF06:
		return b.tmr.ReadTMA()
	case addr == 0xFF07:
		return b.tmr.ReadTAC()
	case addr == 0xFF0F:
		return b.ic.ReadIF()
	case addr >= 0xFF10 && addr <= 0xFF3F:
		return b.apu.ReadReg(addr)
	case addr == 0xFF46:
		return b.dma.page
	case addr >= 0xFF40 && addr <= 0xFF4B:
		return b.ppu.ReadReg(addr)
	default:
		return 0xFF
	}
}

func (b *Bus) writeIO(addr uint16, v byte) {
	switch {
	case addr == 0xFF00:
		b.joy.Write(v)
	case addr == 0xFF01:
		b.ser.WriteSB(v)
	case addr == 0xFF02:
		b.ser.WriteSC(v)
	case addr == 0xFF04:
		b.tmr.WriteDIV(v)
	case addr == 0xFF05:
		b.tmr.WriteTIMA(v)
	case addr == 0xFF06:
		b.tmr.WriteTMA(v)
	case addr == 0xFF07:
		b.tmr.WriteTAC(v)
	case addr == 0xFF0F:
		b.ic.WriteIF(v)
	case addr >= 0xFF10 && addr <= 0xFF3F:
		b.apu.WriteReg(addr, v)
	case addr == 0xFF46:
		b.startDMA(v)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		b.ppu.WriteReg(addr, v)
	case addr == 0xFF50:
		if v != 0 {
			b.bootEnabled = false
		}
	}
}

// startDMA begins (or restarts) an OAM DMA from page<<8. A restart keeps
// the block asserted through the new start delay.
func (b *Bus) startDMA(page byte) {
	restart := b.dma.active
	b.dma.page = page
	b.dma.sourceBase = uint16(page) << 8
	b.dma.byteIndex = 0
	b.dma.cycleAccum = 0
	b.dma.startDelay = dmaStartDelay
	b.dma.active = true
	if !restart {
		b.dma.blockDelay = dmaBlockDelay
	}
}

// rawRead bypasses all gating; the DMA engine and debug tooling use it.
func (b *Bus) rawRead(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x100 {
			return b.boot[addr]
		}
		if b.cart == nil {
			return 0xFF
		}
		return b.cart.ReadROM(addr)
	case addr < 0xA000:
		return b.ppu.ReadVRAM(addr)
	case addr < 0xC000:
		if b.cart == nil {
			return 0xFF
		}
		return b.cart.ReadRAM(addr)
	case addr < 0xE000:
		return b.wram[addr-0xC000]
	case addr < 0xFE00:
		return b.wram[addr-0xE000]
	default:
		return 0xFF
	}
}

// TickDMA advances the DMA engine. Its OAM writes always land, even when
// CPU OAM access is blocked.
func (b *Bus) TickDMA(cycles int) {
	for i := 0; i < cycles && b.dma.active; i++ {
		if b.dma.blockDelay > 0 {
			b.dma.blockDelay--
		}
		if b.dma.startDelay > 0 {
			b.dma.startDelay--
			continue
		}
		b.dma.cycleAccum++
		if b.dma.cycleAccum < 4 {
			continue
		}
		b.dma.cycleAccum -= 4
		v := b.rawRead(b.dma.sourceBase + uint16(b.dma.byteIndex))
		b.ppu.WriteOAM(0xFE00+uint16(b.dma.byteIndex), v)
		b.dma.byteIndex++
		if b.dma.byteIndex >= dmaBytes {
			b.dma.active = false
		}
	}
}

// --- save state ---

// SaveState serializes WRAM, HRAM, and the DMA engine. Component state
// is saved by each component; the boot ROM is host configuration.
func (b *Bus) SaveState() []byte {
	out := make([]byte, 0, len(b.wram)+len(b.hram)+16)
	out = append(out, b.wram[:]...)
	out = append(out, b.hram[:]...)
	out = append(out, boolByte(b.dma.active), b.dma.page)
	out = append(out, byte(b.dma.byteIndex), byte(b.dma.cycleAccum))
	out = append(out, byte(b.dma.startDelay), byte(b.dma.blockDelay))
	out = append(out, boolByte(b.bootEnabled))
	return out
}

// LoadState restores a snapshot produced by SaveState.
func (b *Bus) LoadState(data []byte) {
	need := len(b.wram) + len(b.hram) + 7
	if len(data) < need {
		return
	}
	copy(b.wram[:], data[:0x2000])
	copy(b.hram[:], data[0x2000:0x2000+0x7F])
	s := data[0x2000+0x7F:]
	b.dma.active = s[0] != 0
	b.dma.page = s[1]
	b.dma.sourceBase = uint16(s[1]) << 8
	b.dma.byteIndex = int(s[2])
	b.dma.cycleAccum = int(s[3])
	b.dma.startDelay = int(s[4])
	b.dma.blockDelay = int(s[5])
	b.bootEnabled = s[6] != 0 && b.boot != nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
