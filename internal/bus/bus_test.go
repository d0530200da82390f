package bus

import (
	"testing"

	"github.com/dmgcore/gbcore/internal/apu"
	"github.com/dmgcore/gbcore/internal/cart"
	"github.com/dmgcore/gbcore/internal/interrupt"
	"github.com/dmgcore/gbcore/internal/joypad"
	"github.com/dmgcore/gbcore/internal/ppu"
	"github.com/dmgcore/gbcore/internal/serial"
	"github.com/dmgcore/gbcore/internal/timer"
)

func newTestBus(t *testing.T, rom []byte) *Bus {
	t.Helper()
	ic := &interrupt.Controller{}
	b := New(ppu.New(nil), apu.New(48000), timer.New(nil), serial.New(nil), joypad.New(nil), ic)
	if rom != nil {
		c, _, err := cart.New(rom)
		if err != nil {
			t.Fatalf("cart.New: %v", err)
		}
		b.SetCartridge(c)
	}
	return b
}

func testROM() []byte {
	rom := make([]byte, 0x8000)
	rom[0x0147] = 0x00
	rom[0x0148] = 0x00
	rom[0x0149] = 0x00
	for i := range rom {
		rom[i] = byte(i)
	}
	rom[0x0147], rom[0x0148], rom[0x0149] = 0, 0, 0
	return rom
}

func TestWRAMAndMirror(t *testing.T) {
	b := newTestBus(t, nil)
	b.Write(0xC123, 0x5A)
	if b.Read(0xC123) != 0x5A {
		t.Fatalf("WRAM readback failed")
	}
	if b.Read(0xE123) != 0x5A {
		t.Fatalf("echo RAM must mirror WRAM")
	}
	b.Write(0xE200, 0x77)
	if b.Read(0xC200) != 0x77 {
		t.Fatalf("echo RAM writes must land in WRAM")
	}
}

func TestForbiddenRegionAndOpenBus(t *testing.T) {
	b := newTestBus(t, nil)
	if b.Read(0xFEA0) != 0xFF || b.Read(0xFEFF) != 0xFF {
		t.Fatalf("forbidden region must read 0xFF")
	}
	b.Write(0xFEA0, 0x12) // dropped
	if b.Read(0x4000) != 0xFF {
		t.Fatalf("empty cartridge slot must read 0xFF")
	}
	if b.Read(0xFF7F) != 0xFF {
		t.Fatalf("unimplemented I/O must read 0xFF")
	}
}

func TestHRAMAndIE(t *testing.T) {
	b := newTestBus(t, nil)
	b.Write(0xFF80, 0xAB)
	if b.Read(0xFF80) != 0xAB {
		t.Fatalf("HRAM readback failed")
	}
	b.Write(0xFFFF, 0x1F)
	if b.Read(0xFFFF) != 0x1F {
		t.Fatalf("IE readback failed")
	}
}

func TestBootROMOverlay(t *testing.T) {
	rom := testROM()
	b := newTestBus(t, rom)
	boot := make([]byte, 0x100)
	boot[0x00] = 0xEE
	b.SetBootROM(boot)
	if b.Read(0x0000) != 0xEE {
		t.Fatalf("boot overlay not mapped")
	}
	if b.Read(0x0150) != rom[0x0150] {
		t.Fatalf("reads past the overlay must hit the cartridge")
	}
	b.Write(0xFF50, 0x01)
	if b.Read(0x0000) != rom[0x0000] {
		t.Fatalf("boot overlay must unmap after the FF50 write")
	}
}

func TestDMAFromWRAM(t *testing.T) {
	b := newTestBus(t, nil)
	for i := 0; i < 160; i++ {
		b.Write(0xC000+uint16(i), byte(i))
	}
	b.Write(0xFF46, 0xC0)
	if !b.DMAActive() {
		t.Fatalf("DMA must be active after the FF46 write")
	}
	// 12 cycles of start delay, then 4 cycles per byte.
	b.TickDMA(12 + 160*4)
	if b.DMAActive() {
		t.Fatalf("DMA still active after the full transfer window")
	}
	for i := 0; i < 160; i++ {
		if got := b.Read(0xFE00 + uint16(i)); got != byte(i) {
			t.Fatalf("OAM[%d] got %#x want %#x", i, got, byte(i))
		}
	}
}

func TestDMABlocksOAMReads(t *testing.T) {
	b := newTestBus(t, nil)
	b.Write(0xC000, 0x42)
	b.Write(0xFF46, 0xC0)
	b.TickDMA(8) // past the one M-cycle grace period, still transferring
	if b.Read(0xFE00) != 0xFF {
		t.Fatalf("OAM reads during DMA must return 0xFF")
	}
}

func TestDMAFromVRAMLeavesExternalBusOpen(t *testing.T) {
	b := newTestBus(t, nil)
	// Populate VRAM through the PPU-facing window before DMA starts.
	for i := 0; i < 160; i++ {
		b.Write(0x8000+uint16(i), byte(0xA0+i))
	}
	b.Write(0xC000, 0x42)
	b.Write(0xFF46, 0x80)
	b.TickDMA(8)
	if b.Read(0xC000) != 0x42 {
		t.Fatalf("WRAM must stay readable during a VRAM-source DMA")
	}
	if b.Read(0x8000) != 0xFF {
		t.Fatalf("VRAM reads during a VRAM-source DMA must return 0xFF")
	}
	if b.Read(0xFE00) != 0xFF {
		t.Fatalf("OAM reads during DMA must return 0xFF")
	}
	b.TickDMA(4 + 160*4)
	if got := b.Read(0xFE00); got != 0xA0 {
		t.Fatalf("OAM[0] after VRAM DMA got %#x want 0xA0", got)
	}
}

func TestDMAExternalSourceConflict(t *testing.T) {
	b := newTestBus(t, nil)
	b.Write(0xC000, 0x42)
	b.Write(0xFF80, 0x99)
	b.Write(0xFF46, 0xC0)
	b.TickDMA(8)
	// The CPU sees the byte DMA is fetching on any external-bus read.
	if got := b.Read(0xD000); got != b.Read(0xC000) {
		t.Fatalf("conflicting reads should both return the DMA fetch byte")
	}
	if b.Read(0xFF80) != 0x99 {
		t.Fatalf("HRAM must stay readable during external-source DMA")
	}
	// Non-HRAM writes are dropped.
	b.Write(0xD000, 0x11)
	b.TickDMA(160 * 4)
	if b.Read(0xD000) == 0x11 {
		t.Fatalf("external-bus write during DMA must be ignored")
	}
}

func TestDMARestart(t *testing.T) {
	b := newTestBus(t, nil)
	for i := 0; i < 160; i++ {
		b.Write(0xC000+uint16(i), 0x11)
		b.Write(0xD000+uint16(i), 0x22)
	}
	b.Write(0xFF46, 0xC0)
	b.TickDMA(100)
	b.Write(0xFF46, 0xD0) // restart mid-transfer
	b.TickDMA(12 + 160*4)
	if b.DMAActive() {
		t.Fatalf("restarted DMA did not finish")
	}
	if got := b.Read(0xFE9F); got != 0x22 {
		t.Fatalf("OAM after restart got %#x want 0x22", got)
	}
}

func TestTimerRegisterRouting(t *testing.T) {
	b := newTestBus(t, nil)
	b.Write(0xFF07, 0x05)
	if b.Read(0xFF07) != 0xF8|0x05 {
		t.Fatalf("TAC readback got %#x", b.Read(0xFF07))
	}
	b.Write(0xFF0F, 0x04)
	if b.Read(0xFF0F) != 0xE0|0x04 {
		t.Fatalf("IF readback got %#x", b.Read(0xFF0F))
	}
}
