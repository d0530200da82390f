package gameboy

import (
	"errors"
	"testing"

	"github.com/dmgcore/gbcore/internal/cart"
	"github.com/dmgcore/gbcore/internal/joypad"
	"github.com/dmgcore/gbcore/internal/ppu"
)

// buildROM assembles a 32 KiB image with the given program at the entry
// point 0x0100.
func buildROM(cartType, ramSizeCode byte, program []byte) []byte {
	rom := make([]byte, 0x8000)
	copy(rom[0x0134:], "MACHTEST")
	rom[0x0147] = cartType
	rom[0x0148] = 0x00
	rom[0x0149] = ramSizeCode
	copy(rom[0x0100:], program)
	return rom
}

func newMachine(t *testing.T, rom []byte) *Machine {
	t.Helper()
	m := New(48000)
	if err := m.LoadCartridge(rom); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	return m
}

func TestLoadCartridgeErrors(t *testing.T) {
	m := New(48000)
	rom := buildROM(0x05, 0, nil) // MBC2: unsupported
	if err := m.LoadCartridge(rom); !errors.Is(err, cart.ErrUnsupportedCartridge) {
		t.Fatalf("want ErrUnsupportedCartridge, got %v", err)
	}
	short := buildROM(0x00, 0, nil)[:0x2000]
	if err := m.LoadCartridge(short); !errors.Is(err, cart.ErrTruncatedRom) {
		t.Fatalf("want ErrTruncatedRom, got %v", err)
	}
}

func TestArithmeticProgram(t *testing.T) {
	// LD A,0x0F; ADD A,0x01; SUB 0x10; HALT
	m := newMachine(t, buildROM(0x00, 0, []byte{0x3E, 0x0F, 0xC6, 0x01, 0xD6, 0x10, 0x76}))
	m.RunFor(40)
	d := m.Debug()
	if d.AF>>8 != 0x00 {
		t.Fatalf("A got %#x want 0", d.AF>>8)
	}
	if d.AF&0xC0 != 0xC0 {
		t.Fatalf("Z and N must be set, F=%#x", d.AF&0xFF)
	}
	if d.AF&0x20 != 0 {
		t.Fatalf("H must be clear, F=%#x", d.AF&0xFF)
	}
	if !d.Halted {
		t.Fatalf("program should have halted")
	}
}

func TestSerialTransferEndToEnd(t *testing.T) {
	// LD A,0x29; LDH (0x01),A; LD A,0x81; LDH (0x02),A; HALT
	prog := []byte{0x3E, 0x29, 0xE0, 0x01, 0x3E, 0x81, 0xE0, 0x02, 0x76}
	m := newMachine(t, buildROM(0x00, 0, prog))
	m.RunFor(4000)
	if m.SerialOutput() != "" {
		t.Fatalf("transfer finished too early")
	}
	m.RunFor(200)
	if m.SerialOutput() != ")" {
		t.Fatalf("serial output got %q want \")\"", m.SerialOutput())
	}
	if m.Debug().IF&0x08 == 0 {
		t.Fatalf("serial interrupt must be pending in IF")
	}
}

func TestJoypadRegisterReadback(t *testing.T) {
	// LD A,0x10; LDH (0x00),A; LDH A,(0x00); HALT
	prog := []byte{0x3E, 0x10, 0xE0, 0x00, 0xF0, 0x00, 0x76}
	m := newMachine(t, buildROM(0x00, 0, prog))
	m.SetButton(joypad.Start, true)
	m.RunFor(40)
	a := byte(m.Debug().AF >> 8)
	if a&0x0F != 0b0111 {
		t.Fatalf("visible nibble with start pressed got %#04b want 0111", a&0x0F)
	}
	if a&0x30 != 0x10 {
		t.Fatalf("selection bits got %#x want button group selected", a&0x30)
	}
}

func TestJoypadInterruptOnPress(t *testing.T) {
	// Select the button group, then loop.
	prog := []byte{0x3E, 0x10, 0xE0, 0x00, 0x76}
	m := newMachine(t, buildROM(0x00, 0, prog))
	m.RunFor(40)
	if m.Debug().IF&0x10 != 0 {
		t.Fatalf("no joypad interrupt expected yet")
	}
	m.SetButton(joypad.A, true)
	if m.Debug().IF&0x10 == 0 {
		t.Fatalf("pressing a selected button must raise the joypad interrupt")
	}
}

func TestTimerInterruptDispatch(t *testing.T) {
	// Install a timer handler at 0x0050 that increments B, then enable
	// the fastest timer clock and wait.
	prog := []byte{
		0x3E, 0xFE, 0xE0, 0x05, // LD A,0xFE; LDH (TIMA),A
		0x3E, 0x05, 0xE0, 0x07, // LD A,0b101; LDH (TAC),A
		0x3E, 0x04, 0xE0, 0xFF, // LD A,0x04; LDH (IE),A
		0xFB, // EI
		0x76, // HALT
	}
	rom := buildROM(0x00, 0, prog)
	rom[0x0050] = 0x04 // INC B
	rom[0x0051] = 0xD9 // RETI
	m := newMachine(t, rom)
	m.RunFor(2000)
	if m.Debug().BC>>8 == 0 {
		t.Fatalf("timer handler never ran")
	}
}

func TestFrameObserverAndStepFrame(t *testing.T) {
	m := newMachine(t, buildROM(0x00, 0, []byte{0x18, 0xFE})) // JR -2
	frames := 0
	m.AddFrameObserver(func(fb *[ppu.Height][ppu.Width]uint32) {
		if fb == nil {
			t.Fatalf("nil framebuffer in observer")
		}
		frames++
	})
	m.StepFrame()
	if frames != 1 {
		t.Fatalf("StepFrame should complete exactly one frame, got %d", frames)
	}
	m.RunFor(70224 * 2)
	if frames < 2 {
		t.Fatalf("RunFor two frames' worth should emit more frames, got %d", frames)
	}
}

func TestAudioDrain(t *testing.T) {
	m := newMachine(t, buildROM(0x00, 0, []byte{0x18, 0xFE}))
	m.RunFor(100000)
	if m.AudioBuffered() == 0 {
		t.Fatalf("running the machine must produce audio frames")
	}
	out := m.DrainAudio(64)
	if len(out) == 0 || len(out)%2 != 0 {
		t.Fatalf("drain returned %d floats", len(out))
	}
	for _, v := range out {
		if v < -1 || v > 1 {
			t.Fatalf("sample out of range: %f", v)
		}
	}
}

func TestSavePersistenceRoundTrip(t *testing.T) {
	// Enable cart RAM, store a byte, halt.
	prog := []byte{
		0x3E, 0x0A, 0xEA, 0x00, 0x00, // LD A,0x0A; LD (0x0000),A
		0x3E, 0x55, 0xEA, 0x00, 0xA0, // LD A,0x55; LD (0xA000),A
		0x76,
	}
	m := newMachine(t, buildROM(0x03, 0x03, prog)) // MBC1+RAM+BAT
	m.RunFor(100)
	if !m.SaveDirty() {
		t.Fatalf("RAM write must mark the save dirty")
	}
	ram, meta, ok := m.ExportSave()
	if !ok || len(ram) == 0 {
		t.Fatalf("ExportSave returned nothing")
	}
	if ram[0] != 0x55 {
		t.Fatalf("saved RAM[0] got %#x want 0x55", ram[0])
	}
	if meta != nil {
		t.Fatalf("MBC1 must not carry mapper metadata")
	}

	m2 := newMachine(t, buildROM(0x03, 0x03, nil))
	if err := m2.ImportSave(ram, nil); err != nil {
		t.Fatalf("ImportSave: %v", err)
	}
	ram2, _, _ := m2.ExportSave()
	if ram2[0] != 0x55 {
		t.Fatalf("round-tripped RAM[0] got %#x want 0x55", ram2[0])
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	m := newMachine(t, buildROM(0x00, 0, []byte{0x3E, 0x42, 0x06, 0x07, 0x18, 0xFE}))
	m.RunFor(50000)
	snap := m.SaveState()
	want := m.Debug()

	m2 := newMachine(t, buildROM(0x00, 0, []byte{0x3E, 0x42, 0x06, 0x07, 0x18, 0xFE}))
	if err := m2.LoadState(snap); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	got := m2.Debug()
	if got.PC != want.PC || got.AF != want.AF || got.BC != want.BC ||
		got.LY != want.LY || got.Cycles != want.Cycles {
		t.Fatalf("restored machine mismatch:\n got %+v\nwant %+v", got, want)
	}
	// Both machines must stay in lockstep afterwards.
	m.RunFor(10000)
	m2.RunFor(10000)
	if m.Debug().LY != m2.Debug().LY || m.Debug().Cycles != m2.Debug().Cycles {
		t.Fatalf("restored machine diverged")
	}
}

func TestRunForBudget(t *testing.T) {
	m := newMachine(t, buildROM(0x00, 0, []byte{0x18, 0xFE}))
	ran := m.RunFor(1000)
	if ran < 1000 {
		t.Fatalf("RunFor must spend at least the budget, ran %d", ran)
	}
	if ran > 1000+24 {
		t.Fatalf("overshoot larger than one instruction: %d", ran)
	}
}

func TestDebugSnapshotFields(t *testing.T) {
	m := newMachine(t, buildROM(0x00, 0, []byte{0x00, 0x76}))
	m.RunFor(8)
	d := m.Debug()
	if d.LCDC != 0x91 {
		t.Fatalf("LCDC got %#x want post-boot 0x91", d.LCDC)
	}
	if d.LastOpcode != 0x76 {
		t.Fatalf("last opcode got %#x want 0x76", d.LastOpcode)
	}
	if d.SP != 0xFFFE {
		t.Fatalf("SP got %#x want 0xFFFE", d.SP)
	}
	if h := m.CartridgeHeader(); h == nil || h.Title != "MACHTEST" {
		t.Fatalf("cartridge header missing or wrong title")
	}
}
