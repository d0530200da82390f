// Package gameboy is the system orchestrator: it owns every subsystem,
// applies the power-on state, fans the CPU's cycle buckets out across
// the timer / bus / PPU / serial / APU, and exposes the host-facing
// surfaces (frame observers, audio drain, buttons, saves, debug).
package gameboy

import (
	"bytes"
	"encoding/gob"

	"github.com/dmgcore/gbcore/internal/apu"
	"github.com/dmgcore/gbcore/internal/bus"
	"github.com/dmgcore/gbcore/internal/cart"
	"github.com/dmgcore/gbcore/internal/cpu"
	"github.com/dmgcore/gbcore/internal/interrupt"
	"github.com/dmgcore/gbcore/internal/joypad"
	"github.com/dmgcore/gbcore/internal/ppu"
	"github.com/dmgcore/gbcore/internal/serial"
	"github.com/dmgcore/gbcore/internal/timer"
)

// irqLines adapts the interrupt controller to the per-subsystem request
// interfaces, so the leaf packages stay decoupled from each other.
type irqLines struct{ ic *interrupt.Controller }

func (l irqLines) RequestTimer()  { l.ic.Request(interrupt.Timer) }
func (l irqLines) RequestSerial() { l.ic.Request(interrupt.Serial) }
func (l irqLines) RequestJoypad() { l.ic.Request(interrupt.Joypad) }
func (l irqLines) RequestVBlank() { l.ic.Request(interrupt.VBlank) }
func (l irqLines) RequestStat()   { l.ic.Request(interrupt.Stat) }

// FrameObserver receives the completed 160x144 ARGB framebuffer.
type FrameObserver func(fb *[ppu.Height][ppu.Width]uint32)

// DebugSnapshot is a point-in-time view of the machine for debug UIs.
type DebugSnapshot struct {
	PC, SP         uint16
	AF, BC, DE, HL uint16
	IME, Halted    bool
	IE, IF         byte
	LY, LCDC, STAT byte
	Cycles         uint64
	LastOpcode     byte
}

// Machine is the single-owner root of the emulated system.
type Machine struct {
	ic  *interrupt.Controller
	tmr *timer.Timer
	ser *serial.Port
	joy *joypad.Joypad
	ppu *ppu.PPU
	apu *apu.APU
	bus *bus.Bus
	cpu *cpu.CPU

	cart   cart.Cartridge
	header *cart.Header

	bootROM   []byte
	observers []FrameObserver
}

// New builds a machine producing audio at the given sample rate. No
// cartridge is installed yet; Step and RunFor execute against an open
// bus (reads of 0xFF) until LoadCartridge.
func New(sampleRate int) *Machine {
	m := &Machine{ic: &interrupt.Controller{}}
	lines := irqLines{ic: m.ic}
	m.tmr = timer.New(lines)
	m.ser = serial.New(lines)
	m.joy = joypad.New(lines)
	m.ppu = ppu.New(lines)
	m.apu = apu.New(sampleRate)
	m.bus = bus.New(m.ppu, m.apu, m.tmr, m.ser, m.joy, m.ic)
	m.cpu = cpu.New(m.bus, m.ic)
	m.cpu.SetTickSink(m.dispatchTick)
	m.Reset()
	return m
}

// SetBootROM installs a 256-byte boot ROM. Subsequent LoadCartridge
// calls start execution at 0x0000 with the boot overlay mapped.
func (m *Machine) SetBootROM(data []byte) {
	if len(data) >= 0x100 {
		m.bootROM = make([]byte, 0x100)
		copy(m.bootROM, data[:0x100])
	} else {
		m.bootROM = nil
	}
}

// LoadCartridge parses the ROM, installs the matching mapper, and resets
// the machine. It replaces any prior cartridge.
func (m *Machine) LoadCartridge(rom []byte) error {
	c, h, err := cart.New(rom)
	if err != nil {
		return err
	}
	m.cart = c
	m.header = h
	m.bus.SetCartridge(c)
	m.Reset()
	return nil
}

// LoadCartridgeWithBoot installs a boot ROM and a cartridge in one call;
// execution starts at 0x0000 under the boot overlay.
func (m *Machine) LoadCartridgeWithBoot(rom, boot []byte) error {
	m.SetBootROM(boot)
	return m.LoadCartridge(rom)
}

// CartridgeHeader returns the parsed header of the installed cartridge,
// or nil when none is loaded.
func (m *Machine) CartridgeHeader() *cart.Header { return m.header }

// Reset applies the power-on state: with a boot ROM configured the CPU
// starts at 0x0000 under the overlay, otherwise the documented DMG
// post-boot register and I/O values are applied directly.
func (m *Machine) Reset() {
	if m.bootROM != nil {
		m.bus.SetBootROM(m.bootROM)
		m.cpu.ResetBoot()
		m.cpu.SetTickSink(m.dispatchTick)
		return
	}
	m.cpu.Reset()
	m.applyPostBootIO()
}

// applyPostBootIO writes the I/O register values the boot ROM would
// leave behind.
func (m *Machine) applyPostBootIO() {
	b := m.bus
	b.Write(0xFF00, 0xCF) // joypad: no group selected
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC
	b.Write(0xFF26, 0x80) // NR52 power on
	b.Write(0xFF24, 0x77) // NR50
	b.Write(0xFF25, 0xF3) // NR51
	b.Write(0xFF40, 0x91) // LCDC: LCD+BG on, tile data 0x8000
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.Write(0xFFFF, 0x00) // IE
}

// dispatchTick routes one cycle block into its bucket: the timer runs
// alone, the DMA engine / PPU / serial port / APU share the other. The
// ordering within the non-timer bucket is fixed so DMA writes land
// before the PPU examines OAM for the same cycles.
func (m *Machine) dispatchTick(t cpu.Tick) {
	if t.Bucket == cpu.BucketTimer {
		for i := 0; i < t.Cycles; i++ {
			m.tmr.Tick()
		}
		return
	}
	m.bus.TickDMA(t.Cycles)
	for i := 0; i < t.Cycles; i++ {
		m.ppu.Tick()
	}
	m.ser.Tick(t.Cycles)
	m.apu.Tick(t.Cycles)
}

// Step runs one CPU step, fans out its cycles, and returns the cycle
// count. Frame observers fire from here when the PPU completes a frame.
func (m *Machine) Step() int {
	cycles, _ := m.step()
	return cycles
}

func (m *Machine) step() (cycles int, frame bool) {
	res := m.cpu.Step()
	early := 0
	for _, t := range res.EarlyTicks {
		if t.Bucket == cpu.BucketTimer {
			early += t.Cycles
		}
	}
	if residual := res.Cycles - early; residual > 0 {
		m.dispatchTick(cpu.Tick{Bucket: cpu.BucketTimer, Cycles: residual})
		m.dispatchTick(cpu.Tick{Bucket: cpu.BucketOther, Cycles: residual})
	}
	if m.ppu.FrameReady() {
		frame = true
		fb := m.ppu.Framebuffer()
		for _, fn := range m.observers {
			fn(fb)
		}
	}
	return res.Cycles, frame
}

// RunFor drives the machine until at least the given cycle budget is
// spent and returns the cycles actually run. The final instruction may
// modestly overshoot the budget; partial instructions never occur.
func (m *Machine) RunFor(cycles int) int {
	ran := 0
	for ran < cycles {
		ran += m.Step()
	}
	return ran
}

// StepFrame drives the machine until the pixel unit signals frame-ready.
func (m *Machine) StepFrame() {
	// With the LCD disabled no frame boundary arrives; bound the loop at
	// two nominal frames' worth of cycles.
	const frameCycles = 456 * 154
	spent := 0
	for spent < frameCycles*2 {
		cycles, frame := m.step()
		spent += cycles
		if frame {
			return
		}
	}
}

// AddFrameObserver registers a callback invoked with the framebuffer
// once per completed frame.
func (m *Machine) AddFrameObserver(fn FrameObserver) {
	m.observers = append(m.observers, fn)
}

// Framebuffer exposes the PPU's 160x144 ARGB buffer.
func (m *Machine) Framebuffer() *[ppu.Height][ppu.Width]uint32 {
	return m.ppu.Framebuffer()
}

// DrainAudio returns up to maxFrames stereo frames as interleaved floats.
func (m *Machine) DrainAudio(maxFrames int) []float32 {
	return m.apu.Drain(maxFrames)
}

// AudioBuffered returns the number of stereo frames queued for drain.
func (m *Machine) AudioBuffered() int { return m.apu.Buffered() }

// SetButton updates one of the eight buttons.
func (m *Machine) SetButton(b joypad.Button, pressed bool) {
	m.joy.SetButton(b, pressed)
}

// SerialOutput returns the cumulative ASCII transmitted on the link
// port, the channel most test ROMs report through.
func (m *Machine) SerialOutput() string { return m.ser.Output() }

// SetSerialWriter tees every transmitted serial byte into w.
func (m *Machine) SetSerialWriter(w interface{ Write([]byte) (int, error) }) {
	m.ser.SetOutputTee(w)
}

// Debug returns a snapshot of the CPU-visible machine state.
func (m *Machine) Debug() DebugSnapshot {
	c := m.cpu
	return DebugSnapshot{
		PC: c.PC, SP: c.SP,
		AF:  uint16(c.A)<<8 | uint16(c.F),
		BC:  uint16(c.B)<<8 | uint16(c.C),
		DE:  uint16(c.D)<<8 | uint16(c.E),
		HL:  uint16(c.H)<<8 | uint16(c.L),
		IME: c.IME, Halted: c.Halted,
		IE: m.ic.ReadIE(), IF: m.ic.ReadIF(),
		LY:     m.bus.Read(0xFF44),
		LCDC:   m.bus.Read(0xFF40),
		STAT:   m.bus.Read(0xFF41),
		Cycles: c.Cycles, LastOpcode: c.LastOp,
	}
}

// ExportSave returns the battery-backed payload of the installed
// cartridge: RAM bytes (nil when the cart has none) and mapper metadata
// (nil unless the mapper carries extra state, e.g. the MBC3 RTC).
func (m *Machine) ExportSave() (ram []byte, meta []byte, ok bool) {
	if m.cart == nil {
		return nil, nil, false
	}
	ram = m.cart.ExportRAM()
	if mc, isMC := m.cart.(cart.MetadataCarrier); isMC {
		meta = mc.ExportMetadata()
	}
	return ram, meta, ram != nil || meta != nil
}

// ImportSave restores a previously exported save payload.
func (m *Machine) ImportSave(ram []byte, meta []byte) error {
	if m.cart == nil {
		return nil
	}
	m.cart.ImportRAM(ram)
	if mc, isMC := m.cart.(cart.MetadataCarrier); isMC && len(meta) > 0 {
		if err := mc.ImportMetadata(meta); err != nil {
			return err
		}
	}
	m.cart.ClearDirty()
	return nil
}

// SaveDirty reports whether cartridge RAM changed since the last
// ImportSave. ExportSave does not clear the flag.
func (m *Machine) SaveDirty() bool {
	return m.cart != nil && m.cart.Dirty()
}

// --- whole-machine save state ---

type machineState struct {
	CPU       []byte
	Bus       []byte
	PPU       []byte
	APU       []byte
	Timer     []byte
	Serial    []byte
	Joypad    []byte
	Interrupt []byte
	Cart      []byte
}

// SaveState snapshots the entire machine (a superset of ExportSave).
func (m *Machine) SaveState() []byte {
	s := machineState{
		CPU:       m.cpu.SaveState(),
		Bus:       m.bus.SaveState(),
		PPU:       m.ppu.SaveState(),
		APU:       m.apu.SaveState(),
		Timer:     m.tmr.SaveState(),
		Serial:    m.ser.SaveState(),
		Joypad:    m.joy.SaveState(),
		Interrupt: m.ic.SaveState(),
	}
	if m.cart != nil {
		s.Cart = m.cart.SaveState()
	}
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

// LoadState restores a SaveState snapshot. The loaded state must belong
// to the currently installed cartridge.
func (m *Machine) LoadState(data []byte) error {
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	m.cpu.LoadState(s.CPU)
	m.bus.LoadState(s.Bus)
	m.ppu.LoadState(s.PPU)
	m.apu.LoadState(s.APU)
	m.tmr.LoadState(s.Timer)
	m.ser.LoadState(s.Serial)
	m.joy.LoadState(s.Joypad)
	m.ic.LoadState(s.Interrupt)
	if m.cart != nil && len(s.Cart) > 0 {
		m.cart.LoadState(s.Cart)
	}
	return nil
}
